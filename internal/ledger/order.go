package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/knocktwice/internal/slots"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnavailable       = errors.New("ledger unavailable")
	ErrInvalidRating     = errors.New("invalid rating")
	ErrAlreadyRated      = errors.New("order already rated")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusEnRoute   Status = "en-route"
	StatusDelivered Status = "delivered"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusEnRoute:   1,
	StatusDelivered: 2,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "en_route" || st == "enroute" {
		st = StatusEnRoute
	}
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Transition checks from -> to. Moving to the current state is a no-op;
// otherwise only the next state on pending -> en-route -> delivered is allowed.
func Transition(from, to Status) (noop bool, err error) {
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if fr == tr {
		return true, nil
	}
	if tr != fr+1 {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return false, nil
}

// LineItem is a denormalized cart group frozen into the order.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (li LineItem) Subtotal() decimal.Decimal { return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Qty))) }

type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Username  string          `json:"username"`
	Items     []LineItem      `json:"items"`
	Total     decimal.Decimal `json:"total"`
	Address   string          `json:"address"`
	Slot      slots.Key       `json:"slot"`
	Status    Status          `json:"status"`
	Rating    int             `json:"rating"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Products renders items as "2x Margarita, 1x Bacon BBQ".
func (o Order) Products() string {
	parts := make([]string, 0, len(o.Items))
	for _, li := range o.Items {
		parts = append(parts, fmt.Sprintf("%dx %s", li.Qty, li.Name))
	}
	return strings.Join(parts, ", ")
}

func (o Order) Validate() error {
	if o.UserID == 0 {
		return fmt.Errorf("user_id required")
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("items required")
	}
	sum := decimal.Zero
	for i, li := range o.Items {
		if li.Qty < 1 {
			return fmt.Errorf("item %d: qty must be >= 1", i+1)
		}
		if !li.UnitPrice.IsPositive() {
			return fmt.Errorf("item %d: unit price must be positive", i+1)
		}
		sum = sum.Add(li.Subtotal())
	}
	if !sum.Equal(o.Total) {
		return fmt.Errorf("total %s does not match items %s", o.Total, sum)
	}
	if strings.TrimSpace(o.Address) == "" {
		return fmt.Errorf("address required")
	}
	if o.Slot.Day == "" || o.Slot.Time == "" {
		return fmt.Errorf("slot required")
	}
	return nil
}

type Rating struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	Stars     int       `json:"stars"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Rating) Validate() error {
	if r.Stars < 1 || r.Stars > 5 {
		return fmt.Errorf("%w: %d stars, must be in range [1, 5]", ErrInvalidRating, r.Stars)
	}
	return nil
}

type Stats struct {
	OrdersSince  int             `json:"orders_since"`
	RevenueSince decimal.Decimal `json:"revenue_since"`
	OrdersTotal  int             `json:"orders_total"`
	RevenueTotal decimal.Decimal `json:"revenue_total"`
	AvgRating    float64         `json:"avg_rating"`
	ActiveUsers  int             `json:"active_users_7d"`
}
