package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/logging"
)

type Type string

const (
	// OrderConfirmed goes to the staff channel.
	OrderConfirmed Type = "order.confirmed"

	// OrderStatusChanged and OrderRatingRequested go back to the ordering user.
	OrderStatusChanged   Type = "order.status_changed"
	OrderRatingRequested Type = "order.rating_requested"
)

type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	OrderID   int64             `json:"order_id"`
	UserID    int64             `json:"user_id"`
	Username  string            `json:"username,omitempty"`
	Address   string            `json:"address,omitempty"`
	Slot      string            `json:"slot,omitempty"`
	LineItems []ledger.LineItem `json:"line_items,omitempty"`
	Total     decimal.Decimal   `json:"total"`
	Status    ledger.Status     `json:"status,omitempty"`
	At        time.Time         `json:"at"`
}

// FromOrder builds an event of type t describing o.
func FromOrder(t Type, o ledger.Order, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Username:  o.Username,
		Address:   o.Address,
		Slot:      o.Slot.String(),
		LineItems: o.Items,
		Total:     o.Total,
		Status:    o.Status,
		At:        at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log. It is the fallback when no broker
// is configured.
type LogPublisher struct{ log *slog.Logger }

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = logging.New("notify")
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.log.Info("event",
		"type", string(e.Type),
		"event_id", e.ID,
		"order_id", e.OrderID,
		"user_id", e.UserID,
		"slot", e.Slot,
		"status", string(e.Status),
		"total", e.Total.StringFixed(2),
	)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
