package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/session"
	"github.com/example/knocktwice/internal/slots"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	// ErrStorage means the ledger failed mid-booking. Any slot reservation has
	// already been released and the cart is untouched.
	ErrStorage = errors.New("order did not go through; cart kept")
	// ErrRatingStorage means the ledger failed while reading or saving a
	// rating. Nothing was changed.
	ErrRatingStorage = errors.New("ratings are unavailable right now, try again later")
)

type Kind string

const (
	ShowMenu      Kind = "show_menu"
	AddToCart     Kind = "add_to_cart"
	ViewCart      Kind = "view_cart"
	ClearCart     Kind = "clear_cart"
	StartCheckout Kind = "start_checkout"
	SubmitAddress Kind = "submit_address"
	SelectSlot    Kind = "select_slot"
	RequestRating Kind = "request_rating"
	SubmitRating  Kind = "submit_rating"
)

var kinds = map[Kind]bool{
	ShowMenu: true, AddToCart: true, ViewCart: true, ClearCart: true, StartCheckout: true,
	SubmitAddress: true, SelectSlot: true, RequestRating: true, SubmitRating: true,
}

// UserAction is one inbound event from the transport. Which payload fields
// matter depends on Kind. ID is optional; when set, retries of the same
// SelectSlot replay the first confirmation instead of booking twice.
type UserAction struct {
	ID       string `json:"id,omitempty"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Kind     Kind   `json:"kind"`

	ProductID string `json:"product_id,omitempty"`
	Qty       int    `json:"qty,omitempty"`
	Address   string `json:"address,omitempty"`
	Slot      string `json:"slot,omitempty"`
	OrderID   int64  `json:"order_id,omitempty"`
	Stars     int    `json:"stars,omitempty"`
}

func (a UserAction) Validate() error {
	if a.UserID == 0 {
		return fmt.Errorf("%w: user_id required", ErrInvalidAction)
	}
	if !kinds[a.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// Outcome tells the transport what to render next.
type Outcome string

const (
	OutcomeMenu            Outcome = "menu"
	OutcomeCart            Outcome = "cart"
	OutcomeAwaitingAddress Outcome = "awaiting_address"
	OutcomeSlots           Outcome = "slots"
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeRejected        Outcome = "rejected"
	OutcomeRatingPrompt    Outcome = "rating_prompt"
	OutcomeRated           Outcome = "rated"
)

type Reason string

const (
	ReasonCooldown           Reason = "cooldown"
	ReasonClosed             Reason = "closed"
	ReasonEmptyCart          Reason = "empty_cart"
	ReasonSlotFull           Reason = "slot_full"
	ReasonUnknownSlot        Reason = "unknown_slot"
	ReasonInvalidQuantity    Reason = "invalid_quantity"
	ReasonUnknownProduct     Reason = "unknown_product"
	ReasonEmptyAddress       Reason = "empty_address"
	ReasonNoAddress          Reason = "no_address"
	ReasonNotAwaitingAddress Reason = "not_awaiting_address"
	ReasonNothingToRate      Reason = "nothing_to_rate"
	ReasonInvalidRating      Reason = "invalid_rating"
	ReasonAlreadyRated       Reason = "already_rated"
	ReasonInProgress         Reason = "in_progress"
)

// Result is what Handle hands back to the transport. Only the fields
// relevant to Outcome are set.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  Reason  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`

	// Wait is the remaining cooldown for ReasonCooldown, also given in whole
	// minutes rounded up for display.
	Wait        time.Duration `json:"-"`
	WaitMinutes int           `json:"wait_minutes,omitempty"`

	Menu  []catalog.Category   `json:"menu,omitempty"`
	Cart  *session.Cart        `json:"cart,omitempty"`
	Day   clock.Day            `json:"day,omitempty"`
	Slots []slots.Availability `json:"slots,omitempty"`
	Order *ledger.Order        `json:"order,omitempty"`

	// Replayed marks a result recalled for a duplicate action.
	Replayed bool `json:"replayed,omitempty"`
}

func rejected(r Reason, msg string) Result {
	return Result{Outcome: OutcomeRejected, Reason: r, Message: msg}
}
