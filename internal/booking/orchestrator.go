package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/idempotency"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/metrics"
	"github.com/example/knocktwice/internal/notify"
	"github.com/example/knocktwice/internal/session"
	"github.com/example/knocktwice/internal/slots"
)

const (
	DefaultCooldown    = 30 * time.Minute
	DefaultRatingDelay = 30 * time.Minute
)

type Config struct {
	Cooldown time.Duration
	// AlwaysOpen lifts the opening-hours guard. Cooldown still applies.
	AlwaysOpen bool
	// FallbackDay is served on closed weekdays when AlwaysOpen is set.
	FallbackDay clock.Day
	RatingDelay time.Duration
}

// RatingScheduler queues a rating prompt for an order.
type RatingScheduler interface {
	ScheduleRating(userID, orderID int64, at time.Time)
}

type Deps struct {
	Catalog   *catalog.Catalog
	Sessions  *session.Store
	Inventory *slots.Inventory
	Ledger    ledger.Store
	Publisher notify.Publisher
	Idem      idempotency.Store
	Ratings   RatingScheduler
	Clock     clock.Clock
	Log       *slog.Logger
}

// Orchestrator drives the checkout flow: it checks the entry guards, takes a
// slot, commits the order and tells the messaging collaborator. All actions
// for one user run under that user's session flow lock.
type Orchestrator struct {
	cfg      Config
	catalog  *catalog.Catalog
	sessions *session.Store
	inv      *slots.Inventory
	ledger   ledger.Store
	pub      notify.Publisher
	idem     idempotency.Store
	ratings  RatingScheduler
	clock    clock.Clock
	log      *slog.Logger
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Catalog == nil || d.Sessions == nil || d.Inventory == nil || d.Ledger == nil {
		return nil, fmt.Errorf("booking: catalog, sessions, inventory and ledger are required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("booking: cooldown must be >= 0")
	}
	if cfg.RatingDelay <= 0 {
		cfg.RatingDelay = DefaultRatingDelay
	}
	if cfg.FallbackDay == "" {
		cfg.FallbackDay = clock.Friday
	}
	o := &Orchestrator{
		cfg:      cfg,
		catalog:  d.Catalog,
		sessions: d.Sessions,
		inv:      d.Inventory,
		ledger:   d.Ledger,
		pub:      d.Publisher,
		idem:     d.Idem,
		ratings:  d.Ratings,
		clock:    d.Clock,
		log:      d.Log,
	}
	if o.pub == nil {
		o.pub = notify.NewLogPublisher(nil)
	}
	if o.idem == nil {
		o.idem = idempotency.NewMemory(0, d.Clock)
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}
	if o.log == nil {
		o.log = logging.New("booking")
	}
	return o, nil
}

// ServiceDay resolves which day's slots are on offer at now, the time after
// which ticks are still bookable (empty means all of them) and whether
// ordering is open at all.
func (o *Orchestrator) ServiceDay(now time.Time) (day clock.Day, after clock.TimeOfDay, open bool) {
	day, tod := clock.DayOf(now), clock.TimeOf(now)
	sched := o.inv.Schedule()
	if len(sched[day]) > 0 {
		if sched.Open(day, tod) {
			return day, tod, true
		}
		if o.cfg.AlwaysOpen {
			return day, "", true
		}
		return day, tod, false
	}
	if o.cfg.AlwaysOpen {
		return o.cfg.FallbackDay, "", true
	}
	return day, tod, false
}

// Handle applies one user action. The error is non-nil only for malformed
// actions, ErrStorage and ErrRatingStorage; every other unhappy path is a
// Rejected result.
func (o *Orchestrator) Handle(ctx context.Context, a UserAction) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	log := logging.FromCtx(ctx).With("user_id", a.UserID, "action", string(a.Kind))
	ctx = logging.WithCtx(ctx, log)

	unlock := o.sessions.Exclusive(a.UserID)
	defer unlock()
	o.sessions.Touch(a.UserID)

	var (
		res Result
		err error
	)
	switch a.Kind {
	case ShowMenu:
		res = Result{Outcome: OutcomeMenu, Menu: o.catalog.Categories()}
	case AddToCart:
		res = o.addToCart(a)
	case ViewCart:
		res = o.cartResult(a.UserID)
	case ClearCart:
		o.sessions.ClearCart(a.UserID)
		o.sessions.SetAwaitingAddress(a.UserID, false)
		res = o.cartResult(a.UserID)
	case StartCheckout:
		res = o.startCheckout(a)
	case SubmitAddress:
		res = o.submitAddress(a)
	case SelectSlot:
		res, err = o.selectSlot(ctx, a)
	case RequestRating:
		res, err = o.requestRating(ctx, a)
	case SubmitRating:
		res, err = o.submitRating(ctx, a)
	}

	outcome := string(res.Outcome)
	if res.Reason != "" {
		outcome += ":" + string(res.Reason)
	}
	if err != nil {
		outcome = "error"
		log.Error("action failed", "err", err)
	}
	metrics.Actions.WithLabelValues(string(a.Kind), outcome).Inc()
	return res, err
}

func (o *Orchestrator) cartResult(userID int64) Result {
	c := o.sessions.ViewCart(userID)
	return Result{Outcome: OutcomeCart, Cart: &c}
}

func (o *Orchestrator) addToCart(a UserAction) Result {
	err := o.sessions.AddToCart(a.UserID, a.ProductID, a.Qty)
	switch {
	case errors.Is(err, session.ErrInvalidQuantity):
		return rejected(ReasonInvalidQuantity, err.Error())
	case errors.Is(err, session.ErrUnknownProduct):
		return rejected(ReasonUnknownProduct, err.Error())
	}
	return o.cartResult(a.UserID)
}

// guards runs the entry checks shared by checkout and slot selection.
func (o *Orchestrator) guards(userID int64, now time.Time) (Result, bool) {
	if _, _, open := o.ServiceDay(now); !open {
		return rejected(ReasonClosed, "we are closed right now"), false
	}
	if ok, wait := o.sessions.CheckCooldown(userID, now, o.cfg.Cooldown); !ok {
		r := rejected(ReasonCooldown, fmt.Sprintf("please wait %d minutes before ordering again", ceilMinutes(wait)))
		r.Wait = wait
		r.WaitMinutes = ceilMinutes(wait)
		return r, false
	}
	return Result{}, true
}

func ceilMinutes(d time.Duration) int {
	m := int(d / time.Minute)
	if d%time.Minute > 0 {
		m++
	}
	return m
}

func (o *Orchestrator) startCheckout(a UserAction) Result {
	now := o.clock.Now()
	if r, ok := o.guards(a.UserID, now); !ok {
		return r
	}
	c := o.sessions.ViewCart(a.UserID)
	if c.Empty() {
		return rejected(ReasonEmptyCart, "your cart is empty")
	}
	o.sessions.SetAwaitingAddress(a.UserID, true)
	return Result{Outcome: OutcomeAwaitingAddress, Cart: &c, Message: "send your delivery address"}
}

func (o *Orchestrator) slotList(now time.Time) (clock.Day, []slots.Availability) {
	day, after, _ := o.ServiceDay(now)
	return day, o.inv.ListAvailable(day, after)
}

func (o *Orchestrator) submitAddress(a UserAction) Result {
	if !o.sessions.AwaitingAddress(a.UserID) {
		return rejected(ReasonNotAwaitingAddress, "start checkout before sending an address")
	}
	if err := o.sessions.SetAddress(a.UserID, a.Address); err != nil {
		return rejected(ReasonEmptyAddress, err.Error())
	}
	o.sessions.SetAwaitingAddress(a.UserID, false)
	day, list := o.slotList(o.clock.Now())
	return Result{Outcome: OutcomeSlots, Day: day, Slots: list, Message: "address saved, pick a time"}
}

func (o *Orchestrator) withSlots(r Result, now time.Time) Result {
	r.Day, r.Slots = o.slotList(now)
	return r
}

func scope(userID int64) string { return strconv.FormatInt(userID, 10) }

// replay returns the confirmed order recorded for a duplicate SelectSlot.
func (o *Orchestrator) replay(ctx context.Context, a UserAction) (Result, bool) {
	if a.ID == "" {
		return Result{}, false
	}
	v, ok, err := o.idem.Recall(ctx, scope(a.UserID), a.ID)
	if err != nil {
		logging.FromCtx(ctx).Warn("idempotency recall failed", "err", err)
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Result{}, false
	}
	ord, err := o.ledger.Get(ctx, id)
	if err != nil {
		logging.FromCtx(ctx).Warn("replayed order lookup failed", "order_id", id, "err", err)
		return Result{}, false
	}
	return Result{Outcome: OutcomeConfirmed, Order: &ord, Replayed: true}, true
}

func (o *Orchestrator) selectSlot(ctx context.Context, a UserAction) (Result, error) {
	log := logging.FromCtx(ctx)
	if r, ok := o.replay(ctx, a); ok {
		return r, nil
	}
	now := o.clock.Now()

	key, err := slots.ParseKey(a.Slot)
	if err != nil {
		return o.withSlots(rejected(ReasonUnknownSlot, err.Error()), now), nil
	}
	cart := o.sessions.ViewCart(a.UserID)
	if cart.Empty() {
		return rejected(ReasonEmptyCart, "your cart is empty"), nil
	}
	addr, ok := o.sessions.GetAddress(a.UserID)
	if !ok {
		return rejected(ReasonNoAddress, "send your delivery address first"), nil
	}
	// Second, authoritative guard check; time has passed since checkout.
	if r, ok := o.guards(a.UserID, now); !ok {
		return r, nil
	}
	day, after, _ := o.ServiceDay(now)
	if key.Day != day || (after != "" && key.Time <= after) {
		return o.withSlots(rejected(ReasonUnknownSlot, "that time is not on offer"), now), nil
	}

	if a.ID != "" {
		locked, err := o.idem.TryLock(ctx, scope(a.UserID), a.ID)
		if err != nil {
			log.Warn("idempotency lock failed", "err", err)
		} else if !locked {
			return rejected(ReasonInProgress, "this order is already being placed"), nil
		}
	}
	committed := false
	defer func() {
		if a.ID != "" && !committed {
			_ = o.idem.Unlock(context.WithoutCancel(ctx), scope(a.UserID), a.ID)
		}
	}()

	hold, ok := o.inv.Hold(key)
	if !ok {
		metrics.Bookings.WithLabelValues("rejected").Inc()
		log.Info("slot just filled", "slot", key.String())
		return o.withSlots(rejected(ReasonSlotFull, "that time just filled up, pick another"), now), nil
	}

	ord := ledger.Order{
		UserID:    a.UserID,
		Username:  a.Username,
		Total:     cart.Total,
		Address:   addr,
		Slot:      key,
		CreatedAt: now,
	}
	for _, l := range cart.Lines {
		ord.Items = append(ord.Items, ledger.LineItem{ProductID: l.ProductID, Name: l.Name, Qty: l.Qty, UnitPrice: l.UnitPrice})
	}

	id, err := o.ledger.Create(ctx, ord)
	if err != nil {
		hold.Release()
		metrics.Bookings.WithLabelValues("failed").Inc()
		log.Error("order create failed, slot released", "slot", key.String(), "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	hold.Commit()
	committed = true
	ord.ID = id
	ord.Status = ledger.StatusPending
	ord.UpdatedAt = now
	log = log.With("order_id", id)

	if err := o.ledger.TouchLastOrder(ctx, a.UserID, a.Username, now); err != nil {
		log.Warn("durable cooldown update failed", "err", err)
	}
	o.sessions.RecordOrderPlaced(a.UserID, now)
	o.sessions.ClearCart(a.UserID)
	o.sessions.ClearAddress(a.UserID)

	if a.ID != "" {
		if err := o.idem.Remember(ctx, scope(a.UserID), a.ID, strconv.FormatInt(id, 10)); err != nil {
			log.Warn("idempotency remember failed", "err", err)
		}
	}
	metrics.Bookings.WithLabelValues("confirmed").Inc()
	log.Info("order confirmed", "slot", key.String(), "total", ord.Total.StringFixed(2))

	o.publish(ctx, notify.FromOrder(notify.OrderConfirmed, ord, now))
	if o.ratings != nil {
		o.ratings.ScheduleRating(a.UserID, id, now.Add(o.cfg.RatingDelay))
	}
	return Result{Outcome: OutcomeConfirmed, Order: &ord, Message: fmt.Sprintf("order #%d confirmed for %s", id, key)}, nil
}

// publish never fails the caller; the order is already committed.
func (o *Orchestrator) publish(ctx context.Context, e notify.Event) {
	if err := o.pub.Publish(ctx, e); err != nil {
		metrics.NotifyFailures.Inc()
		logging.FromCtx(ctx).Error("notify failed", "type", string(e.Type), "order_id", e.OrderID, "err", err)
	}
}

func (o *Orchestrator) requestRating(ctx context.Context, a UserAction) (Result, error) {
	ord, err := o.ledger.LatestUnrated(ctx, a.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return rejected(ReasonNothingToRate, "no orders waiting for a rating"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRatingStorage, err)
	}
	return Result{Outcome: OutcomeRatingPrompt, Order: &ord}, nil
}

func (o *Orchestrator) submitRating(ctx context.Context, a UserAction) (Result, error) {
	_, err := o.ledger.SaveRating(ctx, ledger.Rating{OrderID: a.OrderID, UserID: a.UserID, Stars: a.Stars})
	switch {
	case err == nil:
		return Result{Outcome: OutcomeRated, Message: fmt.Sprintf("thanks for rating order #%d with %d stars", a.OrderID, a.Stars)}, nil
	case errors.Is(err, ledger.ErrInvalidRating):
		return rejected(ReasonInvalidRating, err.Error()), nil
	case errors.Is(err, ledger.ErrAlreadyRated):
		return rejected(ReasonAlreadyRated, "that order is already rated"), nil
	case errors.Is(err, ledger.ErrNotFound):
		return rejected(ReasonNothingToRate, "order not found"), nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrRatingStorage, err)
}

// AdvanceStatus moves an order along pending -> en-route -> delivered and
// tells the user. A repeat of the current status is a no-op without an event.
func (o *Orchestrator) AdvanceStatus(ctx context.Context, orderID int64, next ledger.Status) (ledger.Order, bool, error) {
	changed, err := o.ledger.UpdateStatus(ctx, orderID, next)
	if err != nil {
		return ledger.Order{}, false, err
	}
	ord, err := o.ledger.Get(ctx, orderID)
	if err != nil {
		return ledger.Order{}, changed, err
	}
	if changed {
		o.log.Info("order status changed", "order_id", orderID, "status", string(next))
		o.publish(ctx, notify.FromOrder(notify.OrderStatusChanged, ord, o.clock.Now()))
	}
	return ord, changed, nil
}

// PromptRating asks the user to rate orderID unless it is already rated.
func (o *Orchestrator) PromptRating(ctx context.Context, userID, orderID int64) error {
	ord, err := o.ledger.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.UserID != userID || ord.Rating != 0 {
		return nil
	}
	o.publish(ctx, notify.FromOrder(notify.OrderRatingRequested, ord, o.clock.Now()))
	return nil
}

// ResetCooldowns clears every user's cooldown, durable and cached.
func (o *Orchestrator) ResetCooldowns(ctx context.Context) (int64, error) {
	n, err := o.ledger.ResetCooldowns(ctx)
	if err != nil {
		return 0, err
	}
	o.sessions.ResetCooldowns()
	o.log.Info("cooldowns reset", "users", n)
	return n, nil
}

// Availability lists the slots currently on offer.
func (o *Orchestrator) Availability() (clock.Day, []slots.Availability) {
	return o.slotList(o.clock.Now())
}
