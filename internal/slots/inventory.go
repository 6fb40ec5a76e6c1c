package slots

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/metrics"
)

// Availability is one row of ListAvailable. Full slots stay in the list so
// the transport can render them as FULL.
type Availability struct {
	Key       Key  `json:"slot"`
	Remaining int  `json:"remaining"`
	Capacity  int  `json:"capacity"`
	Full      bool `json:"full"`
}

func (a Availability) IsFull() bool { return a.Remaining <= 0 }

// counter is one tick's capacity for a single calendar date. date is the
// day the counts belong to; the first touch on a later date starts over.
type counter struct {
	mu        sync.Mutex
	date      string
	remaining int
	inflight  int
	capacity  int
}

// sync moves c onto date, dropping the previous date's counts. Callers hold
// c.mu.
func (c *counter) sync(date string) {
	if c.date == date {
		return
	}
	c.date = date
	c.remaining = c.capacity
	c.inflight = 0
}

// Inventory holds remaining capacity for every tick in the schedule. The key
// set is fixed at construction, so lookups need no lock; each counter has its
// own mutex and reservations on different slots never contend. Counts are
// kept per calendar date and reset lazily the first time a slot is touched
// on a new date.
type Inventory struct {
	schedule Schedule
	capacity int
	slots    map[Key]*counter
	clock    clock.Clock
	log      *slog.Logger
}

type Option func(*Inventory)

// WithClock sets the clock whose local date scopes the counters.
func WithClock(c clock.Clock) Option { return func(inv *Inventory) { inv.clock = c } }

func NewInventory(schedule Schedule, capacity int, log *slog.Logger, opts ...Option) (*Inventory, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("slots: capacity must be >= 1 (got %d)", capacity)
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New("slots")
	}
	inv := &Inventory{
		schedule: schedule,
		capacity: capacity,
		slots:    map[Key]*counter{},
		clock:    clock.System{},
		log:      log,
	}
	for _, o := range opts {
		o(inv)
	}
	for day := range schedule {
		for _, t := range schedule.Ticks(day) {
			inv.slots[Key{Day: day, Time: t}] = &counter{remaining: capacity, capacity: capacity}
		}
	}
	return inv, nil
}

func (inv *Inventory) Schedule() Schedule { return inv.schedule }

func (inv *Inventory) Capacity() int { return inv.capacity }

func (inv *Inventory) today() string { return inv.clock.Now().Format(time.DateOnly) }

// Hold is one unit taken from a slot while the order behind it is written.
// Exactly one of Commit or Release settles it.
type Hold struct {
	inv     *Inventory
	key     Key
	date    string
	settled bool
}

func (h *Hold) Key() Key { return h.key }

// Commit marks the unit as booked once the order is on the ledger.
func (h *Hold) Commit() { h.settle(false) }

// Release gives the unit back after a failed write.
func (h *Hold) Release() { h.settle(true) }

func (h *Hold) settle(giveBack bool) {
	if h.settled {
		return
	}
	h.settled = true
	c := h.inv.slots[h.key]
	c.mu.Lock()
	// A hold from an earlier date has nothing left to settle.
	stale := c.date != h.date
	if !stale {
		c.inflight--
		if giveBack && c.remaining < c.capacity {
			c.remaining++
		}
	}
	left := c.remaining
	c.mu.Unlock()

	if giveBack {
		metrics.SlotReservations.WithLabelValues("released").Inc()
		h.inv.log.Info("slot released", "slot", h.key.String(), "remaining", left, "stale", stale)
	}
}

// Hold takes one unit of capacity from key and keeps it in flight until the
// hold is settled. It never blocks on other slots and returns false without
// side effects when the slot is exhausted or unknown.
func (inv *Inventory) Hold(key Key) (*Hold, bool) {
	c, ok := inv.slots[key]
	if !ok {
		metrics.SlotReservations.WithLabelValues("unknown").Inc()
		return nil, false
	}
	date := inv.today()
	c.mu.Lock()
	c.sync(date)
	if c.remaining <= 0 {
		c.mu.Unlock()
		metrics.SlotReservations.WithLabelValues("full").Inc()
		return nil, false
	}
	c.remaining--
	c.inflight++
	left := c.remaining
	c.mu.Unlock()

	metrics.SlotReservations.WithLabelValues("reserved").Inc()
	inv.log.Debug("slot reserved", "slot", key.String(), "remaining", left)
	return &Hold{inv: inv, key: key, date: date}, true
}

// TryReserve takes one unit of capacity from key and books it outright.
func (inv *Inventory) TryReserve(key Key) bool {
	h, ok := inv.Hold(key)
	if ok {
		h.Commit()
	}
	return ok
}

// Release returns one unit booked today to key, capped at the configured
// capacity.
func (inv *Inventory) Release(key Key) {
	c, ok := inv.slots[key]
	if !ok {
		return
	}
	date := inv.today()
	c.mu.Lock()
	c.sync(date)
	if c.remaining < c.capacity {
		c.remaining++
	}
	left := c.remaining
	c.mu.Unlock()

	metrics.SlotReservations.WithLabelValues("released").Inc()
	inv.log.Info("slot released", "slot", key.String(), "remaining", left)
}

// Remaining reports the current count for key.
func (inv *Inventory) Remaining(key Key) (int, bool) {
	c, ok := inv.slots[key]
	if !ok {
		return 0, false
	}
	date := inv.today()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync(date)
	return c.remaining, true
}

// ListAvailable returns the ticks of day strictly after now, ascending. Pass
// an empty now to list the whole day.
func (inv *Inventory) ListAvailable(day clock.Day, now clock.TimeOfDay) []Availability {
	var out []Availability
	for _, t := range inv.schedule.Ticks(day) {
		if t <= now {
			continue
		}
		key := Key{Day: day, Time: t}
		left, _ := inv.Remaining(key)
		out = append(out, Availability{
			Key:       key,
			Remaining: left,
			Capacity:  inv.capacity,
			Full:      left <= 0,
		})
	}
	return out
}

// Rollover re-seeds every tick of day for today from booked, the units the
// ledger already holds per tick. count runs with all of day's counters
// locked, so no reservation can start or commit between the ledger read and
// the write; units still in flight are subtracted on top. A hold whose write
// landed but has not committed yet is counted twice, which can only leave a
// slot short, never overbooked. Booked counts above capacity clamp the slot
// to zero.
func (inv *Inventory) Rollover(day clock.Day, count func() (map[clock.TimeOfDay]int, error)) error {
	ticks := inv.schedule.Ticks(day)
	counters := make([]*counter, 0, len(ticks))
	for _, t := range ticks {
		counters = append(counters, inv.slots[Key{Day: day, Time: t}])
	}
	date := inv.today()
	for _, c := range counters {
		c.mu.Lock()
	}
	defer func() {
		for _, c := range counters {
			c.mu.Unlock()
		}
	}()

	booked, err := count()
	if err != nil {
		return err
	}
	inflight := 0
	for i, c := range counters {
		c.sync(date)
		left := c.capacity - booked[ticks[i]] - c.inflight
		if left < 0 {
			left = 0
		}
		c.remaining = left
		inflight += c.inflight
	}
	inv.log.Info("inventory rolled over", "day", string(day), "date", date, "booked_ticks", len(booked), "in_flight", inflight)
	return nil
}
