package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/knocktwice/internal/clock"
)

type userRow struct {
	username    string
	lastOrderAt time.Time
}

// Memory is an in-process Store used when no database is configured and in
// tests. It loses everything on restart.
type Memory struct {
	mu      sync.RWMutex
	orders  []Order
	ratings []Rating
	users   map[int64]userRow
	clock   clock.Clock
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System{}
	}
	return &Memory{users: map[int64]userRow{}, clock: c}
}

func (m *Memory) Create(ctx context.Context, o Order) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = int64(len(m.orders) + 1)
	o.Status = StatusPending
	o.Rating = 0
	o.Items = append([]LineItem(nil), o.Items...)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.clock.Now()
	}
	o.UpdatedAt = o.CreatedAt
	m.orders = append(m.orders, o)
	return o.ID, nil
}

func (m *Memory) get(id int64) (*Order, error) {
	if id < 1 || id > int64(len(m.orders)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return &m.orders[id-1], nil
}

func copyOrder(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}

func (m *Memory) Get(ctx context.Context, id int64) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, err := m.get(id)
	if err != nil {
		return Order{}, err
	}
	return copyOrder(*o), nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id int64, next Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(id)
	if err != nil {
		return false, err
	}
	noop, err := Transition(o.Status, next)
	if err != nil {
		return false, fmt.Errorf("order %d: %w", id, err)
	}
	if noop {
		return false, nil
	}
	o.Status = next
	o.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *Memory) ListRecentByUser(ctx context.Context, userID int64, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for i := len(m.orders) - 1; i >= 0 && len(out) < limit; i-- {
		if m.orders[i].UserID == userID {
			out = append(out, copyOrder(m.orders[i]))
		}
	}
	return out, nil
}

func (m *Memory) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for i := len(m.orders) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyOrder(m.orders[i]))
	}
	return out, nil
}

func (m *Memory) LatestUnrated(ctx context.Context, userID int64) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.orders) - 1; i >= 0; i-- {
		if o := m.orders[i]; o.UserID == userID && o.Rating == 0 {
			return copyOrder(o), nil
		}
	}
	return Order{}, ErrNotFound
}

func (m *Memory) SaveRating(ctx context.Context, r Rating) (Rating, error) {
	if err := r.Validate(); err != nil {
		return Rating{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(r.OrderID)
	if err != nil || o.UserID != r.UserID {
		return Rating{}, fmt.Errorf("%w: %d", ErrNotFound, r.OrderID)
	}
	if o.Rating != 0 {
		return Rating{}, fmt.Errorf("order %d: %w", r.OrderID, ErrAlreadyRated)
	}
	r.ID = int64(len(m.ratings) + 1)
	r.CreatedAt = m.clock.Now()
	m.ratings = append(m.ratings, r)
	o.Rating = r.Stars
	return r, nil
}

func (m *Memory) BookedForDay(ctx context.Context, day clock.Day, since time.Time) (map[clock.TimeOfDay]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[clock.TimeOfDay]int{}
	for _, o := range m.orders {
		if o.Slot.Day == day && !o.CreatedAt.Before(since) {
			out[o.Slot.Time]++
		}
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, since, now time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{RevenueSince: decimal.Zero, RevenueTotal: decimal.Zero}
	rated, starSum := 0, 0
	for _, o := range m.orders {
		s.OrdersTotal++
		s.RevenueTotal = s.RevenueTotal.Add(o.Total)
		if !o.CreatedAt.Before(since) {
			s.OrdersSince++
			s.RevenueSince = s.RevenueSince.Add(o.Total)
		}
		if o.Rating > 0 {
			rated++
			starSum += o.Rating
		}
	}
	if rated > 0 {
		s.AvgRating = float64(starSum) / float64(rated)
	}
	active := map[int64]bool{}
	for _, o := range m.orders {
		if !o.CreatedAt.Before(now.Add(-activeWindow)) {
			active[o.UserID] = true
		}
	}
	s.ActiveUsers = len(active)
	return s, nil
}

func (m *Memory) TouchLastOrder(ctx context.Context, userID int64, username string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = userRow{username: username, lastOrderAt: at}
	return nil
}

func (m *Memory) LastOrderAt(ctx context.Context, userID int64) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok || u.lastOrderAt.IsZero() {
		return time.Time{}, false, nil
	}
	return u.lastOrderAt, true, nil
}

func (m *Memory) ResetCooldowns(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.users {
		if u.lastOrderAt.IsZero() {
			continue
		}
		u.lastOrderAt = time.Time{}
		m.users[id] = u
		n++
	}
	return n, nil
}

var _ Store = (*Memory)(nil)
