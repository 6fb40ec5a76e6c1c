package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/metrics"
)

const DefaultMaxQuantity = 5

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrUnknownProduct  = catalog.ErrUnknownProduct
	ErrEmptyAddress    = errors.New("address required")
)

// Products resolves a product's current catalog entry.
type Products interface {
	Product(id string) (catalog.Product, bool)
}

// Loader supplies a user's durable last-order time when a session is created.
// After an error the next lookup of the session asks again.
type Loader func(userID int64) (time.Time, bool, error)

// Line is one cart unit with the price captured when it was added.
type Line struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
}

// ViewLine groups identical lines for display and order denormalization.
type ViewLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Cart struct {
	Lines []ViewLine      `json:"lines"`
	Units int             `json:"units"`
	Total decimal.Decimal `json:"total"`
}

func (c Cart) Empty() bool { return c.Units == 0 }

type session struct {
	flow sync.Mutex // held across a multi-step booking flow
	mu   sync.Mutex // guards the fields below

	cart            []Line
	address         string
	awaitingAddress bool
	lastOrderAt     time.Time
	loaded          bool
	lastSeen        time.Time
	evicted         bool
}

// Store keeps one session per user. The map lock is only held to find or
// create an entry; all per-user work happens under that user's own locks.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*session

	products Products
	clock    clock.Clock
	maxQty   int
	loader   Loader
	log      *slog.Logger
}

type Option func(*Store)

func WithMaxQuantity(n int) Option { return func(s *Store) { s.maxQty = n } }

func WithLoader(l Loader) Option { return func(s *Store) { s.loader = l } }

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func NewStore(products Products, opts ...Option) *Store {
	s := &Store{
		sessions: map[int64]*session{},
		products: products,
		clock:    clock.System{},
		maxQty:   DefaultMaxQuantity,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logging.New("session")
	}
	return s
}

// lookup returns the locked session for userID. With create false it returns
// nil for unknown users. The caller must unlock s.mu.
func (st *Store) lookup(userID int64, create bool) *session {
	for {
		st.mu.Lock()
		s, ok := st.sessions[userID]
		if !ok {
			if !create {
				st.mu.Unlock()
				return nil
			}
			s = &session{lastSeen: st.clock.Now()}
			st.sessions[userID] = s
			metrics.Sessions.Set(float64(len(st.sessions)))
		}
		st.mu.Unlock()

		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		if !s.loaded {
			s.loaded = st.hydrate(userID, s)
		}
		return s
	}
}

// hydrate merges the durable last-order time into s and reports whether the
// loader answered. Callers hold s.mu.
func (st *Store) hydrate(userID int64, s *session) bool {
	if st.loader == nil {
		return true
	}
	at, ok, err := st.loader(userID)
	if err != nil {
		st.log.Warn("last order lookup failed", "user_id", userID, "err", err)
		return false
	}
	if ok && at.After(s.lastOrderAt) {
		s.lastOrderAt = at
	}
	return true
}

// Exclusive serializes a multi-step flow for userID and keeps the session
// from being evicted until the returned func is called.
func (st *Store) Exclusive(userID int64) (unlock func()) {
	for {
		st.mu.Lock()
		s, ok := st.sessions[userID]
		if !ok {
			s = &session{lastSeen: st.clock.Now()}
			st.sessions[userID] = s
			metrics.Sessions.Set(float64(len(st.sessions)))
		}
		st.mu.Unlock()

		s.flow.Lock()
		s.mu.Lock()
		gone := s.evicted
		s.mu.Unlock()
		if gone {
			s.flow.Unlock()
			continue
		}
		return s.flow.Unlock
	}
}

// Touch creates the session if needed and marks activity.
func (st *Store) Touch(userID int64) {
	s := st.lookup(userID, true)
	s.lastSeen = st.clock.Now()
	s.mu.Unlock()
}

// AddToCart appends qty lines of productID at its current price.
func (st *Store) AddToCart(userID int64, productID string, qty int) error {
	if qty < 1 || qty > st.maxQty {
		return fmt.Errorf("%w: %d, must be in range [1, %d]", ErrInvalidQuantity, qty, st.maxQty)
	}
	p, ok := st.products.Product(productID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	s := st.lookup(userID, true)
	defer s.mu.Unlock()
	for i := 0; i < qty; i++ {
		s.cart = append(s.cart, Line{ProductID: p.ID, Name: p.Name, UnitPrice: p.Price})
	}
	s.lastSeen = st.clock.Now()
	return nil
}

// ViewCart never creates or mutates a session.
func (st *Store) ViewCart(userID int64) Cart {
	s := st.lookup(userID, false)
	if s == nil {
		return Cart{Total: decimal.Zero}
	}
	defer s.mu.Unlock()
	return summarize(s.cart)
}

func summarize(lines []Line) Cart {
	type groupKey struct {
		id    string
		price string
	}
	c := Cart{Total: decimal.Zero}
	idx := map[groupKey]int{}
	for _, l := range lines {
		k := groupKey{l.ProductID, l.UnitPrice.String()}
		i, ok := idx[k]
		if !ok {
			i = len(c.Lines)
			idx[k] = i
			c.Lines = append(c.Lines, ViewLine{ProductID: l.ProductID, Name: l.Name, UnitPrice: l.UnitPrice, Subtotal: decimal.Zero})
		}
		c.Lines[i].Qty++
		c.Lines[i].Subtotal = c.Lines[i].Subtotal.Add(l.UnitPrice)
		c.Units++
		c.Total = c.Total.Add(l.UnitPrice)
	}
	return c
}

func (st *Store) ClearCart(userID int64) {
	s := st.lookup(userID, false)
	if s == nil {
		return
	}
	s.cart = nil
	s.mu.Unlock()
}

func (st *Store) SetAddress(userID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyAddress
	}
	s := st.lookup(userID, true)
	s.address = text
	s.lastSeen = st.clock.Now()
	s.mu.Unlock()
	return nil
}

func (st *Store) GetAddress(userID int64) (string, bool) {
	s := st.lookup(userID, false)
	if s == nil {
		return "", false
	}
	defer s.mu.Unlock()
	return s.address, s.address != ""
}

func (st *Store) ClearAddress(userID int64) {
	s := st.lookup(userID, false)
	if s == nil {
		return
	}
	s.address = ""
	s.mu.Unlock()
}

func (st *Store) SetAwaitingAddress(userID int64, v bool) {
	s := st.lookup(userID, true)
	s.awaitingAddress = v
	s.mu.Unlock()
}

func (st *Store) AwaitingAddress(userID int64) bool {
	s := st.lookup(userID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	return s.awaitingAddress
}

// CheckCooldown allows an order iff the user has none on record or at least
// window has elapsed since the last one.
func (st *Store) CheckCooldown(userID int64, now time.Time, window time.Duration) (bool, time.Duration) {
	s := st.lookup(userID, true)
	last := s.lastOrderAt
	s.mu.Unlock()
	if last.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= window {
		return true, 0
	}
	return false, window - elapsed
}

// RecordOrderPlaced must only be called after a booking fully commits.
func (st *Store) RecordOrderPlaced(userID int64, now time.Time) {
	s := st.lookup(userID, true)
	s.lastOrderAt = now
	s.lastSeen = now
	s.mu.Unlock()
}

// ResetCooldowns forgets every cached last-order time.
func (st *Store) ResetCooldowns() {
	st.mu.Lock()
	all := make([]*session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		s.lastOrderAt = time.Time{}
		s.mu.Unlock()
	}
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep evicts sessions idle for at least ttl. Sessions inside an Exclusive
// flow are skipped.
func (st *Store) Sweep(now time.Time, ttl time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, s := range st.sessions {
		if !s.flow.TryLock() {
			continue
		}
		if !s.mu.TryLock() {
			s.flow.Unlock()
			continue
		}
		if now.Sub(s.lastSeen) >= ttl {
			s.evicted = true
			delete(st.sessions, id)
			n++
		}
		s.mu.Unlock()
		s.flow.Unlock()
	}
	if n > 0 {
		metrics.SessionsEvicted.Add(float64(n))
		metrics.Sessions.Set(float64(len(st.sessions)))
		st.log.Info("sessions evicted", "count", n, "live", len(st.sessions))
	}
	return n
}
