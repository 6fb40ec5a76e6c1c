package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/logging"
)

// menu is a mutable product table so tests can reprice between calls.
type menu struct {
	mu sync.Mutex
	m  map[string]catalog.Product
}

func newMenu() *menu {
	return &menu{m: map[string]catalog.Product{
		"margarita": {ID: "margarita", Name: "Margarita", Price: decimal.NewFromInt(10)},
		"vinya":     {ID: "vinya", Name: "La Vina cheesecake", Price: decimal.RequireFromString("6.50")},
	}}
}

func (m *menu) Product(id string) (catalog.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.m[id]
	return p, ok
}

func (m *menu) reprice(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.m[id]
	p.Price = decimal.NewFromInt(price)
	m.m[id] = p
}

var t0 = time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)

func newStore(opts ...Option) (*Store, *menu, *clock.Manual) {
	m := newMenu()
	c := clock.NewManual(t0)
	opts = append([]Option{WithClock(c)}, opts...)
	return NewStore(m, opts...), m, c
}

func TestAddToCartTotals(t *testing.T) {
	st, _, _ := newStore()
	require.NoError(t, st.AddToCart(1, "margarita", 2))
	require.NoError(t, st.AddToCart(1, "vinya", 1))

	c := st.ViewCart(1)
	assert.Equal(t, 3, c.Units)
	require.Len(t, c.Lines, 2)
	assert.Equal(t, 2, c.Lines[0].Qty)
	assert.True(t, c.Lines[0].Subtotal.Equal(decimal.NewFromInt(20)))
	assert.True(t, c.Total.Equal(decimal.RequireFromString("26.50")), c.Total.String())
}

func TestCartPriceSnapshot(t *testing.T) {
	st, m, _ := newStore()
	require.NoError(t, st.AddToCart(1, "margarita", 2))
	assert.True(t, st.ViewCart(1).Total.Equal(decimal.NewFromInt(20)))

	m.reprice("margarita", 12)
	c := st.ViewCart(1)
	assert.True(t, c.Total.Equal(decimal.NewFromInt(20)), "existing lines keep their price")

	require.NoError(t, st.AddToCart(1, "margarita", 1))
	c = st.ViewCart(1)
	assert.True(t, c.Total.Equal(decimal.NewFromInt(32)))
	require.Len(t, c.Lines, 2, "different snapshot prices are separate lines")
}

func TestAddToCartValidation(t *testing.T) {
	st, _, _ := newStore(WithMaxQuantity(5))
	cases := []struct {
		name    string
		product string
		qty     int
		want    error
	}{
		{"zero", "margarita", 0, ErrInvalidQuantity},
		{"negative", "margarita", -1, ErrInvalidQuantity},
		{"over max", "margarita", 6, ErrInvalidQuantity},
		{"unknown product", "calzone", 1, ErrUnknownProduct},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := st.AddToCart(7, tc.product, tc.qty)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
	assert.True(t, st.ViewCart(7).Empty(), "rejected adds leave no trace")
	require.NoError(t, st.AddToCart(7, "margarita", 5))
}

func TestViewCartDoesNotCreate(t *testing.T) {
	st, _, _ := newStore()
	c := st.ViewCart(42)
	assert.True(t, c.Empty())
	assert.True(t, c.Total.IsZero())
	assert.Equal(t, 0, st.Len())
}

func TestClearCartIdempotent(t *testing.T) {
	st, _, _ := newStore()
	st.ClearCart(1)
	require.NoError(t, st.AddToCart(1, "margarita", 1))
	st.ClearCart(1)
	st.ClearCart(1)
	assert.True(t, st.ViewCart(1).Empty())
}

func TestAddress(t *testing.T) {
	st, _, _ := newStore()
	assert.ErrorIs(t, st.SetAddress(1, "   "), ErrEmptyAddress)
	_, ok := st.GetAddress(1)
	assert.False(t, ok)

	require.NoError(t, st.SetAddress(1, " Main St 1 "))
	addr, ok := st.GetAddress(1)
	require.True(t, ok)
	assert.Equal(t, "Main St 1", addr)

	st.ClearAddress(1)
	_, ok = st.GetAddress(1)
	assert.False(t, ok)
}

func TestAwaitingAddressFlag(t *testing.T) {
	st, _, _ := newStore()
	assert.False(t, st.AwaitingAddress(1))
	st.SetAwaitingAddress(1, true)
	assert.True(t, st.AwaitingAddress(1))
	st.SetAwaitingAddress(1, false)
	assert.False(t, st.AwaitingAddress(1))
}

func TestCheckCooldown(t *testing.T) {
	const window = 30 * time.Minute
	now := t0

	cases := []struct {
		name    string
		ago     time.Duration
		allowed bool
		wait    time.Duration
	}{
		{"29 minutes ago", 29 * time.Minute, false, time.Minute},
		{"exactly the window", 30 * time.Minute, true, 0},
		{"31 minutes ago", 31 * time.Minute, true, 0},
		{"just now", 0, false, window},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, _, _ := newStore()
			uid := int64(100 + i)
			st.RecordOrderPlaced(uid, now.Add(-tc.ago))
			ok, wait := st.CheckCooldown(uid, now, window)
			assert.Equal(t, tc.allowed, ok)
			assert.Equal(t, tc.wait, wait)
		})
	}

	st, _, _ := newStore()
	ok, wait := st.CheckCooldown(9, now, window)
	assert.True(t, ok, "no prior order")
	assert.Zero(t, wait)
}

func TestLoaderHydratesLastOrder(t *testing.T) {
	calls := 0
	loader := func(userID int64) (time.Time, bool, error) {
		calls++
		if userID == 5 {
			return t0.Add(-10 * time.Minute), true, nil
		}
		return time.Time{}, false, nil
	}
	st, _, _ := newStore(WithLoader(loader))

	ok, wait := st.CheckCooldown(5, t0, 30*time.Minute)
	assert.False(t, ok)
	assert.Equal(t, 20*time.Minute, wait)

	ok, _ = st.CheckCooldown(6, t0, 30*time.Minute)
	assert.True(t, ok)

	st.CheckCooldown(5, t0, 30*time.Minute)
	assert.Equal(t, 2, calls, "loader runs once per session")
}

func TestLoaderRetriesAfterFailure(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantOK   []bool
	}{
		{name: "recovers on second lookup", failures: 1, wantOK: []bool{true, false, false}},
		{name: "recovers on third lookup", failures: 2, wantOK: []bool{true, true, false}},
		{name: "never fails", failures: 0, wantOK: []bool{false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			loader := func(userID int64) (time.Time, bool, error) {
				calls++
				if calls <= tt.failures {
					return time.Time{}, false, errors.New("ledger timeout")
				}
				return t0.Add(-5 * time.Minute), true, nil
			}
			st, _, _ := newStore(WithLoader(loader), WithLogger(logging.Discard()))

			for i, want := range tt.wantOK {
				ok, _ := st.CheckCooldown(9, t0, 30*time.Minute)
				assert.Equal(t, want, ok, "lookup %d", i+1)
			}
			assert.Equal(t, tt.failures+1, calls, "loader stops once it answers")
		})
	}
}

func TestResetCooldowns(t *testing.T) {
	st, _, _ := newStore()
	st.RecordOrderPlaced(1, t0)
	st.ResetCooldowns()
	ok, _ := st.CheckCooldown(1, t0, 30*time.Minute)
	assert.True(t, ok)
}

func TestSweepEvictsIdle(t *testing.T) {
	st, _, c := newStore()
	require.NoError(t, st.AddToCart(1, "margarita", 1))
	c.Advance(time.Hour)
	require.NoError(t, st.AddToCart(2, "margarita", 1))

	n := st.Sweep(c.Now(), 30*time.Minute)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, st.Len())
	assert.True(t, st.ViewCart(1).Empty())
	assert.False(t, st.ViewCart(2).Empty())
}

func TestSweepSkipsExclusiveFlow(t *testing.T) {
	st, _, c := newStore()
	require.NoError(t, st.AddToCart(1, "margarita", 1))
	unlock := st.Exclusive(1)
	c.Advance(time.Hour)

	assert.Equal(t, 0, st.Sweep(c.Now(), time.Minute))
	unlock()
	assert.Equal(t, 1, st.Sweep(c.Now(), time.Minute))
}

func TestExclusiveSerializesUser(t *testing.T) {
	st, _, _ := newStore()
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := st.Exclusive(1)
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestConcurrentUsersIndependent(t *testing.T) {
	st, _, _ := newStore()
	var wg sync.WaitGroup
	for u := int64(1); u <= 50; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = st.AddToCart(u, "margarita", 1)
			}
		}(u)
	}
	wg.Wait()
	for u := int64(1); u <= 50; u++ {
		assert.Equal(t, 10, st.ViewCart(u).Units)
	}
}
