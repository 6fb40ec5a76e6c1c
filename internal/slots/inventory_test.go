package slots

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/knocktwice/internal/clock"
)

func newInventory(t *testing.T, capacity int) *Inventory {
	t.Helper()
	inv, err := NewInventory(DefaultSchedule(), capacity, nil)
	require.NoError(t, err)
	return inv
}

func TestTryReserveLastUnitRace(t *testing.T) {
	inv := newInventory(t, 1)
	key := Key{Day: clock.Friday, Time: "20:30"}

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if inv.TryReserve(key) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	left, ok := inv.Remaining(key)
	require.True(t, ok)
	assert.Equal(t, 0, left)
}

func TestTryReserveNeverOverbooks(t *testing.T) {
	const capacity = 4
	inv := newInventory(t, capacity)
	key := Key{Day: clock.Saturday, Time: "14:00"}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if inv.TryReserve(key) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, capacity, wins)
	left, _ := inv.Remaining(key)
	assert.Equal(t, 0, left)
	assert.False(t, inv.TryReserve(key))
}

func TestReleaseRestoresAndCaps(t *testing.T) {
	inv := newInventory(t, 2)
	key := Key{Day: clock.Friday, Time: "21:00"}

	require.True(t, inv.TryReserve(key))
	inv.Release(key)
	left, _ := inv.Remaining(key)
	assert.Equal(t, 2, left, "reserve+release is a no-op")

	inv.Release(key)
	left, _ = inv.Remaining(key)
	assert.Equal(t, 2, left, "release never exceeds capacity")
}

func TestUnknownSlot(t *testing.T) {
	inv := newInventory(t, 2)
	key := Key{Day: clock.Monday, Time: "20:30"}
	assert.False(t, inv.TryReserve(key))
	inv.Release(key)
	_, ok := inv.Remaining(key)
	assert.False(t, ok)
}

func TestListAvailable(t *testing.T) {
	inv := newInventory(t, 1)
	require.True(t, inv.TryReserve(Key{Day: clock.Friday, Time: "21:15"}))

	got := inv.ListAvailable(clock.Friday, "21:00")
	require.Len(t, got, 5)
	assert.Equal(t, clock.TimeOfDay("21:15"), got[0].Key.Time, "strictly after now")
	assert.True(t, got[0].Full, "full slots are listed, not dropped")
	assert.True(t, got[0].IsFull())
	assert.False(t, got[1].Full)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Key.Time, got[i].Key.Time)
	}

	assert.Len(t, inv.ListAvailable(clock.Friday, ""), 7)
	assert.Empty(t, inv.ListAvailable(clock.Friday, "23:00"))
	assert.Empty(t, inv.ListAvailable(clock.Tuesday, ""))
}

func booked(m map[clock.TimeOfDay]int) func() (map[clock.TimeOfDay]int, error) {
	return func() (map[clock.TimeOfDay]int, error) { return m, nil }
}

func TestRollover(t *testing.T) {
	inv := newInventory(t, 4)
	key := Key{Day: clock.Sunday, Time: "13:30"}
	require.True(t, inv.TryReserve(key))

	require.NoError(t, inv.Rollover(clock.Sunday, booked(map[clock.TimeOfDay]int{"13:45": 3, "14:00": 9})))

	left, _ := inv.Remaining(key)
	assert.Equal(t, 4, left)
	left, _ = inv.Remaining(Key{Day: clock.Sunday, Time: "13:45"})
	assert.Equal(t, 1, left)
	left, _ = inv.Remaining(Key{Day: clock.Sunday, Time: "14:00"})
	assert.Equal(t, 0, left)
}

func TestRolloverSubtractsHolds(t *testing.T) {
	tests := []struct {
		name   string
		booked int
		holds  int
		want   int
	}{
		{name: "no holds", booked: 1, holds: 0, want: 2},
		{name: "holds and bookings", booked: 1, holds: 1, want: 1},
		{name: "holds alone", booked: 0, holds: 3, want: 0},
		{name: "clamped", booked: 2, holds: 2, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInventory(t, 3)
			key := Key{Day: clock.Friday, Time: "20:30"}
			for i := 0; i < tt.holds; i++ {
				_, ok := inv.Hold(key)
				require.True(t, ok)
			}
			require.NoError(t, inv.Rollover(clock.Friday, booked(map[clock.TimeOfDay]int{"20:30": tt.booked})))
			left, _ := inv.Remaining(key)
			assert.Equal(t, tt.want, left)
		})
	}
}

func TestRolloverError(t *testing.T) {
	inv := newInventory(t, 2)
	key := Key{Day: clock.Friday, Time: "20:30"}
	require.True(t, inv.TryReserve(key))
	err := inv.Rollover(clock.Friday, func() (map[clock.TimeOfDay]int, error) {
		return nil, errors.New("db down")
	})
	assert.Error(t, err)
	left, _ := inv.Remaining(key)
	assert.Equal(t, 1, left, "counters untouched")
}

func TestHoldSettlesOnce(t *testing.T) {
	inv := newInventory(t, 1)
	key := Key{Day: clock.Friday, Time: "20:30"}

	h, ok := inv.Hold(key)
	require.True(t, ok)
	assert.Equal(t, key, h.Key())
	h.Release()
	h.Release()
	h.Commit()
	left, _ := inv.Remaining(key)
	assert.Equal(t, 1, left)

	h, ok = inv.Hold(key)
	require.True(t, ok)
	h.Commit()
	h.Release()
	left, _ = inv.Remaining(key)
	assert.Equal(t, 0, left, "release after commit is ignored")
}

func TestCountersResetOnNewDate(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC))
	inv, err := NewInventory(DefaultSchedule(), 1, nil, WithClock(c))
	require.NoError(t, err)
	key := Key{Day: clock.Friday, Time: "22:00"}

	require.True(t, inv.TryReserve(key))
	late, ok := inv.Hold(Key{Day: clock.Friday, Time: "22:15"})
	require.True(t, ok)
	assert.False(t, inv.TryReserve(key))

	// Next Friday: last week's bookings and holds no longer count.
	c.Set(time.Date(2026, 10, 23, 12, 0, 0, 0, time.UTC))
	left, _ := inv.Remaining(key)
	assert.Equal(t, 1, left)
	require.True(t, inv.TryReserve(Key{Day: clock.Friday, Time: "22:15"}))

	// Settling last week's hold leaves this week's count alone.
	late.Release()
	left, _ = inv.Remaining(Key{Day: clock.Friday, Time: "22:15"})
	assert.Equal(t, 0, left)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("friday 20:30")
	require.NoError(t, err)
	assert.Equal(t, Key{Day: clock.Friday, Time: "20:30"}, k)
	assert.Equal(t, "FRIDAY 20:30", k.String())

	_, err = ParseKey("FRIDAY")
	assert.Error(t, err)
}

func TestScheduleOpen(t *testing.T) {
	s := DefaultSchedule()
	assert.True(t, s.Open(clock.Saturday, "16:00"))
	assert.False(t, s.Open(clock.Saturday, "22:30"))
	assert.False(t, s.Open(clock.Wednesday, "00:00"))
}

func TestNewInventoryValidates(t *testing.T) {
	_, err := NewInventory(DefaultSchedule(), 0, nil)
	assert.Error(t, err)

	bad := Schedule{clock.Friday: {{Name: "dinner", Ticks: []string{"8pm"}}}}
	_, err = NewInventory(bad, 4, nil)
	assert.Error(t, err)
}
