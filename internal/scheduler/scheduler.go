package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/session"
	"github.com/example/knocktwice/internal/slots"
)

// Prompter sends a rating prompt for an order.
type Prompter interface {
	PromptRating(ctx context.Context, userID, orderID int64) error
}

// ServiceDays picks the day whose inventory is live at a given time.
type ServiceDays interface {
	ServiceDay(now time.Time) (clock.Day, clock.TimeOfDay, bool)
}

// Scheduler runs the housekeeping loop: it sweeps idle sessions and fires due
// rating prompts. Seed replays the ledger into the slot inventory once at
// startup; the inventory starts every later date fresh on its own.
type Scheduler struct {
	Inventory *slots.Inventory
	Sessions  *session.Store
	Ledger    ledger.Store
	Days      ServiceDays
	Prompter  Prompter
	Clock     clock.Clock
	Log       *slog.Logger

	Interval      time.Duration
	SessionTTL    time.Duration
	SweepInterval time.Duration

	mu        sync.Mutex
	wg        sync.WaitGroup
	lastSweep time.Time
	due       promptQueue
}

type duePrompt struct {
	userID, orderID int64
	at              time.Time
}

type promptQueue []duePrompt

func (q promptQueue) Len() int           { return len(q) }
func (q promptQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q promptQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *promptQueue) Push(x any)        { *q = append(*q, x.(duePrompt)) }
func (q *promptQueue) Pop() any {
	old := *q
	p := old[len(old)-1]
	*q = old[:len(old)-1]
	return p
}

func (s *Scheduler) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log == nil {
		return logging.New("scheduler")
	}
	return s.Log
}

// ScheduleRating queues a prompt for orderID at the given time.
func (s *Scheduler) ScheduleRating(userID, orderID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.due, duePrompt{userID: userID, orderID: orderID, at: at})
}

// Pending reports how many rating prompts are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due.Len()
}

func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	// kick immediately
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of every housekeeping duty.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.sweep(now)
	s.firePrompts(ctx, now)
}

// Seed reseeds today's live day from the orders already on the ledger. Call
// it before serving so a restart never hands out booked capacity again.
func (s *Scheduler) Seed(ctx context.Context) error {
	if s.Inventory == nil || s.Ledger == nil {
		return nil
	}
	now := s.now()
	day := clock.DayOf(now)
	if s.Days != nil {
		day, _, _ = s.Days.ServiceDay(now)
	}
	return s.Inventory.Rollover(day, func() (map[clock.TimeOfDay]int, error) {
		return s.Ledger.BookedForDay(ctx, day, clock.StartOfDay(now))
	})
}

func (s *Scheduler) sweep(now time.Time) {
	if s.Sessions == nil || s.SessionTTL <= 0 {
		return
	}
	s.mu.Lock()
	if now.Sub(s.lastSweep) < s.SweepInterval {
		s.mu.Unlock()
		return
	}
	s.lastSweep = now
	s.mu.Unlock()
	s.Sessions.Sweep(now, s.SessionTTL)
}

func (s *Scheduler) firePrompts(ctx context.Context, now time.Time) {
	if s.Prompter == nil {
		return
	}
	var ready []duePrompt
	s.mu.Lock()
	for s.due.Len() > 0 && !s.due[0].at.After(now) {
		ready = append(ready, heap.Pop(&s.due).(duePrompt))
	}
	s.mu.Unlock()

	for _, p := range ready {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Prompter.PromptRating(ctx, p.userID, p.orderID); err != nil {
				s.logger().Warn("rating prompt failed", "order_id", p.orderID, "user_id", p.userID, "err", err)
			}
		}()
	}
}

// Wait blocks until in-flight prompts finish.
func (s *Scheduler) Wait() { s.wg.Wait() }
