package ledger

import (
	"context"
	"time"

	"github.com/example/knocktwice/internal/clock"
)

// Store is the append-only order ledger plus the per-user and rating tables
// that hang off it. Orders are never deleted; status and rating are the only
// fields that change after Create.
type Store interface {
	// Create assigns a monotonic id and persists o.
	Create(ctx context.Context, o Order) (int64, error)
	Get(ctx context.Context, id int64) (Order, error)
	// UpdateStatus reports changed=false when the order is already in next.
	UpdateStatus(ctx context.Context, id int64, next Status) (changed bool, err error)
	ListRecentByUser(ctx context.Context, userID int64, limit int) ([]Order, error)
	ListRecent(ctx context.Context, limit int) ([]Order, error)

	LatestUnrated(ctx context.Context, userID int64) (Order, error)
	SaveRating(ctx context.Context, r Rating) (Rating, error)

	// BookedForDay counts orders per tick of day created at or after since.
	BookedForDay(ctx context.Context, day clock.Day, since time.Time) (map[clock.TimeOfDay]int, error)
	Stats(ctx context.Context, since, now time.Time) (Stats, error)

	TouchLastOrder(ctx context.Context, userID int64, username string, at time.Time) error
	LastOrderAt(ctx context.Context, userID int64) (time.Time, bool, error)
	// ResetCooldowns clears every durable last-order time and reports how many.
	ResetCooldowns(ctx context.Context) (int64, error)
}

const activeWindow = 7 * 24 * time.Hour

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
