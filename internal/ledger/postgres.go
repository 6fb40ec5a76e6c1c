package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/db"
	"github.com/example/knocktwice/internal/metrics"
)

// Postgres is the durable Store backed by the orders, users and ratings tables.
type Postgres struct{ db *db.DB }

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

const orderColumns = `id,user_id,username,line_items,total::text,address,slot_day,slot_time,status,rating,created_at,updated_at`

func observe(op string, start time.Time) {
	metrics.LedgerLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// wrap maps driver errors onto the ledger's sentinels.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if db.IsNotFound(err) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (p *Postgres) Create(ctx context.Context, o Order) (int64, error) {
	defer observe("create", time.Now())
	if err := o.Validate(); err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return 0, err
	}
	var id int64
	err = p.db.QueryRow(ctx, `
INSERT INTO orders(user_id,username,products,line_items,total,address,slot,slot_day,slot_time,status)
VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,'pending')
RETURNING id`,
		o.UserID, o.Username, o.Products(), items, o.Total.StringFixed(2), o.Address, o.Slot.String(), string(o.Slot.Day), string(o.Slot.Time),
	).Scan(&id)
	return id, wrap(err)
}

func scanOrder(row db.Row) (Order, error) {
	var o Order
	var items []byte
	var total, day, tod, status string
	if err := row.Scan(&o.ID, &o.UserID, &o.Username, &items, &total, &o.Address, &day, &tod, &status, &o.Rating, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("order %d: line items: %w", o.ID, err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, fmt.Errorf("order %d: total: %w", o.ID, err)
	}
	o.Total = d
	o.Slot.Day = clock.Day(day)
	o.Slot.Time = clock.TimeOfDay(tod)
	o.Status = Status(status)
	return o, nil
}

func (p *Postgres) Get(ctx context.Context, id int64) (Order, error) {
	defer observe("get", time.Now())
	o, err := scanOrder(p.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return Order{}, wrap(err)
	}
	return o, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id int64, next Status) (bool, error) {
	defer observe("update_status", time.Now())
	var changed bool
	err := p.db.Tx(ctx, func(tx pgx.Tx) error {
		var cur string
		if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&cur); err != nil {
			return err
		}
		noop, err := Transition(Status(cur), next)
		if err != nil {
			return fmt.Errorf("order %d: %w", id, err)
		}
		if noop {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(next)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return false, err
	}
	return changed, wrap(err)
}

func (p *Postgres) list(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, wrap(rows.Err())
}

func (p *Postgres) ListRecentByUser(ctx context.Context, userID int64, limit int) ([]Order, error) {
	defer observe("list", time.Now())
	return p.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY id DESC LIMIT $2`, userID, clampLimit(limit))
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	defer observe("list", time.Now())
	return p.list(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id DESC LIMIT $1`, clampLimit(limit))
}

func (p *Postgres) LatestUnrated(ctx context.Context, userID int64) (Order, error) {
	defer observe("get", time.Now())
	o, err := scanOrder(p.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 AND rating=0 ORDER BY id DESC LIMIT 1`, userID))
	if err != nil {
		return Order{}, wrap(err)
	}
	return o, nil
}

func (p *Postgres) SaveRating(ctx context.Context, r Rating) (Rating, error) {
	defer observe("rate", time.Now())
	if err := r.Validate(); err != nil {
		return Rating{}, err
	}
	err := p.db.Tx(ctx, func(tx pgx.Tx) error {
		var owner int64
		var current int
		if err := tx.QueryRow(ctx, `SELECT user_id, rating FROM orders WHERE id=$1 FOR UPDATE`, r.OrderID).Scan(&owner, &current); err != nil {
			return err
		}
		if owner != r.UserID {
			return pgx.ErrNoRows
		}
		if current != 0 {
			return fmt.Errorf("order %d: %w", r.OrderID, ErrAlreadyRated)
		}
		if err := tx.QueryRow(ctx, `
INSERT INTO ratings(order_id,user_id,stars) VALUES ($1,$2,$3)
RETURNING id, created_at`, r.OrderID, r.UserID, r.Stars).Scan(&r.ID, &r.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE orders SET rating=$2, updated_at=now() WHERE id=$1`, r.OrderID, r.Stars)
		return err
	})
	if errors.Is(err, ErrAlreadyRated) {
		return Rating{}, err
	}
	if err != nil {
		return Rating{}, wrap(err)
	}
	return r, nil
}

func (p *Postgres) BookedForDay(ctx context.Context, day clock.Day, since time.Time) (map[clock.TimeOfDay]int, error) {
	defer observe("booked", time.Now())
	rows, err := p.db.Query(ctx, `
SELECT slot_time, count(*) FROM orders
WHERE slot_day=$1 AND created_at >= $2
GROUP BY slot_time`, string(day), since)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := map[clock.TimeOfDay]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[clock.TimeOfDay(t)] = n
	}
	return out, wrap(rows.Err())
}

func (p *Postgres) Stats(ctx context.Context, since, now time.Time) (Stats, error) {
	defer observe("stats", time.Now())
	var s Stats
	var revSince, revTotal string
	err := p.db.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE created_at >= $1),
  coalesce(sum(total) FILTER (WHERE created_at >= $1), 0)::text,
  count(*),
  coalesce(sum(total), 0)::text,
  coalesce(avg(rating) FILTER (WHERE rating > 0), 0)::float8
FROM orders`, since).Scan(&s.OrdersSince, &revSince, &s.OrdersTotal, &revTotal, &s.AvgRating)
	if err != nil {
		return Stats{}, wrap(err)
	}
	if s.RevenueSince, err = decimal.NewFromString(revSince); err != nil {
		return Stats{}, err
	}
	if s.RevenueTotal, err = decimal.NewFromString(revTotal); err != nil {
		return Stats{}, err
	}
	if err := p.db.QueryRow(ctx, `SELECT count(DISTINCT user_id) FROM orders WHERE created_at >= $1`, now.Add(-activeWindow)).Scan(&s.ActiveUsers); err != nil {
		return Stats{}, wrap(err)
	}
	return s, nil
}

func (p *Postgres) TouchLastOrder(ctx context.Context, userID int64, username string, at time.Time) error {
	defer observe("touch", time.Now())
	return wrap(p.db.Exec(ctx, `
INSERT INTO users(user_id,username,last_order_at) VALUES ($1,$2,$3)
ON CONFLICT (user_id) DO UPDATE SET username=EXCLUDED.username, last_order_at=EXCLUDED.last_order_at`,
		userID, username, at))
}

func (p *Postgres) LastOrderAt(ctx context.Context, userID int64) (time.Time, bool, error) {
	defer observe("last_order", time.Now())
	var at *time.Time
	err := p.db.QueryRow(ctx, `SELECT last_order_at FROM users WHERE user_id=$1`, userID).Scan(&at)
	if db.IsNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap(err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (p *Postgres) ResetCooldowns(ctx context.Context) (int64, error) {
	n, err := p.db.ExecRows(ctx, `UPDATE users SET last_order_at=NULL WHERE last_order_at IS NOT NULL`)
	return n, wrap(err)
}

var _ Store = (*Postgres)(nil)
