package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/knocktwice/internal/auth"
	"github.com/example/knocktwice/internal/booking"
	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/config"
	"github.com/example/knocktwice/internal/db"
	"github.com/example/knocktwice/internal/idempotency"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/migrate"
	"github.com/example/knocktwice/internal/notify"
	"github.com/example/knocktwice/internal/scheduler"
	"github.com/example/knocktwice/internal/session"
	"github.com/example/knocktwice/internal/slots"
)

// app holds the process-wide collaborators. Without database.url the ledger
// and admin accounts live in memory, without redis.addr so do idempotency
// keys, and without rabbitmq.url events only go to the log.
type app struct {
	cfg    config.Config
	log    *slog.Logger
	clock  clock.Clock
	db     *db.DB
	ledger ledger.Store
	admins auth.Admins
	idem   idempotency.Store
	pub    notify.Publisher

	closers []func()
}

func openApp(ctx context.Context, cfg config.Config, log *slog.Logger, migrateUp bool) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, clock: clock.System{Location: loc}}

	if cfg.Database.URL != "" {
		d, err := db.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d.Close)
		if err := d.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if _, err := migrate.Up(ctx, d, log.With("component", "migrate")); err != nil {
				a.Close()
				return nil, err
			}
		}
		a.db = d
		a.ledger = ledger.NewPostgres(d)
		a.admins = auth.NewPostgresAdmins(d)
	} else {
		log.Warn("database.url not set, orders are kept in memory")
		a.ledger = ledger.NewMemory(a.clock)
		a.admins = auth.NewMemoryAdmins()
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		r := idempotency.NewRedis(rdb, cfg.Idempotency.TTL)
		if err := r.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.idem = r
	} else {
		a.idem = idempotency.NewMemory(cfg.Idempotency.TTL, a.clock)
	}

	logPub := notify.NewLogPublisher(log.With("component", "notify"))
	a.pub = logPub
	if cfg.RabbitMQ.URL != "" {
		rp, err := notify.DialPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log.With("component", "notify"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rp.Close() })
		a.pub = notify.Multi{logPub, rp}
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) requireDB() error {
	if a.db == nil {
		return fmt.Errorf("database.url (KNOCK_DATABASE__URL) is required for this command")
	}
	return nil
}

// lastOrderLoader restores a user's cooldown from the ledger the first time
// their session is created after a restart.
func (a *app) lastOrderLoader() session.Loader {
	return func(userID int64) (time.Time, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return a.ledger.LastOrderAt(ctx, userID)
	}
}

// service is the booking core: inventory, sessions, the orchestrator and the
// housekeeping loop that drives them.
type service struct {
	orders    *booking.Orchestrator
	sessions  *session.Store
	inventory *slots.Inventory
	scheduler *scheduler.Scheduler
}

func (a *app) buildService() (*service, error) {
	cfg := a.cfg
	cat, err := catalog.Load(cfg.Catalog.File)
	if err != nil {
		return nil, err
	}
	sched, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	inv, err := slots.NewInventory(sched, cfg.Slots.Capacity, a.log.With("component", "slots"), slots.WithClock(a.clock))
	if err != nil {
		return nil, err
	}
	sessions := session.NewStore(cat,
		session.WithMaxQuantity(cfg.Booking.MaxQuantity),
		session.WithLoader(a.lastOrderLoader()),
		session.WithClock(a.clock),
		session.WithLogger(a.log.With("component", "session")),
	)
	hk := &scheduler.Scheduler{
		Inventory:     inv,
		Sessions:      sessions,
		Ledger:        a.ledger,
		Clock:         a.clock,
		Log:           a.log.With("component", "scheduler"),
		Interval:      cfg.Scheduler.Interval,
		SessionTTL:    cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	}
	orders, err := booking.New(booking.Config{
		Cooldown:    cfg.Booking.Cooldown,
		AlwaysOpen:  cfg.Booking.AlwaysOpen,
		FallbackDay: cfg.FallbackDay(),
		RatingDelay: cfg.Booking.RatingDelay,
	}, booking.Deps{
		Catalog:   cat,
		Sessions:  sessions,
		Inventory: inv,
		Ledger:    a.ledger,
		Publisher: a.pub,
		Idem:      a.idem,
		Ratings:   hk,
		Clock:     a.clock,
		Log:       a.log.With("component", "booking"),
	})
	if err != nil {
		return nil, err
	}
	hk.Days = orders
	hk.Prompter = orders
	return &service{orders: orders, sessions: sessions, inventory: inv, scheduler: hk}, nil
}

func (a *app) authStore() (*auth.Store, error) {
	hash, block, err := a.cfg.CookieKeys()
	if err != nil {
		return nil, err
	}
	return auth.NewStore(a.admins, hash, block), nil
}
