package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/knocktwice/internal/auth"
	"github.com/example/knocktwice/internal/idempotency"
	"github.com/example/knocktwice/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP surface and the housekeeping loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("server")
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, cfg, log, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.buildService()
			if err != nil {
				return err
			}
			authStore, err := a.authStore()
			if err != nil {
				return err
			}
			if cfg.Auth.AdminUser != "" {
				_, err := authStore.CreateAdmin(ctx, cfg.Auth.AdminUser, cfg.Auth.AdminPassword)
				switch {
				case errors.Is(err, auth.ErrAdminExists):
				case err != nil:
					return err
				default:
					log.Info("admin seeded", "username", cfg.Auth.AdminUser)
				}
			}

			// Restore today's booked capacity before the first request.
			if err := svc.scheduler.Seed(ctx); err != nil {
				return fmt.Errorf("seed inventory: %w", err)
			}

			ws := &web.Server{
				Orders: svc.orders,
				Ledger: a.ledger,
				Auth:   authStore,
				Clock:  a.clock,
				Log:    log.With("component", "web"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return web.Start(gctx, cfg.HTTP.Addr, ws.Routes(), log)
			})
			g.Go(func() error {
				if err := svc.scheduler.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if mem, ok := a.idem.(*idempotency.Memory); ok {
				g.Go(func() error { return purgeLoop(gctx, mem, cfg.Session.SweepInterval) })
			}
			log.Info("knocktwice started",
				"version", Version,
				"capacity", cfg.Slots.Capacity,
				"always_open", cfg.Booking.AlwaysOpen,
				"cooldown", cfg.Booking.Cooldown.String(),
			)
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// purgeLoop drops expired in-memory idempotency keys.
func purgeLoop(ctx context.Context, mem *idempotency.Memory, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			mem.Purge()
		}
	}
}
