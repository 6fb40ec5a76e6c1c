package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/ledger"
)

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and advance orders on the ledger",
	}
	cmd.AddCommand(newOrderListCmd())
	cmd.AddCommand(newOrderStatusCmd())
	cmd.AddCommand(newOrderStatsCmd())
	return cmd
}

func printOrder(w io.Writer, o ledger.Order) {
	fmt.Fprintf(w, "id=%d user=%d status=%s slot=%q total=%s rating=%d products=%q created=%s\n",
		o.ID, o.UserID, o.Status, o.Slot.String(), o.Total.StringFixed(2), o.Rating, o.Products(), o.CreatedAt.Format(time.RFC3339))
}

func newOrderListCmd() *cobra.Command {
	var (
		userID int64
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List recent orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("order")
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireDB(); err != nil {
				return err
			}

			var orders []ledger.Order
			if userID != 0 {
				orders, err = a.ledger.ListRecentByUser(ctx, userID, limit)
			} else {
				orders, err = a.ledger.ListRecent(ctx, limit)
			}
			if err != nil {
				return err
			}
			for _, o := range orders {
				printOrder(cmd.OutOrStdout(), o)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "only this user's orders")
	c.Flags().IntVar(&limit, "limit", 20, "max orders")
	return c
}

func newOrderStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ORDER_ID pending|en-route|delivered",
		Short: "Advance an order's delivery status and notify the user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			next, err := ledger.ParseStatus(args[1])
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig("order")
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireDB(); err != nil {
				return err
			}
			svc, err := a.buildService()
			if err != nil {
				return err
			}
			o, changed, err := svc.orders.AdvanceStatus(ctx, id, next)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "unchanged")
			}
			printOrder(cmd.OutOrStdout(), o)
			return nil
		},
	}
}

func newOrderStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print today's and all-time order figures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("order")
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireDB(); err != nil {
				return err
			}
			now := a.clock.Now()
			st, err := a.ledger.Stats(ctx, clock.StartOfDay(now), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "today: orders=%d revenue=%s\nall:   orders=%d revenue=%s avg_rating=%.2f active_users_7d=%d\n",
				st.OrdersSince, st.RevenueSince.StringFixed(2), st.OrdersTotal, st.RevenueTotal.StringFixed(2), st.AvgRating, st.ActiveUsers)
			return nil
		},
	}
}
