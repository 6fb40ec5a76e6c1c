package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/knocktwice/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Work with the order event stream",
	}
	cmd.AddCommand(newNotifyTailCmd())
	return cmd
}

func newNotifyTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print order events from RabbitMQ as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("notify")
			if err != nil {
				return err
			}
			if cfg.RabbitMQ.URL == "" {
				return fmt.Errorf("rabbitmq.url (KNOCK_RABBITMQ__URL) is required")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sub, err := notify.DialSubscriber(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, log)
			if err != nil {
				return err
			}
			defer sub.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = sub.Run(ctx, func(ctx context.Context, e notify.Event) error {
				return enc.Encode(e)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
