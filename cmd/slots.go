package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/knocktwice/internal/clock"
)

var week = []clock.Day{clock.Monday, clock.Tuesday, clock.Wednesday, clock.Thursday, clock.Friday, clock.Saturday, clock.Sunday}

func newSlotsCmd() *cobra.Command {
	var booked bool
	c := &cobra.Command{
		Use:   "slots",
		Short: "Print the configured delivery schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("slots")
			if err != nil {
				return err
			}
			sched, err := cfg.Schedule()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "capacity per slot: %d\n", cfg.Slots.Capacity)

			var counts map[clock.TimeOfDay]int
			var today clock.Day
			if booked {
				ctx := context.Background()
				a, err := openApp(ctx, cfg, log, false)
				if err != nil {
					return err
				}
				defer a.Close()
				now := a.clock.Now()
				today = clock.DayOf(now)
				if counts, err = a.ledger.BookedForDay(ctx, today, clock.StartOfDay(now)); err != nil {
					return err
				}
			}

			for _, d := range week {
				ticks := sched.Ticks(d)
				if len(ticks) == 0 {
					fmt.Fprintf(out, "%-9s closed\n", d)
					continue
				}
				parts := make([]string, 0, len(ticks))
				for _, t := range ticks {
					if d == today && counts != nil {
						parts = append(parts, fmt.Sprintf("%s(%d/%d)", t, counts[t], cfg.Slots.Capacity))
						continue
					}
					parts = append(parts, string(t))
				}
				fmt.Fprintf(out, "%-9s %s\n", d, strings.Join(parts, " "))
			}
			return nil
		},
	}
	c.Flags().BoolVar(&booked, "booked", false, "show today's booked counts from the ledger")
	return c
}
