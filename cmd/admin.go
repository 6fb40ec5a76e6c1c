package cmd

import (
	"context"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"

	"github.com/example/knocktwice/internal/auth"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}
	cmd.AddCommand(newAdminAddCmd())
	return cmd
}

func newAdminAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an admin (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("admin")
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireDB(); err != nil {
				return err
			}

			// Cookie keys are irrelevant here; nothing is signed.
			store := auth.NewStore(a.admins, securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
			id, err := store.CreateAdmin(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %q (id=%d)\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
