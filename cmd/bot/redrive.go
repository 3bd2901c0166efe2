package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"clubpass-bot/internal/reconcile"
)

func redriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive [userId]",
		Short: "Retry a failed invite link issuance for one subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var engine *reconcile.Engine
			app := fx.New(coreModule, fx.Populate(&engine))
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = app.Stop(stopCtx)
			}()

			out, err := engine.Redrive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], out.Kind)
			return nil
		},
	}
}
