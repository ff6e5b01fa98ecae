package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

// withApplication wires the engine, runs fn, and tears everything down.
func withApplication(fn func(ctx context.Context, app *application) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.close()
		return fn(cmd.Context(), app)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print session and settlement state",
	RunE: withApplication(func(ctx context.Context, app *application) error {
		app.printStatus()
		records, err := app.journal.Recent(ctx, 10)
		if err != nil {
			return errors.Wrap(err, "read journal")
		}
		if len(records) > 0 {
			fmt.Println("Recent settlement events:")
		}
		for _, r := range records {
			fmt.Printf("  %s %s %s amount=%d\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.Type, r.Actor, r.Amount)
		}
		return nil
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Abandon the current round and start a fresh one",
	RunE: withApplication(func(ctx context.Context, app *application) error {
		if err := app.engine.Restart(ctx); err != nil {
			return err
		}
		fresh := app.engine.Session()
		fmt.Printf("New round started: session %s (generation %d)\n", fresh.ID, fresh.Generation)
		return nil
	}),
}

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Distribute the prize pool after the inactivity threshold",
	RunE: withApplication(func(ctx context.Context, app *application) error {
		if err := app.engine.DistributeIfExpired(ctx); err != nil {
			return err
		}
		fmt.Println("Prize pool distributed.")
		return nil
	}),
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw [address]",
	Short: "Pay out a team member's accumulated share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(ctx context.Context, app *application) error {
			amount, err := app.engine.WithdrawTeamShare(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Withdrew %d to %s\n", amount, args[0])
			return nil
		})(cmd, args)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim [address]",
	Short: "Retry payout of a share whose transfer failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(ctx context.Context, app *application) error {
			amount, err := app.engine.ClaimFailedShare(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Claimed %d to %s\n", amount, args[0])
			return nil
		})(cmd, args)
	},
}
