package main

import (
	"context"
	"fmt"

	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/controlplane"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Return failed regions to pending with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ledgerCommand(cmd, "reset for retry",
				(*controlplane.Client).Retry,
				(*ledger.Ledger).ResetFailed,
			)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget synced regions and failures that will not be retried",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ledgerCommand(cmd, "cleared",
				(*controlplane.Client).Clear,
				(*ledger.Ledger).ClearFinished,
			)
		},
	}
}

// ledgerCommand asks the daemon to do the work and falls back to editing
// the ledger directly when no daemon is running.
func ledgerCommand(
	cmd *cobra.Command,
	verb string,
	online func(*controlplane.Client, context.Context) (int, error),
	offline func(*ledger.Ledger) (int, error),
) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	n, err := viaDaemon(cmd.Context(), cfg, online)
	if isUnreachable(err) {
		err = withLedger(cfg, func(l *ledger.Ledger) error {
			n, err = offline(l)
			return err
		})
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d region(s)\n", green.Render(verb), n)
	return nil
}

func viaDaemon(ctx context.Context, cfg *config.Config, fn func(*controlplane.Client, context.Context) (int, error)) (int, error) {
	client, err := daemonClient(cfg)
	if err != nil {
		return 0, err
	}
	ctx, cancel := cmdContext(ctx)
	defer cancel()
	return fn(client, ctx)
}
