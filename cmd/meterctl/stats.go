package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(cli *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show totals across all accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			stats, err := container.Ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "users: %d total, %d active, %d blocked\n",
				stats.Users.Total, stats.Users.Active, stats.Users.Blocked)
			_, _ = fmt.Fprintf(out, "tokens: %d distributed, %d used, %d remaining\n",
				stats.Tokens.TotalDistributed, stats.Tokens.TotalUsed, stats.Tokens.TotalRemaining)
			_, _ = fmt.Fprintf(out, "transactions today: %d\n", stats.TransactionsToday)
			return nil
		},
	}
}
