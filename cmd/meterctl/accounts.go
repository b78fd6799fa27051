package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

func newAccountsCmd(cli *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Inspect and adjust token accounts",
	}
	cmd.AddCommand(
		newAccountsListCmd(cli),
		newAccountsShowCmd(cli),
		newAccountsCreateCmd(cli),
		newAccountsCreditCmd(cli),
		newAccountsRefundCmd(cli),
		newAccountsSetActiveCmd(cli),
		newAccountsReconcileCmd(cli),
	)
	return cmd
}

func newAccountsListCmd(cli *cliApp) *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts with their balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := container.Ledger.ListAccounts(cmd.Context(), page, perPage)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tEMAIL\tTOTAL\tUSED\tREMAINING\tUSAGE\tSTATE")
			for _, acct := range result.Accounts {
				printAccountRow(w, acct)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d accounts\n", result.Page, result.Pages, result.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "Accounts per page")
	return cmd
}

func newAccountsShowCmd(cli *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one account and its latest transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			acct, err := container.Ledger.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			txns, err := container.Ledger.Transactions(cmd.Context(), ledger.TransactionFilter{AccountID: acct.ID, Limit: 10})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tEMAIL\tTOTAL\tUSED\tREMAINING\tUSAGE\tSTATE")
			printAccountRow(w, acct)
			_, _ = fmt.Fprintln(w)
			_, _ = fmt.Fprintln(w, "TXN\tKIND\tTOKENS\tMODEL\tCOST\tCREATED")
			for _, txn := range txns {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					txn.ID, txn.Kind, txn.Delta, txn.Model, txn.CostUSD.String(), txn.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newAccountsCreateCmd(cli *cliApp) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an account with the default allowance (no-op if it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			acct, err := container.Ledger.GetOrCreateAccount(cmd.Context(), args[0], email, name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d tokens\n", acct.ID, acct.Email, acct.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newAccountsCreditCmd(cli *cliApp) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "credit <id> <tokens>",
		Short: "Add tokens to an account and notify its owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseTokens(args[1])
			if err != nil {
				return err
			}
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			acct, txn, err := container.CreditAccount(cmd.Context(), args[0], amount, reason)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "credited %d tokens to %s (transaction %d); remaining %d of %d\n",
				amount, acct.ID, txn.ID, acct.Remaining(), acct.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", ledger.DefaultCreditReason, "Reason recorded on the transaction")
	return cmd
}

func newAccountsRefundCmd(cli *cliApp) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund <id> <tokens>",
		Short: "Reverse prior consumption, capped at the tokens used",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseTokens(args[1])
			if err != nil {
				return err
			}
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			acct, txn, err := container.RefundAccount(cmd.Context(), args[0], amount, reason)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "refunded %d tokens to %s (transaction %d); used %d of %d\n",
				-txn.Delta, acct.ID, txn.ID, acct.UsedTokens, acct.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", ledger.DefaultRefundReason, "Reason recorded on the transaction")
	return cmd
}

func newAccountsSetActiveCmd(cli *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "set-active <id> <true|false>",
		Short: "Activate or deactivate an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("active must be true or false: %w", err)
			}
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			acct, err := container.Ledger.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", acct.ID, acct.Active)
			return nil
		},
	}
}

func newAccountsReconcileCmd(cli *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <id>",
		Short: "Compare used tokens against the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			rec, err := container.Ledger.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s used=%d debits=%d refunds=%d credits=%d balanced=%t\n",
				rec.AccountID, rec.UsedTokens, rec.Debits, rec.Refunds, rec.Credits, rec.Balanced)
			if !rec.Balanced {
				return fmt.Errorf("account %s is out of balance", rec.AccountID)
			}
			return nil
		},
	}
}

func printAccountRow(w *tabwriter.Writer, acct ledger.Account) {
	state := "active"
	switch {
	case !acct.Active:
		state = "inactive"
	case acct.Blocked:
		state = "blocked"
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
		acct.ID, acct.Email, acct.TotalTokens, acct.UsedTokens, acct.Remaining(), acct.UsagePercent(), state)
}

func parseTokens(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("tokens must be a positive integer, got %q", raw)
	}
	return n, nil
}
