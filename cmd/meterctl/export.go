package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncecere/metering_gateway/internal/reports"
)

func newExportCmd(cli *cliApp) *cobra.Command {
	var from, to, accountID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write transactions to CSV in the configured export storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := reports.Request{AccountID: accountID}
			var err error
			if req.From, err = parseDate(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.To, err = parseDate(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			report, err := container.Exports.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d rows, %d bytes)\n", report.Key, report.Rows, report.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start of the range, RFC3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "End of the range, RFC3339 or YYYY-MM-DD (exclusive)")
	cmd.Flags().StringVar(&accountID, "account", "", "Only export this account")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored exports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			objects, err := container.Exports.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tSIZE\tROWS\tACCOUNT")
			for _, obj := range objects {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", obj.Key, obj.Size, obj.Metadata["rows"], obj.Metadata["account_id"])
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := container.Exports.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}
