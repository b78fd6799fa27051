package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSettingsCmd(cli *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change runtime settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tVALUE\tDESCRIPTION")
			for _, s := range container.Settings.List() {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, s.Value, s.Description)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			s, err := container.Settings.Get(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.Value)
			return nil
		},
	})

	var description string
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Validate and store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, done, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			s, err := container.Settings.Upsert(cmd.Context(), args[0], args[1], description)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", s.Key, s.Value)
			return nil
		},
	}
	setCmd.Flags().StringVar(&description, "description", "", "Replace the setting description")
	cmd.AddCommand(setCmd)
	return cmd
}
