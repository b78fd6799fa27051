package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/estimator"
)

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an admin token for admin.token_hash, generating one if omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateAdminToken()
				if err != nil {
					return fmt.Errorf("generate token: %w", err)
				}
				token = generated
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nhash:  %s\n", token, hash)
			return nil
		},
	}
}

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <request.json|->",
		Short: "Print the pre-authorization estimate for a chat completion body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}

			var probe struct {
				Model string `json:"model"`
			}
			_ = json.Unmarshal(body, &probe)

			tokens := estimator.New(nil).EstimateJSON(body)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "estimate: %d tokens\n", tokens)
			if probe.Model != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "list price: $%s (%s)\n", estimator.Cost(probe.Model, tokens).StringFixed(4), probe.Model)
			}
			return nil
		},
	}
}
