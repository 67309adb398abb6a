package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"pollci/internal/ledger"
	"pollci/internal/security"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			l, err := ledger.Open(cfg.LedgerPathOrDefault(), security.KeyPair{})
			if err != nil {
				return fmt.Errorf("opening ledger: %w", err)
			}
			entries, err := l.Load()
			if err != nil {
				return err
			}
			slices.Reverse(entries)
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			renderHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n runs")
	return cmd
}
