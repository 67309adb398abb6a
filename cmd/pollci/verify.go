package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pollci/internal/ledger"
	"pollci/internal/security"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var trustConfigured bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and signatures of the history ledger",
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

			out := cmd.OutOrStdout()
			if err := l.VerifyChain(); err != nil {
				fmt.Fprintln(out, failStyle.Render("ledger verification failed: ")+err.Error())
				return err
			}
			if trustConfigured {
				keys, err := security.LoadPublicKey(cfg.PublicKeyOrDefault())
				if err != nil {
					return fmt.Errorf("loading configured key: %w", err)
				}
				for _, b := range l.Blocks() {
					if b.PubKey != keys.PublicHex() {
						err := fmt.Errorf("block %d signed by untrusted key", b.Index)
						fmt.Fprintln(out, failStyle.Render("ledger verification failed: ")+err.Error())
						return err
					}
				}
			}
			fmt.Fprintf(out, "%s %d blocks\n", okStyle.Render("ledger verification ok:"), len(l.Blocks()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&trustConfigured, "trusted-key", false, "also require every block to be signed by the configured key")
	return cmd
}
