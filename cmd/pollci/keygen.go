package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pollci/internal/security"
)

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key pair that signs the history ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pubPath, privPath := cfg.PublicKeyOrDefault(), cfg.PrivateKeyOrDefault()
			if !force {
				if _, err := os.Stat(pubPath); err == nil {
					return fmt.Errorf("%s already exists, use --force to replace it", pubPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			keys, err := security.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			if err := keys.Save(pubPath, privPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key  %s\nprivate key %s\n%s\n", pubPath, privPath, dimStyle.Render(keys.PublicHex()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key pair")
	return cmd
}
