package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rechain/bftnode/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var outPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new validator signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := crypto.LoadSignerFromFile(outPath, false); err == nil {
					return fmt.Errorf("keygen: %s already contains a key, pass --force to overwrite", outPath)
				}
			}

			signer, err := crypto.GenerateAndSaveSigner(outPath, false)
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}

			fmt.Printf("wrote validator key to %s\n", outPath)
			fmt.Printf("identity: %s\n", signer.Identity().String())
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "validator.key", "path to write the generated key to")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
