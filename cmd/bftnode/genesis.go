package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rechain/bftnode/internal/crypto"
	"github.com/rechain/bftnode/internal/genesis"
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

func genesisCmd() *cobra.Command {
	var chainID string
	var outPath string
	var validatorKeys []string

	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Generate a genesis document from one or more validator keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(validatorKeys) == 0 {
				return fmt.Errorf("genesis: at least one --validator is required")
			}

			validators := make([]validator.Validator, 0, len(validatorKeys))
			for _, spec := range validatorKeys {
				keyPath, stake, err := parseValidatorSpec(spec)
				if err != nil {
					return fmt.Errorf("genesis: %w", err)
				}
				signer, err := crypto.LoadSignerFromFile(keyPath, false)
				if err != nil {
					return fmt.Errorf("genesis: loading %s: %w", keyPath, err)
				}
				validators = append(validators, validator.Validator{
					Identity: signer.Identity(),
					Stake:    stake,
				})
			}

			doc := genesis.Genesis{
				ChainID:           chainID,
				GenesisParentHash: bft.Hash{},
				Validators:        validators,
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("genesis: encoding document: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("genesis: writing %s: %w", outPath, err)
			}

			fmt.Printf("wrote genesis document to %s with %d validator(s)\n", outPath, len(validators))
			return nil
		},
	}

	cmd.Flags().StringVar(&chainID, "chain-id", "bftnode-devnet", "chain identifier recorded in the genesis document")
	cmd.Flags().StringVar(&outPath, "out", "genesis.json", "path to write the generated genesis document to")
	cmd.Flags().StringArrayVar(&validatorKeys, "validator", nil, "validator key file to include, as path or path:stake (default stake 100); repeatable")

	return cmd
}

// parseValidatorSpec splits a --validator flag value of the form
// "path" or "path:stake" into its key path and stake, defaulting
// stake to 100 when omitted.
func parseValidatorSpec(spec string) (string, uint64, error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		return spec, 100, nil
	}
	stake, err := strconv.ParseUint(spec[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid stake in %q: %w", spec, err)
	}
	return spec[:idx], stake, nil
}
