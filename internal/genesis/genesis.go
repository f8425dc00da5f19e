// Package genesis loads the initial validator set and chain parent
// hash a node starts consensus from, read once at startup.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

// Genesis is the on-disk genesis document: the validator set a chain
// starts with, and the parent hash the first proposed block chains
// from.
type Genesis struct {
	ChainID          string               `json:"chain_id"`
	GenesisParentHash bft.Hash            `json:"genesis_parent_hash"`
	Validators       []validator.Validator `json:"validators"`
}

// Load reads and parses a genesis document from path.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", path, err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("genesis: parsing %s: %w", path, err)
	}
	if len(g.Validators) == 0 {
		return nil, fmt.Errorf("genesis: %s declares no validators", path)
	}
	return &g, nil
}

// ValidatorSet builds the validator.Set the engine starts from.
func (g *Genesis) ValidatorSet() *validator.Set {
	return validator.New(g.Validators)
}
