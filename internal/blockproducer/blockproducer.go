// Package blockproducer builds empty block bodies for heights this
// node proposes. There is no mempool or execution layer in this tree
// (out of scope — a BFT consensus node orders and finalizes blocks, it
// does not execute transactions), so every proposed block carries no
// transactions and an empty state root; the merkle root still covers
// the (empty) transaction list so the syncer's inclusion-proof check
// has something consistent to verify even for a block with nothing
// in it.
package blockproducer

import (
	"time"

	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/merkle"
	"github.com/rechain/bftnode/pkg/validator"
)

// EmptyProducer implements bft.BlockProducer by always proposing a
// block with no transactions.
type EmptyProducer struct{}

// Propose satisfies bft.BlockProducer.
func (EmptyProducer) Propose(height uint64, parentHash bft.Hash, proposer validator.Identity) (*bft.ProposedBlock, error) {
	tree := merkle.NewTree(nil)
	return &bft.ProposedBlock{
		ParentHash:   parentHash,
		Height:       height,
		Timestamp:    time.Now().UnixMilli(),
		Transactions: nil,
		StateRoot:    bft.Hash{},
		Proposer:     proposer,
		MerkleRoot:   bft.Hash(tree.RootHash()),
		MerkleProof:  nil,
	}, nil
}
