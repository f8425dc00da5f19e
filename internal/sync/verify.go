package sync

import (
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/merkle"
)

// MerkleBlockVerifier checks that a fetched block's MerkleRoot is
// genuinely the root of its transaction list, and that the block
// carries a valid inclusion proof for that list's first transaction —
// a compact attestation a light client can check without holding the
// whole list.
type MerkleBlockVerifier struct{}

// VerifyBlock satisfies BlockVerifier.
func (MerkleBlockVerifier) VerifyBlock(block *bft.ProposedBlock) bool {
	leaves := make([]merkle.Hash, len(block.Transactions))
	for i, tx := range block.Transactions {
		leaves[i] = merkle.HashLeaf(tx)
	}

	tree := merkle.NewTree(leaves)
	if tree.RootHash() != merkle.Hash(block.MerkleRoot) {
		return false
	}
	if len(leaves) == 0 {
		return true
	}

	proof := make([]merkle.Hash, len(block.MerkleProof))
	for i, h := range block.MerkleProof {
		proof[i] = merkle.Hash(h)
	}
	return merkle.VerifyProof(merkle.Hash(block.MerkleRoot), leaves[0], 0, len(leaves), proof)
}
