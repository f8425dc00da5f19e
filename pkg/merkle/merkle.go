// Package merkle builds binary Merkle trees over an ordered list of
// leaf hashes and produces/verifies inclusion proofs by leaf index —
// the shape a block's transaction list or key-value state needs for a
// transactions/state root plus a compact inclusion proof.
package merkle

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// Hash is a 32-byte digest. Callers holding a same-shaped [32]byte
// type (such as pkg/bft.Hash) can convert to and from it directly —
// both are plain byte arrays of the same size.
type Hash [32]byte

// HashLeaf hashes raw leaf data into the tree's digest space.
func HashLeaf(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

func hashPair(a, b Hash) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return Hash(sha256.Sum256(buf))
}

// Tree is a binary Merkle tree over a fixed, ordered list of leaves.
// An odd node at any level is paired with itself, matching the
// construction VerifyProof expects.
type Tree struct {
	layers [][]Hash // layers[0] is the leaf layer
}

// NewTree builds a tree over leaves in the given order. Leaf i's
// inclusion proof is retrieved with Proof(i).
func NewTree(leaves []Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{layers: [][]Hash{{}}}
	}

	layers := [][]Hash{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([]Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layers = append(layers, next)
		current = next
	}
	return &Tree{layers: layers}
}

// NewTreeFromKV builds a tree over a key-value map, ordering leaves by
// sorted key so the resulting root is deterministic regardless of map
// iteration order. Used for a state root rather than per-key proofs.
func NewTreeFromKV(data map[string][]byte) *Tree {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]Hash, len(keys))
	for i, k := range keys {
		leaves[i] = HashLeaf(append([]byte(k), data[k]...))
	}
	return NewTree(leaves)
}

// RootHash returns the tree's root. The zero Hash for an empty tree.
func (t *Tree) RootHash() Hash {
	top := t.layers[len(t.layers)-1]
	if len(top) == 0 {
		return Hash{}
	}
	return top[0]
}

// LeafCount returns the number of leaves the tree was built over.
func (t *Tree) LeafCount() int {
	return len(t.layers[0])
}

// Proof returns the sibling hash at each level on the path from leaf
// index to the root, bottom to top. VerifyProof recomputes the root
// from these plus the leaf and its index — no direction bits are
// needed since the index's bit pattern determines pairing order at
// each level.
func (t *Tree) Proof(index int) ([]Hash, error) {
	if index < 0 || index >= len(t.layers[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0, %d)", index, len(t.layers[0]))
	}

	proof := make([]Hash, 0, len(t.layers)-1)
	idx := index
	for level := 0; level < len(t.layers)-1; level++ {
		layer := t.layers[level]
		var siblingIdx int
		if idx%2 == 0 {
			siblingIdx = idx + 1
			if siblingIdx >= len(layer) {
				siblingIdx = idx // odd layer: node was paired with itself
			}
		} else {
			siblingIdx = idx - 1
		}
		proof = append(proof, layer[siblingIdx])
		idx /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from leaf, its original index, and
// the sibling hashes in proof, and checks it against root.
func VerifyProof(root Hash, leaf Hash, index, totalLeaves int, proof []Hash) bool {
	if totalLeaves <= 0 || index < 0 || index >= totalLeaves {
		return false
	}

	current := leaf
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		idx /= 2
	}
	return current == root
}
