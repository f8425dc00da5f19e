// Package bft implements the three-phase (Propose/Prevote/Precommit)
// Byzantine Fault Tolerant consensus state machine: messages, blocks,
// steps, per-height state, the timeout scheduler, the evidence
// collector, and the engine itself.
package bft

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rechain/bftnode/pkg/validator"
)

// Hash is a collision-resistant digest, used both for block hashes and
// for the value a vote refers to.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// MarshalJSON renders the hash as a hex string, matching the wire
// encoding used for every other signed field.
func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

// UnmarshalJSON parses a hex string back into a Hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bft: decoding hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("bft: hash has wrong length %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// Step is a phase within a round.
type Step int

const (
	StepNewRound Step = iota
	StepPropose
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepNewRound:
		return "NewRound"
	case StepPropose:
		return "Propose"
	case StepPrevote:
		return "Prevote"
	case StepPrecommit:
		return "Precommit"
	case StepCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// VoteKind distinguishes prevotes from precommits, used by the
// evidence collector to key stored votes.
type VoteKind int

const (
	VoteKindPrevote VoteKind = iota
	VoteKindPrecommit
)

func (k VoteKind) String() string {
	if k == VoteKindPrevote {
		return "Prevote"
	}
	return "Precommit"
}

// MessageKind tags the variant carried by a Message.
type MessageKind int

const (
	MessageProposal MessageKind = iota
	MessagePrevote
	MessagePrecommit
)

// Message is a consensus protocol message: a proposal, prevote, or
// precommit. Fields not relevant to a given Kind are left zero.
type Message struct {
	Kind      MessageKind
	Height    uint64
	Round     int32
	Voter     validator.Identity // proposer for Proposal, voter for votes
	BlockHash *Hash              // nil = nil vote; for Proposal, redundant with Block.Hash()
	Block     *ProposedBlock     // set only for Proposal
	ValidRound *int32            // set only for Proposal, carried-over polka round
	Signature []byte
}

// VoteKind maps a vote message's Kind to a VoteKind. Panics if called
// on a Proposal message — callers must check Kind first.
func (m Message) VoteKind() VoteKind {
	switch m.Kind {
	case MessagePrevote:
		return VoteKindPrevote
	case MessagePrecommit:
		return VoteKindPrecommit
	default:
		panic("bft: VoteKind called on non-vote message")
	}
}

// ProposedBlock is a block body proposed for a given height, not yet
// committed.
type ProposedBlock struct {
	ParentHash   Hash
	Height       uint64
	Timestamp    int64 // unix millis
	Transactions [][]byte
	StateRoot    Hash
	Proposer     validator.Identity
	MerkleRoot   Hash
	MerkleProof  []Hash
}

// Hash computes the block's digest over (parent_hash, height,
// timestamp, state_root, proposer). Transactions are covered
// transitively through state_root, so equivalent states hash equally
// regardless of transaction-list ordering at the execution layer.
func (b *ProposedBlock) Hash() Hash {
	buf := make([]byte, 0, 32+8+8+32+32)
	buf = append(buf, b.ParentHash[:]...)

	var heightBytes [8]byte
	binary.LittleEndian.PutUint64(heightBytes[:], b.Height)
	buf = append(buf, heightBytes[:]...)

	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], uint64(b.Timestamp))
	buf = append(buf, tsBytes[:]...)

	buf = append(buf, b.StateRoot[:]...)
	buf = append(buf, b.Proposer[:]...)

	digest := crypto.Keccak256(buf)
	var out Hash
	copy(out[:], digest)
	return out
}

// CommitSignature is a single (voter, signature) pair backing a
// committed block's commit certificate.
type CommitSignature struct {
	Voter     validator.Identity
	Signature []byte
}

// CommittedBlock is a ProposedBlock plus the round it was committed in
// and the set of signatures whose stake exceeded the commit quorum.
type CommittedBlock struct {
	Block            ProposedBlock
	CommitRound      int32
	CommitSignatures []CommitSignature
}

// HeightState is the per-height mutable state held by the engine.
// Exactly one instance exists at a time.
type HeightState struct {
	Height uint64
	Round  int32
	Step   Step

	LockedValue *Hash
	LockedRound *int32
	ValidValue  *Hash
	ValidRound  *int32

	Prevotes   map[validator.Identity]*Hash
	Precommits map[validator.Identity]*Hash
	Proposal   *Message
}

// NewHeightState resets all per-height state for a fresh height.
func NewHeightState(height uint64) *HeightState {
	return &HeightState{
		Height:     height,
		Round:      0,
		Step:       StepNewRound,
		Prevotes:   make(map[validator.Identity]*Hash),
		Precommits: make(map[validator.Identity]*Hash),
	}
}

// AdvanceRound moves to a new round within the same height: vote maps
// and the stored proposal are cleared, but locked_* and valid_* survive
// — this is the carry-over that makes the lock-and-polka rule safe
// across rounds.
func (s *HeightState) AdvanceRound(newRound int32) {
	s.Round = newRound
	s.Step = StepNewRound
	s.Prevotes = make(map[validator.Identity]*Hash)
	s.Precommits = make(map[validator.Identity]*Hash)
	s.Proposal = nil
}

func hashPtr(h Hash) *Hash {
	v := h
	return &v
}

func hashEqual(a, b *Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
