package bft

import "github.com/rechain/bftnode/pkg/validator"

// EvidenceKind distinguishes which vote kind a double-sign was found in.
type EvidenceKind int

const (
	EvidenceConflictingPrevote EvidenceKind = iota
	EvidenceConflictingPrecommit
)

// DoubleSignEvidence captures two conflicting votes from the same
// validator at the same (height, round, step).
type DoubleSignEvidence struct {
	Validator validator.Identity
	Height    uint64
	Round     int32
	Kind      EvidenceKind
	VoteAHash *Hash
	VoteASig  []byte
	VoteBHash *Hash
	VoteBSig  []byte
}

type voteKey struct {
	height uint64
	round  int32
	voter  validator.Identity
	kind   VoteKind
}

type storedVote struct {
	hash *Hash
	sig  []byte
}

// EvidenceCollector maintains a sliding-window map of observed votes
// and accumulates evidence of double-signing. It never drops already
// collected evidence when pruning; pruning only narrows the window of
// tracked votes.
type EvidenceCollector struct {
	votes     map[voteKey]storedVote
	evidence  []DoubleSignEvidence
	minHeight uint64
}

// NewEvidenceCollector builds an empty collector.
func NewEvidenceCollector() *EvidenceCollector {
	return &EvidenceCollector{
		votes: make(map[voteKey]storedVote),
	}
}

// CheckAndRecord inspects an inbound message. Proposals are ignored.
// Returns evidence if this vote conflicts with a previously stored
// vote from the same voter at the same (height, round, kind).
func (c *EvidenceCollector) CheckAndRecord(m Message) *DoubleSignEvidence {
	if m.Kind == MessageProposal {
		return nil
	}
	if m.Height < c.minHeight {
		return nil
	}

	key := voteKey{height: m.Height, round: m.Round, voter: m.Voter, kind: m.VoteKind()}
	existing, ok := c.votes[key]
	if !ok {
		c.votes[key] = storedVote{hash: m.BlockHash, sig: m.Signature}
		return nil
	}

	if hashEqual(existing.hash, m.BlockHash) {
		return nil // duplicate retransmission
	}

	var kind EvidenceKind
	if key.kind == VoteKindPrevote {
		kind = EvidenceConflictingPrevote
	} else {
		kind = EvidenceConflictingPrecommit
	}

	ev := DoubleSignEvidence{
		Validator: m.Voter,
		Height:    m.Height,
		Round:     m.Round,
		Kind:      kind,
		VoteAHash: existing.hash,
		VoteASig:  existing.sig,
		VoteBHash: m.BlockHash,
		VoteBSig:  m.Signature,
	}
	c.evidence = append(c.evidence, ev)
	return &c.evidence[len(c.evidence)-1]
}

// Prune advances the pruning horizon and deletes tracked votes below
// it. Already-collected evidence is never dropped.
func (c *EvidenceCollector) Prune(minHeight uint64) {
	c.minHeight = minHeight
	for k := range c.votes {
		if k.height < minHeight {
			delete(c.votes, k)
		}
	}
}

// Evidence returns all collected evidence without clearing it.
func (c *EvidenceCollector) Evidence() []DoubleSignEvidence {
	return c.evidence
}

// DrainEvidence returns and clears all collected evidence.
func (c *EvidenceCollector) DrainEvidence() []DoubleSignEvidence {
	out := c.evidence
	c.evidence = nil
	return out
}

// TrackedVotes returns the number of votes currently tracked (for
// memory-bound observability).
func (c *EvidenceCollector) TrackedVotes() int {
	return len(c.votes)
}

// HasEvidenceAgainst reports whether any collected evidence implicates
// the given validator.
func (c *EvidenceCollector) HasEvidenceAgainst(id validator.Identity) bool {
	for _, e := range c.evidence {
		if e.Validator == id {
			return true
		}
	}
	return false
}
