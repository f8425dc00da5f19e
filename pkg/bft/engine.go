package bft

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/rechain/bftnode/pkg/proposer"
	"github.com/rechain/bftnode/pkg/validator"
)

// Signer produces and checks signatures over message digests. Side
// effect free from the engine's standpoint.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Verify(digest, sig []byte, id validator.Identity) bool
}

// BlockProducer builds a proposed block body for a height. Pure from
// the engine's standpoint — it never observes consensus state.
type BlockProducer interface {
	Propose(height uint64, parentHash Hash, proposer validator.Identity) (*ProposedBlock, error)
}

// EngineConfig carries the engine's tunables.
type EngineConfig struct {
	FinalityThreshold float64
	EvidenceHorizon   uint64 // heights of slack before pruning old votes
	Timeouts          TimeoutConfig
}

// EngineOutput is returned by every engine entrypoint: outbound
// messages to broadcast, an optional committed block, a flag noting a
// commit happened this call, and an optional hash the engine needs a
// block body for before it can complete a pending commit.
type EngineOutput struct {
	Messages       []Message
	Committed      *CommittedBlock
	CommitOccurred bool
	NeedBlock      *Hash
}

type pendingCommitState struct {
	value Hash
	round int32
}

// Engine is the three-phase BFT state machine for a single validator.
// It owns configuration, identity, a (mutable) validator-set
// reference, an evidence collector, a timeout scheduler, and exactly
// one per-height state record. It is not safe for concurrent use —
// callers (the service loop) must serialize access.
type Engine struct {
	config     EngineConfig
	identity   validator.Identity
	validators *validator.Set
	evidence   *EvidenceCollector
	timeouts   *TimeoutScheduler
	signer     Signer
	producer   BlockProducer

	state         *HeightState
	blocks        map[Hash]*ProposedBlock
	precommitSigs map[validator.Identity][]byte
	pendingCommit *pendingCommitState
	parentHash    Hash
}

// NewEngine builds an engine. genesisParentHash seeds the parent hash
// used for the very first proposal this node builds.
func NewEngine(config EngineConfig, identity validator.Identity, validators *validator.Set, signer Signer, producer BlockProducer, genesisParentHash Hash) *Engine {
	return &Engine{
		config:     config,
		identity:   identity,
		validators: validators,
		evidence:   NewEvidenceCollector(),
		timeouts:   NewTimeoutScheduler(config.Timeouts),
		signer:     signer,
		producer:   producer,
		parentHash: genesisParentHash,
	}
}

// UpdateValidatorSet swaps in a new validator set, applied by the
// service loop between heights (epoch boundary).
func (e *Engine) UpdateValidatorSet(set *validator.Set) { e.validators = set }

// Identity returns this node's identity.
func (e *Engine) Identity() validator.Identity { return e.identity }

// Height, Round, Step expose current per-height state for
// observability and tests.
func (e *Engine) Height() uint64 { return e.state.Height }
func (e *Engine) Round() int32   { return e.state.Round }
func (e *Engine) Step() Step     { return e.state.Step }

// TimeToNextTimeout reports how long until the active timer expires,
// if one is armed.
func (e *Engine) TimeToNextTimeout() (time.Duration, bool) {
	if _, ok := e.timeouts.ActiveStep(); !ok {
		return 0, false
	}
	return e.timeouts.Remaining(), true
}

// DrainEvidence hands collected double-sign evidence to the caller
// (the slashing consumer), clearing it from the engine.
func (e *Engine) DrainEvidence() []DoubleSignEvidence {
	return e.evidence.DrainEvidence()
}

// StartNewHeight resets per-height state and, if we are the round-0
// proposer, builds and emits a proposal; otherwise it arms the
// Propose timeout and waits.
func (e *Engine) StartNewHeight(h uint64) EngineOutput {
	e.state = NewHeightState(h)
	e.blocks = make(map[Hash]*ProposedBlock)
	e.precommitSigs = make(map[validator.Identity][]byte)
	e.pendingCommit = nil
	e.timeouts.Cancel()

	if h > e.config.EvidenceHorizon {
		e.evidence.Prune(h - e.config.EvidenceHorizon)
	}

	output := EngineOutput{}
	e.state.Step = StepPropose

	if !proposer.IsProposer(e.validators, h, 0, e.identity) {
		e.timeouts.Start(StepPropose, 0)
		return output
	}

	block, err := e.producer.Propose(h, e.parentHash, e.identity)
	if err != nil {
		log.Printf("bft: block production failed at height %d: %v", h, err)
		e.timeouts.Start(StepPropose, 0)
		return output
	}
	block.Height = h

	msg := e.buildProposalMessage(block, nil)
	output.Messages = append(output.Messages, msg)
	e.applyProposal(msg, &output)
	return output
}

// HandleMessage dispatches an inbound message by kind. Every vote is
// also passed to the evidence collector, regardless of whether it
// matches the engine's current height/round.
func (e *Engine) HandleMessage(m Message) EngineOutput {
	output := EngineOutput{}

	if m.Kind != MessageProposal {
		e.evidence.CheckAndRecord(m)
	}

	if e.state == nil || m.Height != e.state.Height || m.Round != e.state.Round {
		return output
	}

	switch m.Kind {
	case MessageProposal:
		if e.state.Step != StepPropose {
			return output
		}
		if !proposer.IsProposer(e.validators, m.Height, m.Round, m.Voter) {
			return output
		}
		if !e.verifyProposalSignature(m) {
			return output
		}
		e.applyProposal(m, &output)
	case MessagePrevote:
		if !e.verifyVoteSignature(m) {
			return output
		}
		e.applyPrevote(m, &output)
	case MessagePrecommit:
		if !e.verifyVoteSignature(m) {
			return output
		}
		e.applyPrecommit(m, &output)
	}
	return output
}

// CheckTimeouts invokes the step-specific timeout handler if the
// active timer has expired.
func (e *Engine) CheckTimeouts() EngineOutput {
	output := EngineOutput{}
	step, expired := e.timeouts.CheckExpired()
	if !expired {
		return output
	}

	switch step {
	case StepPropose:
		e.timeouts.Cancel()
		nilPrevote := e.buildVote(MessagePrevote, nil)
		output.Messages = append(output.Messages, nilPrevote)
		e.state.Step = StepPrevote
		e.timeouts.Start(StepPrevote, e.state.Round)
		e.applyPrevote(nilPrevote, &output)
	case StepPrevote:
		e.timeouts.Cancel()
		nilPrecommit := e.buildVote(MessagePrecommit, nil)
		output.Messages = append(output.Messages, nilPrecommit)
		e.state.Step = StepPrecommit
		e.timeouts.Start(StepPrecommit, e.state.Round)
		e.applyPrecommit(nilPrecommit, &output)
	case StepPrecommit:
		e.timeouts.Cancel()
		e.startNewRound(&output)
	}
	return output
}

// ReceiveBlock hands the engine a block body it previously needed to
// complete a pending commit (fetched via the syncer). If it matches a
// pending commit, the commit completes now.
func (e *Engine) ReceiveBlock(block *ProposedBlock) EngineOutput {
	output := EngineOutput{}
	h := block.Hash()
	e.blocks[h] = block
	if e.pendingCommit != nil && e.pendingCommit.value == h {
		e.tryCommit(h, e.pendingCommit.round, &output)
	}
	return output
}

// ── internals ────────────────────────────────────────────────────────────

func (e *Engine) quorum() uint64 {
	return e.validators.QuorumStake(e.config.FinalityThreshold)
}

func stakeSum(set *validator.Set, votes map[validator.Identity]*Hash, matcher func(*Hash) bool) uint64 {
	var sum uint64
	for voter, h := range votes {
		if matcher(h) {
			sum += set.StakeOf(voter)
		}
	}
	return sum
}

// findPolka reports the quorum-backed value among votes, if any.
// found=true, value=nil means a nil polka; found=true, value!=nil
// means a polka for that value; found=false means no polka yet.
func (e *Engine) findPolka(votes map[validator.Identity]*Hash) (value *Hash, found bool) {
	nilSum := stakeSum(e.validators, votes, func(h *Hash) bool { return h == nil })
	if nilSum >= e.quorum() {
		return nil, true
	}
	seen := map[Hash]bool{}
	for _, h := range votes {
		if h == nil || seen[*h] {
			continue
		}
		seen[*h] = true
		sum := stakeSum(e.validators, votes, func(x *Hash) bool { return x != nil && *x == *h })
		if sum >= e.quorum() {
			return h, true
		}
	}
	return nil, false
}

func (e *Engine) applyProposal(m Message, output *EngineOutput) {
	block := m.Block
	h := block.Hash()
	e.blocks[h] = block
	e.state.Proposal = &m

	allow := e.state.LockedValue == nil || (e.state.LockedValue != nil && *e.state.LockedValue == h)
	if !allow && m.ValidRound != nil && e.state.ValidValue != nil && *e.state.ValidValue == h &&
		e.state.ValidRound != nil && *e.state.ValidRound == *m.ValidRound &&
		(e.state.LockedRound == nil || *m.ValidRound > *e.state.LockedRound) {
		allow = true
	}

	var voteHash *Hash
	if allow {
		hv := h
		voteHash = &hv
	}

	e.state.Step = StepPrevote
	e.timeouts.Start(StepPrevote, e.state.Round)

	prevote := e.buildVote(MessagePrevote, voteHash)
	output.Messages = append(output.Messages, prevote)
	e.applyPrevote(prevote, output)
}

func (e *Engine) applyPrevote(m Message, output *EngineOutput) {
	e.state.Prevotes[m.Voter] = m.BlockHash

	value, found := e.findPolka(e.state.Prevotes)
	if !found {
		return
	}

	if value != nil {
		e.state.ValidValue = value
		r := e.state.Round
		e.state.ValidRound = &r
	}

	if e.state.Step != StepPrevote {
		return
	}

	if value != nil {
		lv := *value
		e.state.LockedValue = &lv
		lr := e.state.Round
		e.state.LockedRound = &lr
	}

	e.state.Step = StepPrecommit
	e.timeouts.Start(StepPrecommit, e.state.Round)

	precommit := e.buildVote(MessagePrecommit, value)
	output.Messages = append(output.Messages, precommit)
	e.applyPrecommit(precommit, output)
}

func (e *Engine) applyPrecommit(m Message, output *EngineOutput) {
	e.state.Precommits[m.Voter] = m.BlockHash
	if m.Signature != nil {
		e.precommitSigs[m.Voter] = m.Signature
	}

	seen := map[Hash]bool{}
	for _, h := range e.state.Precommits {
		if h == nil || seen[*h] {
			continue
		}
		seen[*h] = true
		sum := stakeSum(e.validators, e.state.Precommits, func(x *Hash) bool { return x != nil && *x == *h })
		if sum >= e.quorum() {
			e.tryCommit(*h, e.state.Round, output)
			return
		}
	}

	total := stakeSum(e.validators, e.state.Precommits, func(*Hash) bool { return true })
	if total >= e.quorum() && e.state.Step == StepPrecommit {
		e.startNewRound(output)
	}
}

func (e *Engine) tryCommit(v Hash, round int32, output *EngineOutput) {
	block, ok := e.blocks[v]
	if !ok {
		e.pendingCommit = &pendingCommitState{value: v, round: round}
		h := v
		output.NeedBlock = &h
		return
	}

	var sigs []CommitSignature
	for voter, h := range e.state.Precommits {
		if h != nil && *h == v {
			sigs = append(sigs, CommitSignature{Voter: voter, Signature: e.precommitSigs[voter]})
		}
	}

	committed := CommittedBlock{Block: *block, CommitRound: round, CommitSignatures: sigs}
	e.state.Step = StepCommit
	e.parentHash = v
	e.pendingCommit = nil
	output.Committed = &committed
	output.CommitOccurred = true
}

func (e *Engine) startNewRound(output *EngineOutput) {
	newRound := e.state.Round + 1
	e.state.AdvanceRound(newRound)
	e.precommitSigs = make(map[validator.Identity][]byte)
	e.state.Step = StepPropose

	if !proposer.IsProposer(e.validators, e.state.Height, newRound, e.identity) {
		e.timeouts.Start(StepPropose, newRound)
		return
	}

	var block *ProposedBlock
	var validRound *int32
	if e.state.ValidValue != nil {
		if b, ok := e.blocks[*e.state.ValidValue]; ok {
			block = b
			vr := *e.state.ValidRound
			validRound = &vr
		}
	}

	if block == nil {
		b, err := e.producer.Propose(e.state.Height, e.parentHash, e.identity)
		if err != nil {
			log.Printf("bft: block production failed at height %d round %d: %v", e.state.Height, newRound, err)
			e.timeouts.Start(StepPropose, newRound)
			return
		}
		b.Height = e.state.Height
		block = b
	}

	msg := e.buildProposalMessage(block, validRound)
	output.Messages = append(output.Messages, msg)
	e.applyProposal(msg, output)
}

func (e *Engine) buildVote(kind MessageKind, hash *Hash) Message {
	digest := voteDigest(e.state.Height, e.state.Round, kind, hash)
	sig, err := e.signer.Sign(digest)
	if err != nil {
		log.Printf("bft: signing vote failed: %v", err)
	}
	return Message{
		Kind:      kind,
		Height:    e.state.Height,
		Round:     e.state.Round,
		Voter:     e.identity,
		BlockHash: hash,
		Signature: sig,
	}
}

func (e *Engine) buildProposalMessage(block *ProposedBlock, validRound *int32) Message {
	h := block.Hash()
	m := Message{
		Kind:       MessageProposal,
		Height:     e.state.Height,
		Round:      e.state.Round,
		Voter:      e.identity,
		Block:      block,
		BlockHash:  &h,
		ValidRound: validRound,
	}
	digest := proposalDigest(m)
	sig, err := e.signer.Sign(digest)
	if err != nil {
		log.Printf("bft: signing proposal failed: %v", err)
	}
	m.Signature = sig
	return m
}

func (e *Engine) verifyVoteSignature(m Message) bool {
	digest := voteDigest(m.Height, m.Round, m.Kind, m.BlockHash)
	return e.signer.Verify(digest, m.Signature, m.Voter)
}

func (e *Engine) verifyProposalSignature(m Message) bool {
	if m.Block == nil {
		return false
	}
	digest := proposalDigest(m)
	return e.signer.Verify(digest, m.Signature, m.Voter)
}

func voteDigest(height uint64, round int32, kind MessageKind, hash *Hash) []byte {
	buf := make([]byte, 0, 8+4+1+1+32)
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], height)
	buf = append(buf, hb[:]...)

	var rb [4]byte
	binary.LittleEndian.PutUint32(rb[:], uint32(round))
	buf = append(buf, rb[:]...)

	buf = append(buf, byte(kind))

	if hash == nil {
		buf = append(buf, 0)
		buf = append(buf, make([]byte, 32)...)
	} else {
		buf = append(buf, 1)
		buf = append(buf, hash[:]...)
	}
	return buf
}

func proposalDigest(m Message) []byte {
	h := m.Block.Hash()
	buf := make([]byte, 0, 8+4+32)
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], m.Height)
	buf = append(buf, hb[:]...)

	var rb [4]byte
	binary.LittleEndian.PutUint32(rb[:], uint32(m.Round))
	buf = append(buf, rb[:]...)

	buf = append(buf, h[:]...)
	return buf
}
