// Package sync implements block catch-up: when a validator falls
// behind, it requests missing heights from connected peers, matches
// responses to outstanding requests, and retries on timeout against a
// possibly different peer. The syncer holds no opinion on block
// validity beyond an optional verifier hook — acceptance is the
// engine's and execution layer's call.
package sync

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/transport"
	"github.com/rechain/bftnode/internal/wire"
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

// Config carries the syncer's tunables.
type Config struct {
	MaxInFlight    int
	MaxRetries     uint32
	RequestTimeout time.Duration
	Transport      transport.Config
}

type pendingRequest struct {
	height   uint64
	peerID   validator.Identity
	addr     string
	sentAt   time.Time
	attempts uint32
}

// BlockVerifier checks a fetched block body before the syncer accepts
// it. A block that fails verification is treated as if it never
// arrived — the request stays pending for a future retry against a
// different peer.
type BlockVerifier interface {
	VerifyBlock(block *bft.ProposedBlock) bool
}

// Syncer orchestrates block catch-up across the known peer set. Safe
// for concurrent use.
type Syncer struct {
	mu       sync.Mutex
	peers    *peer.Manager
	config   Config
	verifier BlockVerifier

	pending   map[uint64]*pendingRequest
	completed map[uint64]bool
}

// NewSyncer builds a syncer over the given peer manager. verifier may
// be nil, in which case every response is accepted unconditionally.
func NewSyncer(peers *peer.Manager, config Config, verifier BlockVerifier) *Syncer {
	return &Syncer{
		peers:     peers,
		config:    config,
		verifier:  verifier,
		pending:   make(map[uint64]*pendingRequest),
		completed: make(map[uint64]bool),
	}
}

// InFlight reports the number of requests currently awaiting a response.
func (s *Syncer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsCompleted reports whether a height has already been fetched.
func (s *Syncer) IsCompleted(height uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[height]
}

// RequestRange dispatches BlockRequests for every height in [from, to]
// not already pending or completed, up to the configured in-flight
// cap. Returns the number of requests actually dispatched.
func (s *Syncer) RequestRange(from, to uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to < from {
		return 0
	}

	dispatched := 0
	count := to - from + 1
	for i := uint64(0); i < count; i++ {
		height := from + i
		if s.completed[height] {
			continue
		}
		if _, ok := s.pending[height]; ok {
			continue
		}
		if len(s.pending) >= s.config.MaxInFlight {
			log.Printf("sync: concurrency limit reached (%d), deferring height %d", s.config.MaxInFlight, height)
			break
		}
		if err := s.dispatchLocked(height); err == nil {
			dispatched++
		}
	}

	if dispatched > 0 {
		log.Printf("sync: dispatched %d block-sync requests (%d -> %d)", dispatched, from, to)
	}
	return dispatched
}

func (s *Syncer) dispatchLocked(height uint64) error {
	peerID, addr, err := s.pickPeerLocked()
	if err != nil {
		return err
	}

	env := wire.NewBlockRequest(height)
	if err := transport.Send(addr, env, s.config.Transport); err != nil {
		return fmt.Errorf("sync: requesting block %d from %s: %w", height, addr, err)
	}

	s.pending[height] = &pendingRequest{
		height:   height,
		peerID:   peerID,
		addr:     addr,
		sentAt:   time.Now(),
		attempts: 1,
	}
	return nil
}

// pickPeerLocked prefers connected active validators, falling back to
// any connected peer. Random selection; in a deployment with reliable
// latency samples this is the natural place to weight by them instead.
func (s *Syncer) pickPeerLocked() (validator.Identity, string, error) {
	candidates := s.peers.ConnectedValidators()
	if len(candidates) == 0 {
		candidates = s.peers.ConnectedPeers()
	}
	if len(candidates) == 0 {
		return validator.Identity{}, "", fmt.Errorf("sync: no connected peers available")
	}

	id := candidates[rand.Intn(len(candidates))]
	conn, ok := s.peers.GetPeer(id)
	if !ok {
		return validator.Identity{}, "", fmt.Errorf("sync: peer %s vanished mid-pick", id)
	}
	return id, conn.Info.Address, nil
}

// HandleResponse matches a received block to a pending request. Returns
// the block if accepted, or nil if the response was unsolicited or
// failed verification.
func (s *Syncer) HandleResponse(height uint64, block *bft.ProposedBlock) *bft.ProposedBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[height]; !ok {
		log.Printf("sync: unsolicited block response for height %d", height)
		return nil
	}

	if s.verifier != nil && !s.verifier.VerifyBlock(block) {
		log.Printf("sync: block %d failed verification, discarding", height)
		return nil
	}

	delete(s.pending, height)
	s.completed[height] = true
	return block
}

// RetryTimedOut finds pending requests whose dispatch age exceeds the
// configured timeout and retries them against a (possibly different)
// peer, incrementing the attempt count. Returns the heights that have
// now exceeded max retries or have no peer available and are declared
// permanently failed.
func (s *Syncer) RetryTimedOut() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timedOut []*pendingRequest
	for _, req := range s.pending {
		if time.Since(req.sentAt) > s.config.RequestTimeout {
			timedOut = append(timedOut, req)
		}
	}

	var permanentlyFailed []uint64
	for _, req := range timedOut {
		delete(s.pending, req.height)

		if req.attempts >= s.config.MaxRetries {
			log.Printf("sync: giving up on block %d after %d attempts", req.height, req.attempts)
			permanentlyFailed = append(permanentlyFailed, req.height)
			continue
		}

		peerID, addr, err := s.pickPeerLocked()
		if err != nil {
			log.Printf("sync: no peers available for retry of block %d", req.height)
			permanentlyFailed = append(permanentlyFailed, req.height)
			continue
		}

		env := wire.NewBlockRequest(req.height)
		if err := transport.Send(addr, env, s.config.Transport); err != nil {
			permanentlyFailed = append(permanentlyFailed, req.height)
			continue
		}

		s.pending[req.height] = &pendingRequest{
			height:   req.height,
			peerID:   peerID,
			addr:     addr,
			sentAt:   time.Now(),
			attempts: req.attempts + 1,
		}
	}

	return permanentlyFailed
}

// Reset clears all pending and completed tracking, for a fresh sync
// session after a restart.
func (s *Syncer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[uint64]*pendingRequest)
	s.completed = make(map[uint64]bool)
}
