// Package service runs the BFT consensus event loop: it owns the
// engine exclusively, feeds it inbound messages and timeouts, and
// broadcasts whatever the engine emits back out over the transport.
package service

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/sync"
	"github.com/rechain/bftnode/internal/transport"
	"github.com/rechain/bftnode/internal/wire"
	"github.com/rechain/bftnode/pkg/bft"
)

// timeoutPollInterval bounds how long the loop ever waits without
// checking for a shutdown request, even when the engine reports no
// pending timeout.
const timeoutPollInterval = 50 * time.Millisecond

// maintenanceInterval is how often the loop retries timed-out sync
// requests and evicts stale peers, independent of consensus activity.
const maintenanceInterval = 1 * time.Second

// Config carries the service's tunables.
type Config struct {
	// BlockTime is the target spacing between heights. After a commit
	// the service sleeps for half of it before starting the next
	// height, mirroring the engine's own round-scaled pacing.
	BlockTime time.Duration
	// StartHeight is the height the loop begins at, usually the
	// latest committed height plus one.
	StartHeight uint64
	// OnCommit, if set, is called synchronously from the consensus
	// loop with every block the engine commits, in height order.
	// Used to persist blocks to the chain store and, optionally, an
	// archive sink. It runs on the same goroutine as Run, so it must
	// not block on anything that depends on the consensus loop making
	// further progress.
	OnCommit func(*bft.CommittedBlock)
	// OnSyncStatus, if set, is called on every maintenance tick with
	// the syncer's current in-flight request count. Used to reflect
	// catch-up progress onto the status gRPC health service.
	OnSyncStatus func(inFlight int)
}

// Service drives the consensus engine from a single goroutine. The
// engine is not safe for concurrent mutation by design — Run is the
// engine's only caller for the lifetime of the service.
type Service struct {
	engine       *bft.Engine
	syncer       *sync.Syncer
	peers        *peer.Manager
	transportCfg transport.Config
	config       Config
	inbound      <-chan transport.Inbound

	stopped int32
}

// New builds a service. inbound is the channel decoded network
// envelopes arrive on, typically a transport.Listener's Inbound().
func New(engine *bft.Engine, syncer *sync.Syncer, peers *peer.Manager, transportCfg transport.Config, inbound <-chan transport.Inbound, config Config) *Service {
	return &Service{
		engine:       engine,
		syncer:       syncer,
		peers:        peers,
		transportCfg: transportCfg,
		config:       config,
		inbound:      inbound,
	}
}

// Stop requests a cooperative shutdown. Run returns once it next
// checks the flag — at most one poll interval later.
func (s *Service) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
}

// Run is the main consensus loop. It blocks until Stop is called or
// the inbound channel is closed.
func (s *Service) Run() {
	log.Printf("service: starting at height %d (identity %s)", s.config.StartHeight, s.engine.Identity())

	height := s.config.StartHeight
	s.handleOutput(s.engine.StartNewHeight(height), &height)

	maintenance := time.NewTicker(maintenanceInterval)
	defer maintenance.Stop()

	for {
		if atomic.LoadInt32(&s.stopped) == 1 {
			log.Printf("service: stop requested, shutting down")
			return
		}

		wait := timeoutPollInterval
		if d, ok := s.engine.TimeToNextTimeout(); ok && d < wait {
			wait = d
		}

		select {
		case in, ok := <-s.inbound:
			if !ok {
				log.Printf("service: inbound channel closed, shutting down")
				return
			}
			s.dispatchInbound(in, &height)

		case <-maintenance.C:
			s.runMaintenance()

		case <-time.After(wait):
			s.handleOutput(s.engine.CheckTimeouts(), &height)
		}
	}
}

// runMaintenance retries sync requests that have aged past their
// timeout and evicts peers that have gone silent, independent of
// whatever the consensus engine is doing at a given moment.
func (s *Service) runMaintenance() {
	if failed := s.syncer.RetryTimedOut(); len(failed) > 0 {
		log.Printf("service: sync gave up on heights %v after exhausting retries", failed)
	}
	if evicted := s.peers.EvictStalePeers(); len(evicted) > 0 {
		log.Printf("service: evicted stale peers %v", evicted)
	}
	if s.config.OnSyncStatus != nil {
		s.config.OnSyncStatus(s.syncer.InFlight())
	}
}

func (s *Service) dispatchInbound(in transport.Inbound, height *uint64) {
	env := in.Envelope
	switch env.Kind {
	case wire.KindConsensus:
		if env.Consensus == nil {
			return
		}
		s.handleOutput(s.engine.HandleMessage(*env.Consensus), height)

	case wire.KindBlockData:
		if env.Block == nil {
			return
		}
		s.handleOutput(s.engine.ReceiveBlock(env.Block), height)

	case wire.KindBlockResponse:
		if env.BlockResponse == nil || env.BlockResponse.Block == nil {
			return
		}
		block := s.syncer.HandleResponse(env.BlockResponse.Height, env.BlockResponse.Block)
		if block != nil {
			s.handleOutput(s.engine.ReceiveBlock(block), height)
		}

	case wire.KindPeerAnnounce:
		if env.Peer == nil {
			return
		}
		if err := s.peers.AddPeer(peer.Info{
			Identity:        env.Peer.Identity,
			Address:         env.Peer.Address,
			Stake:           env.Peer.Stake,
			ActiveValidator: env.Peer.ActiveValidator,
		}); err != nil {
			log.Printf("service: registering announced peer %s: %v", in.From, err)
			return
		}
		if err := s.peers.MarkConnected(env.Peer.Identity); err != nil {
			log.Printf("service: marking peer %s connected: %v", in.From, err)
		}

	default:
		// Block requests and heartbeats are answered by other
		// components (the syncer's request side, the discovery
		// layer); nothing for the consensus loop to do with them.
	}
}

// handleOutput broadcasts whatever the engine produced, requests any
// missing block body, and — on commit — advances to the next height.
func (s *Service) handleOutput(output bft.EngineOutput, height *uint64) {
	s.broadcastMessages(output.Messages)

	if output.NeedBlock != nil {
		s.syncer.RequestRange(*height, *height)
	}

	if !output.CommitOccurred {
		return
	}

	log.Printf("service: committed block at height %d", *height)
	if output.Committed != nil && s.config.OnCommit != nil {
		s.config.OnCommit(output.Committed)
	}
	*height++

	// Brief pause to respect the target block time; a production
	// scheduler would account for time already spent this height.
	if s.config.BlockTime > 0 {
		time.Sleep(s.config.BlockTime / 2)
	}

	next := s.engine.StartNewHeight(*height)
	s.broadcastMessages(next.Messages)
	if next.NeedBlock != nil {
		s.syncer.RequestRange(*height, *height)
	}
}

func (s *Service) broadcastMessages(msgs []bft.Message) {
	if len(msgs) == 0 {
		return
	}
	addrs := s.peerAddrs()
	if len(addrs) == 0 {
		return
	}
	for _, m := range msgs {
		env := wire.NewConsensus(m)
		for _, f := range transport.Broadcast(addrs, env, s.transportCfg) {
			log.Printf("service: broadcasting to %s: %v", f.Addr, f.Err)
		}
	}
}

func (s *Service) peerAddrs() []string {
	ids := s.peers.ConnectedPeers()
	addrs := make([]string, 0, len(ids))
	for _, id := range ids {
		if conn, ok := s.peers.GetPeer(id); ok {
			addrs = append(addrs, conn.Info.Address)
		}
	}
	return addrs
}
