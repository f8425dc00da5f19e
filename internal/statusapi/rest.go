// Package statusapi exposes read-only node status over HTTP and gRPC:
// health, consensus height/round/step, committed blocks, and the
// connected peer set. It has no write path — submitting transactions
// or objects is out of scope for a consensus node's status surface.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/storage"
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

// ConsensusStatus is the read-only slice of *bft.Engine the status API
// needs. Satisfied directly by *bft.Engine.
type ConsensusStatus interface {
	Height() uint64
	Round() int32
	Step() bft.Step
	Identity() validator.Identity
}

// Server serves node status over HTTP.
type Server struct {
	consensus  ConsensusStatus
	chain      *storage.ChainStore
	peers      *peer.Manager
	startTime  time.Time
	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds a status server over the given consensus engine,
// chain store, and peer manager.
func NewServer(consensus ConsensusStatus, chain *storage.ChainStore, peers *peer.Manager) *Server {
	srv := &Server{
		consensus: consensus,
		chain:     chain,
		peers:     peers,
		startTime: time.Now(),
		router:    mux.NewRouter(),
	}
	srv.routes()
	return srv
}

// Start begins serving on addr. Blocks until Stop or the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	log.Printf("status API starting on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/blocks/latest", s.handleLatestBlock).Methods("GET")
	s.router.HandleFunc("/blocks/{height:[0-9]+}", s.handleBlock).Methods("GET")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
}

func (s *Server) respond(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("statusapi: encoding response: %v", err)
		}
	}
}

func (s *Server) error(w http.ResponseWriter, err error, status int) {
	s.respond(w, map[string]string{"error": err.Error()}, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, map[string]interface{}{
		"status":     "healthy",
		"uptime_sec": int64(time.Since(s.startTime).Seconds()),
	}, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, _, err := s.chain.Height(r.Context())
	if err != nil {
		s.error(w, fmt.Errorf("reading chain height: %w", err), http.StatusInternalServerError)
		return
	}

	s.respond(w, map[string]interface{}{
		"identity":        s.consensus.Identity().String(),
		"consensus_round": s.consensus.Round(),
		"consensus_step":  s.consensus.Step().String(),
		"voting_height":   s.consensus.Height(),
		"committed_height": height,
		"peer_count":      s.peers.ConnectedCount(),
	}, http.StatusOK)
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	height, ok, err := s.chain.Height(r.Context())
	if err != nil {
		s.error(w, fmt.Errorf("reading chain height: %w", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		s.respond(w, map[string]string{"message": "no committed blocks yet"}, http.StatusOK)
		return
	}
	s.writeBlock(w, r, height)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.error(w, err, http.StatusBadRequest)
		return
	}
	s.writeBlock(w, r, height)
}

func (s *Server) writeBlock(w http.ResponseWriter, r *http.Request, height uint64) {
	block, err := s.chain.GetBlock(r.Context(), height)
	if err != nil {
		s.error(w, fmt.Errorf("reading block %d: %w", height, err), http.StatusInternalServerError)
		return
	}
	if block == nil {
		s.error(w, fmt.Errorf("block %d not found", height), http.StatusNotFound)
		return
	}
	s.respond(w, block, http.StatusOK)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	ids := s.peers.ConnectedPeers()
	peers := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		conn, ok := s.peers.GetPeer(id)
		if !ok {
			continue
		}
		peers = append(peers, map[string]interface{}{
			"id":      id.String(),
			"address": conn.Info.Address,
		})
	}
	s.respond(w, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	}, http.StatusOK)
}
