// Package peer tracks known validators on the consensus network: who
// they are, whether we are currently connected to them, and rough
// liveness/latency signals used by the syncer's peer-pick heuristic.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rechain/bftnode/pkg/validator"
)

const latencyAlpha = 0.3
const initialScore = 100.0

// ErrUnknownPeer is returned by operations targeting an identity the
// manager has never seen.
var ErrUnknownPeer = errors.New("peer: unknown peer")

// Info is a peer's static identity and network address, as announced
// over the wire.
type Info struct {
	Identity        validator.Identity
	Address         string
	Stake           uint64
	ActiveValidator bool
}

// Connection is per-peer bookkeeping: liveness, counters, and an
// informational score. Score is carried for observability and future
// peer-selection tuning; nothing in this tree currently decays or acts
// on it beyond exposing it.
type Connection struct {
	Info             Info
	LastSeen         time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	LatencyMillis    float64
	Connected        bool
	Score            float64
}

func newConnection(info Info) *Connection {
	return &Connection{Info: info, LastSeen: time.Now(), Score: initialScore}
}

// RecordReceived notes an inbound message and refreshes last-seen.
func (c *Connection) RecordReceived() {
	c.MessagesReceived++
	c.LastSeen = time.Now()
}

// RecordSent notes an outbound message.
func (c *Connection) RecordSent() {
	c.MessagesSent++
}

// UpdateLatency folds a new round-trip sample into the EWMA.
func (c *Connection) UpdateLatency(sampleMillis float64) {
	if c.LatencyMillis == 0 {
		c.LatencyMillis = sampleMillis
		return
	}
	c.LatencyMillis = latencyAlpha*sampleMillis + (1-latencyAlpha)*c.LatencyMillis
}

// SilenceSince reports how long it has been since this peer was last
// heard from.
func (c *Connection) SilenceSince() time.Duration {
	return time.Since(c.LastSeen)
}

// Manager is the single source of truth for "who are we talking to?".
// It is safe for concurrent use — every operation is guarded by an
// internal mutex held for its duration.
type Manager struct {
	mu               sync.RWMutex
	peers            map[validator.Identity]*Connection
	activeValidators map[validator.Identity]bool
	maxPeers         int
	peerTimeout      time.Duration
}

// NewManager builds an empty manager with the given peer cap and
// stale-eviction timeout.
func NewManager(maxPeers int, peerTimeout time.Duration) *Manager {
	return &Manager{
		peers:            make(map[validator.Identity]*Connection),
		activeValidators: make(map[validator.Identity]bool),
		maxPeers:         maxPeers,
		peerTimeout:      peerTimeout,
	}
}

// PeerCount returns the number of known peers, connected or not.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// ConnectedCount returns the number of peers currently marked connected.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.peers {
		if c.Connected {
			n++
		}
	}
	return n
}

// AddPeer registers a newly discovered peer, or updates an existing
// one's info in place (a re-announce). Returns an error if the peer is
// new and the manager is already at its configured cap.
func (m *Manager) AddPeer(info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[info.Identity]; ok {
		existing.Info = info
		m.setActive(info.Identity, info.ActiveValidator)
		return nil
	}

	if len(m.peers) >= m.maxPeers {
		return fmt.Errorf("peer: max peers (%d) reached", m.maxPeers)
	}

	m.peers[info.Identity] = newConnection(info)
	m.setActive(info.Identity, info.ActiveValidator)
	return nil
}

func (m *Manager) setActive(id validator.Identity, active bool) {
	if active {
		m.activeValidators[id] = true
	} else {
		delete(m.activeValidators, id)
	}
}

// RemovePeer drops a peer entirely.
func (m *Manager) RemovePeer(id validator.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	delete(m.activeValidators, id)
}

// MarkConnected flags a known peer as connected and refreshes its
// last-seen timestamp.
func (m *Manager) MarkConnected(id validator.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	conn.Connected = true
	conn.LastSeen = time.Now()
	return nil
}

// MarkDisconnected flags a known peer as disconnected. A no-op if the
// peer is unknown.
func (m *Manager) MarkDisconnected(id validator.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.peers[id]; ok {
		conn.Connected = false
	}
}

// GetPeer returns a snapshot copy of a peer's connection state.
func (m *Manager) GetPeer(id validator.Identity) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.peers[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// ConnectedValidators returns the identities of connected, currently
// active validators.
func (m *Manager) ConnectedValidators() []validator.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []validator.Identity
	for id, conn := range m.peers {
		if conn.Connected && m.activeValidators[id] {
			out = append(out, id)
		}
	}
	return out
}

// ConnectedPeers returns the identities of every connected peer,
// validator or not.
func (m *Manager) ConnectedPeers() []validator.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []validator.Identity
	for id, conn := range m.peers {
		if conn.Connected {
			out = append(out, id)
		}
	}
	return out
}

// UpdateActiveValidators replaces the active-validator subset wholesale
// — called at epoch boundaries.
func (m *Manager) UpdateActiveValidators(ids []validator.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make(map[validator.Identity]bool, len(ids))
	for _, id := range ids {
		fresh[id] = true
	}
	m.activeValidators = fresh
}

// EvictStalePeers marks every connected peer silent beyond the
// configured timeout as disconnected, returning their identities.
func (m *Manager) EvictStalePeers() []validator.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []validator.Identity
	for id, conn := range m.peers {
		if conn.Connected && conn.SilenceSince() > m.peerTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.peers[id].Connected = false
	}
	return stale
}
