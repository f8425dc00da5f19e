// Package discovery announces this node's consensus-transport address
// to a libp2p overlay and folds announcements received from other
// nodes into the peer manager. It carries no consensus traffic itself
// — the raw framed TCP transport in internal/transport does that; this
// package only answers "who is out there and where do I reach them."
package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/wire"
)

const announceProtocol = protocol.ID("/bftnode/discovery/1.0.0")

// Config carries the discovery service's tunables.
type Config struct {
	ListenAddr     string
	AnnounceEvery  time.Duration
	Self           wire.PeerAnnounce
	BootstrapPeers []string
}

// Discovery runs a libp2p host that exchanges peer announcements with
// a bootstrap set and feeds the results into a peer.Manager.
type Discovery struct {
	host   host.Host
	peers  *peer.Manager
	config Config

	mu          sync.Mutex
	libp2pPeers map[libp2ppeer.ID]struct{}
	quit        chan struct{}
}

// New starts a libp2p host listening on config.ListenAddr and wires
// its announce stream handler to peers.
func New(config Config, peers *peer.Manager) (*Discovery, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(config.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("discovery: creating libp2p host: %w", err)
	}

	d := &Discovery{
		host:        h,
		peers:       peers,
		config:      config,
		libp2pPeers: make(map[libp2ppeer.ID]struct{}),
		quit:        make(chan struct{}),
	}
	h.SetStreamHandler(announceProtocol, d.handleStream)

	log.Printf("discovery: libp2p host %s listening on %s", h.ID(), config.ListenAddr)
	return d, nil
}

// Start connects to every bootstrap peer and begins periodic
// re-announcement. Blocks until Stop is called.
func (d *Discovery) Start() error {
	for _, addr := range d.config.BootstrapPeers {
		if err := d.Connect(addr); err != nil {
			log.Printf("discovery: bootstrap connect to %s failed: %v", addr, err)
		}
	}

	interval := d.config.AnnounceEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.quit:
			return nil
		case <-ticker.C:
			d.announceToAll()
		}
	}
}

// Stop shuts the discovery host down.
func (d *Discovery) Stop() error {
	close(d.quit)
	return d.host.Close()
}

// Connect dials a bootstrap peer given as a libp2p multiaddr and sends
// it our announcement over the discovery protocol.
func (d *Discovery) Connect(peerAddr string) error {
	addr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("discovery: invalid peer address %q: %w", peerAddr, err)
	}

	info, err := libp2ppeer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("discovery: parsing peer info: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("discovery: connecting to %s: %w", info.ID, err)
	}

	d.mu.Lock()
	d.libp2pPeers[info.ID] = struct{}{}
	d.mu.Unlock()

	return d.announce(ctx, info.ID)
}

func (d *Discovery) announceToAll() {
	d.mu.Lock()
	ids := make([]libp2ppeer.ID, 0, len(d.libp2pPeers))
	for id := range d.libp2pPeers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.announce(ctx, id); err != nil {
			log.Printf("discovery: announce to %s failed: %v", id, err)
		}
		cancel()
	}
}

func (d *Discovery) announce(ctx context.Context, id libp2ppeer.ID) error {
	stream, err := d.host.NewStream(ctx, id, announceProtocol)
	if err != nil {
		return fmt.Errorf("discovery: opening stream: %w", err)
	}
	defer stream.Close()

	return json.NewEncoder(stream).Encode(d.config.Self)
}

func (d *Discovery) handleStream(stream libp2pnetwork.Stream) {
	defer stream.Close()

	var announce wire.PeerAnnounce
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&announce); err != nil {
		log.Printf("discovery: decoding announcement from %s: %v", stream.Conn().RemotePeer(), err)
		return
	}

	if err := d.peers.AddPeer(peer.Info{
		Identity:        announce.Identity,
		Address:         announce.Address,
		Stake:           announce.Stake,
		ActiveValidator: announce.ActiveValidator,
	}); err != nil {
		log.Printf("discovery: recording peer %s: %v", announce.Identity, err)
		return
	}
	if err := d.peers.MarkConnected(announce.Identity); err != nil {
		log.Printf("discovery: marking %s connected: %v", announce.Identity, err)
	}

	d.mu.Lock()
	d.libp2pPeers[stream.Conn().RemotePeer()] = struct{}{}
	d.mu.Unlock()
}

// HostID exposes this node's libp2p peer id, used to build its own
// multiaddr for bootstrap configuration on other nodes.
func (d *Discovery) HostID() string {
	return d.host.ID().String()
}
