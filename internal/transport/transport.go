// Package transport implements the raw, length-prefixed TCP transport
// that carries wire envelopes between validators: a listener that
// accepts connections and decodes framed envelopes onto an inbound
// channel, plus unicast send and concurrent broadcast helpers.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/rechain/bftnode/internal/wire"
)

// Config carries the transport's tunables.
type Config struct {
	BindAddr          string
	MaxMessageSize    int
	ChannelBufferSize int
	DialTimeout       time.Duration
}

// Inbound pairs a decoded envelope with the address it arrived from.
type Inbound struct {
	Envelope wire.Envelope
	From     string
}

// Listener accepts TCP connections, decodes framed envelopes from
// each, and delivers them on a shared inbound channel.
type Listener struct {
	config  Config
	ln      net.Listener
	inbound chan Inbound
	wg      sync.WaitGroup
}

// Listen binds config.BindAddr and starts accepting connections in the
// background. Call Close to stop accepting and release the port.
func Listen(config Config) (*Listener, error) {
	ln, err := net.Listen("tcp", config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: binding %s: %w", config.BindAddr, err)
	}

	l := &Listener{
		config:  config,
		ln:      ln,
		inbound: make(chan Inbound, config.ChannelBufferSize),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the address the listener is bound to (useful when the
// configured port is 0).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Inbound returns the channel every decoded envelope is delivered on.
func (l *Listener) Inbound() <-chan Inbound { return l.inbound }

// Close stops accepting new connections. In-flight connection readers
// finish their current frame and then exit once the listener closes.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	close(l.inbound)
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("transport: accept error: %v", err)
			return
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	for {
		env, err := wire.Decode(conn, l.config.MaxMessageSize)
		if err != nil {
			var malformed *wire.ErrMalformedPayload
			if errors.As(err, &malformed) {
				log.Printf("transport: dropping malformed message from %s: %v", addr, err)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("transport: closing connection to %s: %v", addr, err)
			}
			return
		}

		// A full channel blocks this reader, which in turn applies TCP
		// flow control to the peer — the intended backpressure path.
		l.inbound <- Inbound{Envelope: env, From: addr}
	}
}

// Send delivers a single framed envelope to addr over a fresh
// connection.
func Send(addr string, env wire.Envelope, config Config) error {
	conn, err := net.DialTimeout("tcp", addr, config.DialTimeout)
	if err != nil {
		return fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	defer conn.Close()
	return SendOnConn(conn, env, config.MaxMessageSize)
}

// SendOnConn writes a single framed envelope to an existing
// connection, leaving it open for reuse by the caller.
func SendOnConn(conn net.Conn, env wire.Envelope, maxMessageSize int) error {
	if err := wire.Encode(conn, env, maxMessageSize); err != nil {
		return fmt.Errorf("transport: sending to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

// Failure records a per-address broadcast failure.
type Failure struct {
	Addr string
	Err  error
}

// Broadcast sends env to every address in addrs concurrently,
// returning the list of addresses that failed.
func Broadcast(addrs []string, env wire.Envelope, config Config) []Failure {
	var (
		mu       sync.Mutex
		failures []Failure
		wg       sync.WaitGroup
	)

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := Send(addr, env, config); err != nil {
				mu.Lock()
				failures = append(failures, Failure{Addr: addr, Err: err})
				mu.Unlock()
			}
		}(addr)
	}

	wg.Wait()
	return failures
}
