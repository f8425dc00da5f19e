package transport

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/bftnode/internal/wire"
	"github.com/rechain/bftnode/pkg/validator"
)

func testConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:0",
		MaxMessageSize:    wire.DefaultMaxPayloadSize,
		ChannelBufferSize: 8,
		DialTimeout:       2 * time.Second,
	}
}

func recvWithTimeout(t *testing.T, l *Listener) Inbound {
	t.Helper()
	select {
	case in := <-l.Inbound():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return Inbound{}
	}
}

func TestListenerReceivesSentEnvelope(t *testing.T) {
	cfg := testConfig()
	l, err := Listen(cfg)
	require.NoError(t, err)
	defer l.Close()

	var id validator.Identity
	id[0] = 7
	env := wire.NewHeartbeat(id, 99)

	require.NoError(t, Send(l.Addr().String(), env, cfg))

	in := recvWithTimeout(t, l)
	require.NotNil(t, in.Envelope.Heartbeat)
	assert.Equal(t, uint64(99), in.Envelope.Heartbeat.LatestSlot)
}

func TestBroadcastDeliversToAllListeners(t *testing.T) {
	cfg := testConfig()
	l1, err := Listen(cfg)
	require.NoError(t, err)
	defer l1.Close()
	l2, err := Listen(cfg)
	require.NoError(t, err)
	defer l2.Close()

	env := wire.NewBlockRequest(5)
	failures := Broadcast([]string{l1.Addr().String(), l2.Addr().String()}, env, cfg)
	assert.Empty(t, failures)

	in1 := recvWithTimeout(t, l1)
	in2 := recvWithTimeout(t, l2)
	assert.Equal(t, uint64(5), in1.Envelope.BlockRequest.Height)
	assert.Equal(t, uint64(5), in2.Envelope.BlockRequest.Height)
}

func TestBroadcastReportsFailureForUnreachableAddress(t *testing.T) {
	cfg := testConfig()
	cfg.DialTimeout = 200 * time.Millisecond
	env := wire.NewBlockRequest(1)

	// Port 0 is never a real listening endpoint to dial.
	failures := Broadcast([]string{"127.0.0.1:0"}, env, cfg)
	require.Len(t, failures, 1)
	assert.Equal(t, "127.0.0.1:0", failures[0].Addr)
	assert.Error(t, failures[0].Err)
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	cfg := testConfig()
	l, err := Listen(cfg)
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), cfg.DialTimeout)
	require.NoError(t, err)
	defer conn.Close()

	var id validator.Identity
	id[0] = 1
	good := wire.NewHeartbeat(id, 1)
	require.NoError(t, wire.Encode(conn, good, cfg.MaxMessageSize))

	malformed := []byte("not json")
	var header [wire.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(malformed)))
	_, err = conn.Write(header[:])
	require.NoError(t, err)
	_, err = conn.Write(malformed)
	require.NoError(t, err)

	good2 := wire.NewHeartbeat(id, 2)
	require.NoError(t, wire.Encode(conn, good2, cfg.MaxMessageSize))

	first := recvWithTimeout(t, l)
	assert.Equal(t, uint64(1), first.Envelope.Heartbeat.LatestSlot)

	second := recvWithTimeout(t, l)
	assert.Equal(t, uint64(2), second.Envelope.Heartbeat.LatestSlot)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 8
	l, err := Listen(cfg)
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), cfg.DialTimeout)
	require.NoError(t, err)
	defer conn.Close()

	var header [wire.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], 9999)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "server should have closed the connection on an oversized frame")
}
