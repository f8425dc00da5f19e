package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/transport"
	"github.com/rechain/bftnode/internal/wire"
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

func testIdentity(b byte) validator.Identity {
	var id validator.Identity
	id[0] = b
	return id
}

func transportConfig() transport.Config {
	return transport.Config{
		BindAddr:          "127.0.0.1:0",
		MaxMessageSize:    wire.DefaultMaxPayloadSize,
		ChannelBufferSize: 8,
		DialTimeout:       2 * time.Second,
	}
}

func testConfig() Config {
	return Config{
		MaxInFlight:    4,
		MaxRetries:     5,
		RequestTimeout: 50 * time.Millisecond,
		Transport:      transportConfig(),
	}
}

// newConnectedPeer starts a listener standing in for a remote peer and
// registers it, connected, in the manager.
func newConnectedPeer(t *testing.T, m *peer.Manager, id validator.Identity) *transport.Listener {
	t.Helper()
	l, err := transport.Listen(transportConfig())
	require.NoError(t, err)

	require.NoError(t, m.AddPeer(peer.Info{
		Identity:        id,
		Address:         l.Addr().String(),
		Stake:           100,
		ActiveValidator: true,
	}))
	require.NoError(t, m.MarkConnected(id))
	return l
}

func recvRequest(t *testing.T, l *transport.Listener) transport.Inbound {
	t.Helper()
	select {
	case in := <-l.Inbound():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a block request")
		return transport.Inbound{}
	}
}

func TestRequestRangeDispatchesToConnectedPeer(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	s := NewSyncer(m, testConfig(), nil)
	dispatched := s.RequestRange(5, 7)

	assert.Equal(t, 3, dispatched)
	assert.Equal(t, 3, s.InFlight())

	for i := 0; i < 3; i++ {
		in := recvRequest(t, l)
		require.NotNil(t, in.Envelope.BlockRequest)
		assert.GreaterOrEqual(t, in.Envelope.BlockRequest.Height, uint64(5))
		assert.LessOrEqual(t, in.Envelope.BlockRequest.Height, uint64(7))
	}
}

func TestRequestRangeSkipsCompletedAndPending(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	s := NewSyncer(m, testConfig(), nil)
	require.Equal(t, 1, s.RequestRange(10, 10))
	recvRequest(t, l)

	block := &bft.ProposedBlock{Height: 10}
	require.NotNil(t, s.HandleResponse(10, block))
	assert.True(t, s.IsCompleted(10))

	// Height 10 is now completed; requesting it again dispatches nothing.
	assert.Equal(t, 0, s.RequestRange(10, 10))
}

func TestRequestRangeRespectsMaxInFlight(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	cfg := testConfig()
	cfg.MaxInFlight = 2
	s := NewSyncer(m, cfg, nil)

	dispatched := s.RequestRange(1, 5)
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, 2, s.InFlight())
}

func TestHandleResponseCompletesPendingRequest(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	s := NewSyncer(m, testConfig(), nil)
	s.RequestRange(10, 10)
	recvRequest(t, l)

	block := &bft.ProposedBlock{Height: 10}
	got := s.HandleResponse(10, block)
	require.NotNil(t, got)
	assert.Equal(t, block, got)
	assert.True(t, s.IsCompleted(10))
	assert.Equal(t, 0, s.InFlight())
}

func TestHandleUnsolicitedResponseIsIgnored(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	s := NewSyncer(m, testConfig(), nil)

	got := s.HandleResponse(42, &bft.ProposedBlock{Height: 42})
	assert.Nil(t, got)
	assert.False(t, s.IsCompleted(42))
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) VerifyBlock(*bft.ProposedBlock) bool { return false }

func TestHandleResponseKeepsRequestPendingOnVerificationFailure(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	s := NewSyncer(m, testConfig(), rejectAllVerifier{})
	s.RequestRange(10, 10)
	recvRequest(t, l)

	got := s.HandleResponse(10, &bft.ProposedBlock{Height: 10})
	assert.Nil(t, got)
	assert.False(t, s.IsCompleted(10))
	assert.Equal(t, 1, s.InFlight(), "rejected block should not clear the pending request")
}

func TestRetryTimedOutResendsToAnotherAttempt(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	s := NewSyncer(m, cfg, nil)

	s.RequestRange(1, 1)
	recvRequest(t, l)

	time.Sleep(20 * time.Millisecond)
	failed := s.RetryTimedOut()
	assert.Empty(t, failed, "a retry with a peer available should not be a permanent failure")
	assert.Equal(t, 1, s.InFlight())

	recvRequest(t, l)
}

func TestRetryTimedOutGivesUpAfterMaxRetries(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1
	s := NewSyncer(m, cfg, nil)

	s.RequestRange(1, 1)
	recvRequest(t, l)

	time.Sleep(10 * time.Millisecond)
	failed := s.RetryTimedOut()
	assert.Empty(t, failed, "first retry still has attempts remaining")
	recvRequest(t, l)

	time.Sleep(10 * time.Millisecond)
	failed = s.RetryTimedOut()
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(1), failed[0])
	assert.Equal(t, 0, s.InFlight())
}

func TestRetryTimedOutFailsPermanentlyWithNoPeerAvailable(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))

	cfg := testConfig()
	cfg.RequestTimeout = 5 * time.Millisecond
	s := NewSyncer(m, cfg, nil)

	s.RequestRange(1, 1)
	recvRequest(t, l)
	l.Close()
	m.MarkDisconnected(testIdentity(1))

	time.Sleep(10 * time.Millisecond)
	failed := s.RetryTimedOut()
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(1), failed[0])
}

func TestResetClearsPendingAndCompleted(t *testing.T) {
	m := peer.NewManager(10, time.Minute)
	l := newConnectedPeer(t, m, testIdentity(1))
	defer l.Close()

	s := NewSyncer(m, testConfig(), nil)
	s.RequestRange(1, 2)
	recvRequest(t, l)
	recvRequest(t, l)
	s.HandleResponse(1, &bft.ProposedBlock{Height: 1})

	s.Reset()
	assert.Equal(t, 0, s.InFlight())
	assert.False(t, s.IsCompleted(1))
}
