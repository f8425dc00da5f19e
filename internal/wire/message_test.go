package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

func testIdentity(b byte) validator.Identity {
	var id validator.Identity
	id[0] = b
	return id
}

// Scenario F: a Heartbeat envelope round-trips through Encode/Decode,
// and the first four bytes on the wire are the little-endian length
// of the payload.
func TestScenarioF_HeartbeatFramingRoundTrip(t *testing.T) {
	env := NewHeartbeat(testIdentity(7), 42)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, env, DefaultMaxPayloadSize))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), HeaderSize)
	declared := binary.LittleEndian.Uint32(raw[:HeaderSize])
	assert.Equal(t, uint64(len(raw)-HeaderSize), uint64(declared))

	decoded, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decoded.Heartbeat)
	assert.Equal(t, KindHeartbeat, decoded.Kind)
	assert.Equal(t, uint64(42), decoded.Heartbeat.LatestSlot)
	assert.Equal(t, testIdentity(7), decoded.Heartbeat.Identity)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	env := NewHeartbeat(testIdentity(1), 1)
	var buf bytes.Buffer
	err := Encode(&buf, env, 4) // far smaller than any real envelope
	assert.Error(t, err)
	assert.Zero(t, buf.Len(), "no bytes should be written when the payload is rejected")
}

func TestDecodeRejectsDeclaredLengthOverMax(t *testing.T) {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], 999)
	buf := bytes.NewBuffer(header[:])

	_, err := Decode(buf, 16)
	assert.Error(t, err)
}

func TestDecodeMalformedPayloadIsNonFatal(t *testing.T) {
	payload := []byte("not json")
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	buf := bytes.NewBuffer(append(header[:], payload...))

	_, err := Decode(buf, DefaultMaxPayloadSize)
	require.Error(t, err)
	var malformed *ErrMalformedPayload
	assert.ErrorAs(t, err, &malformed)
}

func TestConsensusEnvelopeRoundTrip(t *testing.T) {
	h := bft.Hash{1, 2, 3}
	vr := int32(2)
	m := bft.Message{
		Kind:       bft.MessageProposal,
		Height:     10,
		Round:      3,
		Voter:      testIdentity(9),
		BlockHash:  &h,
		ValidRound: &vr,
		Signature:  []byte("sig"),
	}
	env := NewConsensus(m)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, env, DefaultMaxPayloadSize))

	decoded, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decoded.Consensus)
	assert.Equal(t, m.Height, decoded.Consensus.Height)
	assert.Equal(t, m.Round, decoded.Consensus.Round)
	assert.Equal(t, m.Voter, decoded.Consensus.Voter)
	require.NotNil(t, decoded.Consensus.BlockHash)
	assert.Equal(t, h, *decoded.Consensus.BlockHash)
	require.NotNil(t, decoded.Consensus.ValidRound)
	assert.Equal(t, vr, *decoded.Consensus.ValidRound)
}

func TestBlockDataEnvelopeRoundTrip(t *testing.T) {
	block := &bft.ProposedBlock{
		ParentHash: bft.Hash{9},
		Height:     5,
		Timestamp:  1000,
		StateRoot:  bft.Hash{1},
		Proposer:   testIdentity(3),
		MerkleRoot: bft.Hash{2},
	}
	env := NewBlockData(block)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, env, DefaultMaxPayloadSize))

	decoded, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decoded.Block)
	assert.Equal(t, block.Hash(), decoded.Block.Hash())
}

func TestBlockRequestResponseRoundTrip(t *testing.T) {
	reqEnv := NewBlockRequest(77)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, reqEnv, DefaultMaxPayloadSize))
	decodedReq, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decodedReq.BlockRequest)
	assert.Equal(t, uint64(77), decodedReq.BlockRequest.Height)

	block := &bft.ProposedBlock{Height: 77, StateRoot: bft.Hash{4}}
	respEnv := NewBlockResponse(77, block)
	buf.Reset()
	require.NoError(t, Encode(&buf, respEnv, DefaultMaxPayloadSize))
	decodedResp, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decodedResp.BlockResponse)
	assert.Equal(t, uint64(77), decodedResp.BlockResponse.Height)
	assert.Equal(t, block.Hash(), decodedResp.BlockResponse.Block.Hash())
}

func TestPeerAnnounceRoundTrip(t *testing.T) {
	env := NewPeerAnnounce(PeerAnnounce{
		Identity:        testIdentity(5),
		Address:         "127.0.0.1:9000",
		Stake:           500,
		ActiveValidator: true,
	})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, env, DefaultMaxPayloadSize))
	decoded, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decoded.Peer)
	assert.Equal(t, "127.0.0.1:9000", decoded.Peer.Address)
	assert.Equal(t, uint64(500), decoded.Peer.Stake)
	assert.True(t, decoded.Peer.ActiveValidator)
}

func TestValidatorSetUpdateRoundTrip(t *testing.T) {
	vs := []validator.Validator{
		{Identity: testIdentity(1), Stake: 100},
		{Identity: testIdentity(2), Stake: 200},
	}
	env := NewValidatorSetUpdate(3, vs)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, env, DefaultMaxPayloadSize))
	decoded, err := Decode(&buf, DefaultMaxPayloadSize)
	require.NoError(t, err)
	require.NotNil(t, decoded.ValidatorSetUpdate)
	assert.Equal(t, uint64(3), decoded.ValidatorSetUpdate.Epoch)
	require.Len(t, decoded.ValidatorSetUpdate.Validators, 2)
	assert.Equal(t, uint64(200), decoded.ValidatorSetUpdate.Validators[1].Stake)
}

func TestEnvelopesCarryDistinctCorrelationIDs(t *testing.T) {
	a := NewHeartbeat(testIdentity(1), 1)
	b := NewHeartbeat(testIdentity(1), 1)
	assert.NotEqual(t, a.ID, b.ID)
}
