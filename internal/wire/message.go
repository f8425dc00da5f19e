// Package wire implements the framed envelope carried between nodes:
// a 4-byte little-endian length prefix followed by a JSON-encoded,
// tagged envelope. Encoding is deterministic for any given value,
// which is all the signed fields inside a Consensus payload need.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/validator"
)

// DefaultMaxPayloadSize is the default cap on a single envelope's
// encoded payload, matching the teacher's and pack's 1 MiB default.
const DefaultMaxPayloadSize = 1 << 20

// HeaderSize is the length of the little-endian length prefix.
const HeaderSize = 4

// Kind tags which variant an Envelope carries.
type Kind int

const (
	KindConsensus Kind = iota
	KindBlockData
	KindPeerAnnounce
	KindBlockRequest
	KindBlockResponse
	KindValidatorSetUpdate
	KindHeartbeat
	KindHeartbeatAck
)

func (k Kind) String() string {
	switch k {
	case KindConsensus:
		return "Consensus"
	case KindBlockData:
		return "BlockData"
	case KindPeerAnnounce:
		return "PeerAnnounce"
	case KindBlockRequest:
		return "BlockRequest"
	case KindBlockResponse:
		return "BlockResponse"
	case KindValidatorSetUpdate:
		return "ValidatorSetUpdate"
	case KindHeartbeat:
		return "Heartbeat"
	case KindHeartbeatAck:
		return "HeartbeatAck"
	default:
		return "Unknown"
	}
}

// PeerAnnounce advertises a peer's reachability and stake.
type PeerAnnounce struct {
	Identity        validator.Identity
	Address         string
	Stake           uint64
	ActiveValidator bool
}

// BlockRequest asks a peer for the full body at a height.
type BlockRequest struct {
	Height uint64
}

// BlockResponse answers a BlockRequest.
type BlockResponse struct {
	Height uint64
	Block  *bft.ProposedBlock
}

// ValidatorSetUpdate announces new epoch membership.
type ValidatorSetUpdate struct {
	Epoch      uint64
	Validators []validator.Validator
}

// Heartbeat/HeartbeatAck carry liveness information between peers.
type Heartbeat struct {
	Identity   validator.Identity
	LatestSlot uint64
}

type HeartbeatAck struct {
	Identity   validator.Identity
	LatestSlot uint64
}

// Envelope is the tagged union carried over the wire. Exactly one of
// the payload fields is set, selected by Kind. ID is a correlation id
// for request/response matching and log tracing.
type Envelope struct {
	ID   string
	Kind Kind

	Consensus          *bft.Message        `json:",omitempty"`
	Block              *bft.ProposedBlock  `json:",omitempty"`
	Peer               *PeerAnnounce       `json:",omitempty"`
	BlockRequest       *BlockRequest       `json:",omitempty"`
	BlockResponse      *BlockResponse      `json:",omitempty"`
	ValidatorSetUpdate *ValidatorSetUpdate `json:",omitempty"`
	Heartbeat          *Heartbeat          `json:",omitempty"`
	HeartbeatAck       *HeartbeatAck       `json:",omitempty"`
}

func newEnvelope(kind Kind) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: kind}
}

// NewConsensus wraps a consensus protocol message.
func NewConsensus(m bft.Message) Envelope {
	e := newEnvelope(KindConsensus)
	e.Consensus = &m
	return e
}

// NewBlockData wraps a full block body.
func NewBlockData(b *bft.ProposedBlock) Envelope {
	e := newEnvelope(KindBlockData)
	e.Block = b
	return e
}

// NewPeerAnnounce wraps a peer announcement.
func NewPeerAnnounce(p PeerAnnounce) Envelope {
	e := newEnvelope(KindPeerAnnounce)
	e.Peer = &p
	return e
}

// NewBlockRequest wraps a block request for a height.
func NewBlockRequest(height uint64) Envelope {
	e := newEnvelope(KindBlockRequest)
	e.BlockRequest = &BlockRequest{Height: height}
	return e
}

// NewBlockResponse wraps a block response.
func NewBlockResponse(height uint64, block *bft.ProposedBlock) Envelope {
	e := newEnvelope(KindBlockResponse)
	e.BlockResponse = &BlockResponse{Height: height, Block: block}
	return e
}

// NewValidatorSetUpdate wraps a new epoch's membership.
func NewValidatorSetUpdate(epoch uint64, validators []validator.Validator) Envelope {
	e := newEnvelope(KindValidatorSetUpdate)
	e.ValidatorSetUpdate = &ValidatorSetUpdate{Epoch: epoch, Validators: validators}
	return e
}

// NewHeartbeat wraps a heartbeat.
func NewHeartbeat(id validator.Identity, latestSlot uint64) Envelope {
	e := newEnvelope(KindHeartbeat)
	e.Heartbeat = &Heartbeat{Identity: id, LatestSlot: latestSlot}
	return e
}

// NewHeartbeatAck wraps a heartbeat acknowledgment.
func NewHeartbeatAck(id validator.Identity, latestSlot uint64) Envelope {
	e := newEnvelope(KindHeartbeatAck)
	e.HeartbeatAck = &HeartbeatAck{Identity: id, LatestSlot: latestSlot}
	return e
}

// Encode frames env as [u32 little-endian length][JSON payload] and
// writes it to w. Payloads over maxPayload are rejected before any
// bytes are written.
func Encode(w io.Writer, env Envelope, maxPayload int) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshaling envelope: %w", err)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("wire: payload of %d bytes exceeds maximum %d", len(payload), maxPayload)
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing length header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing payload: %w", err)
	}
	return nil
}

// ErrMalformedPayload wraps a JSON decode failure. Unlike a header
// read error, an oversized frame, or a payload I/O error, this is not
// fatal to the connection: the stream is positioned correctly for the
// next frame, so the caller may drop this message and keep reading.
type ErrMalformedPayload struct {
	Err error
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("wire: decoding payload: %v", e.Err)
}

func (e *ErrMalformedPayload) Unwrap() error { return e.Err }

// Decode reads one framed envelope from r. A declared length exceeding
// maxPayload is rejected without reading the payload body. A malformed
// payload returns an *ErrMalformedPayload after consuming exactly the
// declared number of bytes, leaving the stream ready for the next
// frame; every other error (header read, oversized frame, payload
// I/O) should be treated as fatal to the connection by the caller.
func Decode(r io.Reader, maxPayload int) (Envelope, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > uint32(maxPayload) {
		return Envelope{}, fmt.Errorf("wire: declared payload length %d exceeds maximum %d", n, maxPayload)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, fmt.Errorf("wire: reading payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, &ErrMalformedPayload{Err: err}
	}
	return env, nil
}
