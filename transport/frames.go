package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ChallengeTokenSize is the size of a path challenge token in bytes.
const ChallengeTokenSize = 8

// ResetTokenSize is the size of a stateless reset token in bytes.
const ResetTokenSize = 16

// MaxConnectionIDLength bounds the connection ID length carried in a
// NEW_CONNECTION_ID frame.
const MaxConnectionIDLength = 20

// ErrFrameTooShort indicates a frame payload smaller than its fixed header.
var ErrFrameTooShort = errors.New("frame too short")

// EncodePathChallenge builds a PATH_CHALLENGE packet carrying the token.
func EncodePathChallenge(token [ChallengeTokenSize]byte) *Packet {
	return &Packet{Type: PacketPathChallenge, Data: token[:]}
}

// EncodePathResponse builds a PATH_RESPONSE packet echoing the token.
func EncodePathResponse(token [ChallengeTokenSize]byte) *Packet {
	return &Packet{Type: PacketPathResponse, Data: token[:]}
}

// DecodeChallengeToken extracts the 8-byte token from a PATH_CHALLENGE or
// PATH_RESPONSE payload.
func DecodeChallengeToken(data []byte) ([ChallengeTokenSize]byte, error) {
	var token [ChallengeTokenSize]byte
	if len(data) != ChallengeTokenSize {
		return token, fmt.Errorf("challenge token must be %d bytes, got %d", ChallengeTokenSize, len(data))
	}
	copy(token[:], data)
	return token, nil
}

// NewConnectionIDFrame advertises a fresh connection ID to the peer.
type NewConnectionIDFrame struct {
	Sequence     uint64
	ConnectionID []byte
	ResetToken   [ResetTokenSize]byte
}

// Encode serializes the frame into a packet.
//
// Format: [sequence (8 bytes)][cid length (1 byte)][cid][reset token (16 bytes)]
func (f *NewConnectionIDFrame) Encode() (*Packet, error) {
	if len(f.ConnectionID) == 0 || len(f.ConnectionID) > MaxConnectionIDLength {
		return nil, fmt.Errorf("connection ID length %d out of range [1,%d]", len(f.ConnectionID), MaxConnectionIDLength)
	}

	data := make([]byte, 0, 8+1+len(f.ConnectionID)+ResetTokenSize)
	data = binary.BigEndian.AppendUint64(data, f.Sequence)
	data = append(data, byte(len(f.ConnectionID)))
	data = append(data, f.ConnectionID...)
	data = append(data, f.ResetToken[:]...)

	return &Packet{Type: PacketNewConnectionID, Data: data}, nil
}

// ParseNewConnectionIDFrame decodes a NEW_CONNECTION_ID payload.
func ParseNewConnectionIDFrame(data []byte) (*NewConnectionIDFrame, error) {
	if len(data) < 8+1 {
		return nil, ErrFrameTooShort
	}

	frame := &NewConnectionIDFrame{
		Sequence: binary.BigEndian.Uint64(data[:8]),
	}

	cidLen := int(data[8])
	if cidLen == 0 || cidLen > MaxConnectionIDLength {
		return nil, fmt.Errorf("connection ID length %d out of range [1,%d]", cidLen, MaxConnectionIDLength)
	}
	if len(data) != 8+1+cidLen+ResetTokenSize {
		return nil, fmt.Errorf("new connection ID frame length mismatch: got %d bytes", len(data))
	}

	frame.ConnectionID = make([]byte, cidLen)
	copy(frame.ConnectionID, data[9:9+cidLen])
	copy(frame.ResetToken[:], data[9+cidLen:])

	return frame, nil
}

// RetireConnectionIDFrame asks the peer to stop using a previously issued ID.
type RetireConnectionIDFrame struct {
	Sequence uint64
}

// Encode serializes the frame into a packet.
func (f *RetireConnectionIDFrame) Encode() *Packet {
	data := binary.BigEndian.AppendUint64(nil, f.Sequence)
	return &Packet{Type: PacketRetireConnectionID, Data: data}
}

// ParseRetireConnectionIDFrame decodes a RETIRE_CONNECTION_ID payload.
func ParseRetireConnectionIDFrame(data []byte) (*RetireConnectionIDFrame, error) {
	if len(data) != 8 {
		return nil, ErrFrameTooShort
	}
	return &RetireConnectionIDFrame{Sequence: binary.BigEndian.Uint64(data)}, nil
}

// StreamDataFrame carries application stream bytes at an absolute offset.
// Offsets are path-independent: the same frame is valid on any path.
type StreamDataFrame struct {
	StreamID uint32
	Offset   uint64
	Data     []byte
}

// Encode serializes the frame into a packet.
//
// Format: [stream ID (4 bytes)][offset (8 bytes)][data]
func (f *StreamDataFrame) Encode() *Packet {
	data := make([]byte, 0, 4+8+len(f.Data))
	data = binary.BigEndian.AppendUint32(data, f.StreamID)
	data = binary.BigEndian.AppendUint64(data, f.Offset)
	data = append(data, f.Data...)
	return &Packet{Type: PacketStreamData, Data: data}
}

// ParseStreamDataFrame decodes a stream data payload.
func ParseStreamDataFrame(data []byte) (*StreamDataFrame, error) {
	if len(data) < 4+8 {
		return nil, ErrFrameTooShort
	}

	frame := &StreamDataFrame{
		StreamID: binary.BigEndian.Uint32(data[:4]),
		Offset:   binary.BigEndian.Uint64(data[4:12]),
		Data:     make([]byte, len(data)-12),
	}
	copy(frame.Data, data[12:])

	return frame, nil
}

// StreamAckFrame acknowledges contiguous stream bytes below UpTo.
type StreamAckFrame struct {
	StreamID uint32
	UpTo     uint64
}

// Encode serializes the frame into a packet.
func (f *StreamAckFrame) Encode() *Packet {
	data := make([]byte, 0, 4+8)
	data = binary.BigEndian.AppendUint32(data, f.StreamID)
	data = binary.BigEndian.AppendUint64(data, f.UpTo)
	return &Packet{Type: PacketStreamAck, Data: data}
}

// ParseStreamAckFrame decodes a stream ack payload.
func ParseStreamAckFrame(data []byte) (*StreamAckFrame, error) {
	if len(data) != 4+8 {
		return nil, ErrFrameTooShort
	}
	return &StreamAckFrame{
		StreamID: binary.BigEndian.Uint32(data[:4]),
		UpTo:     binary.BigEndian.Uint64(data[4:12]),
	}, nil
}
