// Package transport implements the packet transport layer the migration
// orchestrator drives.
//
// This package defines the Adapter interface the coordinator talks to,
// the packet and frame encodings used for path validation and connection ID
// management, and a multi-socket UDP adapter suitable for demos and tests.
//
// Example:
//
//	adapter, err := transport.NewUDPAdapter()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	path, err := adapter.OpenPath("192.168.1.10:0", "203.0.113.7:5000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = adapter.SendOnPath(path, &transport.Packet{
//	    Type: transport.PacketStreamData,
//	    Data: payload,
//	})
package transport

import (
	"errors"
)

// PacketType identifies the type of a packet carried on a path.
type PacketType byte

const (
	// Path validation packet types
	PacketPathChallenge PacketType = iota + 1
	PacketPathResponse

	// Connection ID management packet types
	PacketNewConnectionID
	PacketRetireConnectionID

	// Application stream packet types
	PacketStreamData
	PacketStreamAck
)

// String returns a human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketPathChallenge:
		return "path_challenge"
	case PacketPathResponse:
		return "path_response"
	case PacketNewConnectionID:
		return "new_connection_id"
	case PacketRetireConnectionID:
		return "retire_connection_id"
	case PacketStreamData:
		return "stream_data"
	case PacketStreamAck:
		return "stream_ack"
	default:
		return "unknown"
	}
}

// Packet represents a single datagram payload exchanged over a path.
type Packet struct {
	Type PacketType
	Data []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.Type)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		Type: PacketType(data[0]),
		Data: make([]byte, len(data)-1),
	}

	copy(packet.Data, data[1:])

	return packet, nil
}
