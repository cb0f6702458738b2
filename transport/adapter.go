package transport

import (
	"net"
)

// PathID identifies an open path within an Adapter. IDs are never reused
// for the lifetime of the adapter.
type PathID uint32

// PacketHandler is a function that processes incoming packets. The path
// argument identifies the path the packet arrived on, and addr is the
// source address observed on the wire.
type PacketHandler func(packet *Packet, path PathID, addr net.Addr) error

// UnknownSourceHandler is invoked when a packet arrives on a local binding
// from a source address that does not match any open path on that binding.
// The path argument identifies the path whose binding received the packet.
// The orchestration layer uses this to detect peer-initiated address
// changes; the packet itself is not dispatched to regular handlers.
type UnknownSourceHandler func(path PathID, addr net.Addr, packet *Packet)

// Adapter defines the interface the migration orchestrator uses to move
// packets. This abstraction allows different engines (a real QUIC stack,
// the UDP adapter in this package, in-memory fakes in tests) to be used
// interchangeably; coordinator code never branches on the implementation.
type Adapter interface {
	// OpenPath binds a new local socket and associates it with the remote
	// address, returning the path's identifier. Existing paths stay live.
	OpenPath(localAddr, remoteAddr string) (PathID, error)

	// DerivePath creates a new path that shares the base path's local
	// binding but targets a different remote address. Used to probe a
	// peer-initiated address change without giving up the current path.
	DerivePath(base PathID, remoteAddr string) (PathID, error)

	// SendOnPath transmits a packet over the given path.
	SendOnPath(path PathID, packet *Packet) error

	// ClosePath tears down a path. The underlying socket is released once
	// no path references it.
	ClosePath(path PathID) error

	// PathLocalAddr returns the local address of a path, or nil if unknown.
	PathLocalAddr(path PathID) net.Addr

	// PathRemoteAddr returns the remote address of a path, or nil if unknown.
	PathRemoteAddr(path PathID) net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)

	// OnUnknownSource registers the handler for packets from unmatched
	// source addresses.
	OnUnknownSource(handler UnknownSourceHandler)

	// Close shuts down the adapter and all paths.
	Close() error
}
