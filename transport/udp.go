package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrUnknownPath indicates an operation against a path ID the adapter does
// not know about (never opened, or already closed).
var ErrUnknownPath = errors.New("unknown path")

// ErrAdapterClosed indicates the adapter has been shut down.
var ErrAdapterClosed = errors.New("adapter is closed")

// readBufferSize bounds a single inbound datagram.
const readBufferSize = 2048

// UDPAdapter implements Adapter over plain UDP sockets, one socket per
// local binding. Paths that share a binding (created with DerivePath) share
// the socket; inbound datagrams are routed to a path by source address.
type UDPAdapter struct {
	mu       sync.RWMutex
	nextPath PathID
	paths    map[PathID]*udpPath
	sockets  map[string]*udpSocket // keyed by local address string
	handlers map[PacketType]PacketHandler
	unknown  UnknownSourceHandler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// udpSocket is one local binding shared by one or more paths.
type udpSocket struct {
	conn   net.PacketConn
	routes map[string]PathID // remote addr string -> path
}

// udpPath associates a socket with a remote address.
type udpPath struct {
	id     PathID
	sock   *udpSocket
	remote *net.UDPAddr
}

var _ Adapter = (*UDPAdapter)(nil)

// NewUDPAdapter creates a UDP-backed transport adapter with no open paths.
func NewUDPAdapter() (*UDPAdapter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPAdapter{
		nextPath: 1,
		paths:    make(map[PathID]*udpPath),
		sockets:  make(map[string]*udpSocket),
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (a *UDPAdapter) RegisterHandler(packetType PacketType, handler PacketHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handlers[packetType] = handler
}

// OnUnknownSource registers the handler for packets arriving from source
// addresses that match no open path on the receiving binding.
func (a *UDPAdapter) OnUnknownSource(handler UnknownSourceHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.unknown = handler
}

// OpenPath binds a new local UDP socket and associates it with remoteAddr.
// The existing paths are left untouched, so an in-flight connection keeps
// both the old and the candidate path live during a migration attempt.
func (a *UDPAdapter) OpenPath(localAddr, remoteAddr string) (PathID, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve remote address: %w", err)
	}

	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to bind local address: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return 0, ErrAdapterClosed
	}

	sock := &udpSocket{
		conn:   conn,
		routes: make(map[string]PathID),
	}
	id := a.nextPath
	a.nextPath++

	path := &udpPath{id: id, sock: sock, remote: remote}
	a.paths[id] = path
	a.sockets[conn.LocalAddr().String()] = sock
	sock.routes[remote.String()] = id
	a.mu.Unlock()

	go a.readLoop(sock)

	logrus.WithFields(logrus.Fields{
		"function": "UDPAdapter.OpenPath",
		"path":     id,
		"local":    conn.LocalAddr().String(),
		"remote":   remote.String(),
	}).Info("Opened path")

	return id, nil
}

// DerivePath creates a path sharing the base path's socket but addressing a
// different remote. No new socket is bound.
func (a *UDPAdapter) DerivePath(base PathID, remoteAddr string) (PathID, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve remote address: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrAdapterClosed
	}

	basePath, ok := a.paths[base]
	if !ok {
		return 0, ErrUnknownPath
	}

	id := a.nextPath
	a.nextPath++

	path := &udpPath{id: id, sock: basePath.sock, remote: remote}
	a.paths[id] = path
	basePath.sock.routes[remote.String()] = id

	logrus.WithFields(logrus.Fields{
		"function": "UDPAdapter.DerivePath",
		"base":     base,
		"path":     id,
		"remote":   remote.String(),
	}).Info("Derived path on shared binding")

	return id, nil
}

// SendOnPath transmits a packet over the given path.
func (a *UDPAdapter) SendOnPath(path PathID, packet *Packet) error {
	a.mu.RLock()
	p, ok := a.paths[path]
	a.mu.RUnlock()

	if !ok {
		return ErrUnknownPath
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = p.sock.conn.WriteTo(data, p.remote)
	return err
}

// ClosePath tears down a path. The socket is closed once no path uses it.
func (a *UDPAdapter) ClosePath(path PathID) error {
	a.mu.Lock()
	p, ok := a.paths[path]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownPath
	}

	delete(a.paths, path)
	delete(p.sock.routes, p.remote.String())

	var closeErr error
	if len(p.sock.routes) == 0 {
		delete(a.sockets, p.sock.conn.LocalAddr().String())
		closeErr = p.sock.conn.Close()
	}
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UDPAdapter.ClosePath",
		"path":     path,
	}).Debug("Closed path")

	return closeErr
}

// PathLocalAddr returns the local address of a path, or nil if unknown.
func (a *UDPAdapter) PathLocalAddr(path PathID) net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p, ok := a.paths[path]
	if !ok {
		return nil
	}
	return p.sock.conn.LocalAddr()
}

// PathRemoteAddr returns the remote address of a path, or nil if unknown.
func (a *UDPAdapter) PathRemoteAddr(path PathID) net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p, ok := a.paths[path]
	if !ok {
		return nil
	}
	return p.remote
}

// Close shuts down the adapter and all open paths.
func (a *UDPAdapter) Close() error {
	a.cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	for _, sock := range a.sockets {
		err = multierr.Append(err, sock.conn.Close())
	}
	a.paths = make(map[PathID]*udpPath)
	a.sockets = make(map[string]*udpSocket)

	return err
}

// readLoop handles incoming packets on one socket.
func (a *UDPAdapter) readLoop(sock *udpSocket) {
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		// Bounded read so loop exit is prompt after Close.
		_ = sock.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := sock.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPAdapter.readLoop",
				"error":    err,
			}).Debug("Read error, continuing")
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		packet, err := ParsePacket(data)
		if err != nil {
			continue
		}

		a.dispatch(sock, packet, addr)
	}
}

// dispatch routes an inbound packet to the path matching its source
// address, or to the unknown-source handler when no path matches.
func (a *UDPAdapter) dispatch(sock *udpSocket, packet *Packet, addr net.Addr) {
	a.mu.RLock()
	pathID, matched := sock.routes[addr.String()]
	if !matched {
		// Report against the lowest path ID on this binding so the
		// orchestrator knows which local binding saw the new source.
		for _, id := range sock.routes {
			if pathID == 0 || id < pathID {
				pathID = id
			}
		}
	}
	handler, hasHandler := a.handlers[packet.Type]
	unknown := a.unknown
	a.mu.RUnlock()

	if !matched {
		if unknown != nil && pathID != 0 {
			go unknown(pathID, addr, packet)
		}
		return
	}

	if hasHandler {
		go func() {
			if err := handler(packet, pathID, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "UDPAdapter.dispatch",
					"type":     packet.Type.String(),
					"path":     pathID,
					"error":    err,
				}).Debug("Packet handler returned error")
			}
		}()
	}
}
