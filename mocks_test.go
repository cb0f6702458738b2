package quicmigrate

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/quicmigrate/transport"
)

// memAdapter is an in-memory transport.Adapter. It records every sent
// packet per path and can echo path challenges back synchronously, playing
// the role of a cooperative peer.
type memAdapter struct {
	mu       sync.Mutex
	nextID   transport.PathID
	paths    map[transport.PathID]*memPath
	handlers map[transport.PacketType]transport.PacketHandler
	unknown  transport.UnknownSourceHandler
	sent     map[transport.PathID][]*transport.Packet

	// echo answers path challenges with a matching response, except on
	// paths listed in dropChallenges.
	echo           bool
	dropChallenges map[transport.PathID]bool

	// failOpen makes OpenPath fail, simulating an unroutable target.
	failOpen bool

	closed bool
}

type memPath struct {
	local  net.Addr
	remote net.Addr
	closed bool
}

var _ transport.Adapter = (*memAdapter)(nil)

func newMemAdapter() *memAdapter {
	return &memAdapter{
		nextID:         1,
		paths:          make(map[transport.PathID]*memPath),
		handlers:       make(map[transport.PacketType]transport.PacketHandler),
		sent:           make(map[transport.PathID][]*transport.Packet),
		dropChallenges: make(map[transport.PathID]bool),
	}
}

func (a *memAdapter) OpenPath(localAddr, remoteAddr string) (transport.PathID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, transport.ErrAdapterClosed
	}
	if a.failOpen {
		return 0, errors.New("no route to host")
	}

	id := a.nextID
	a.nextID++

	local, err := fakeAddr(localAddr, id)
	if err != nil {
		return 0, err
	}
	remote, err := fakeAddr(remoteAddr, 0)
	if err != nil {
		return 0, err
	}
	a.paths[id] = &memPath{local: local, remote: remote}
	return id, nil
}

func (a *memAdapter) DerivePath(base transport.PathID, remoteAddr string) (transport.PathID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	basePath, ok := a.paths[base]
	if !ok || basePath.closed {
		return 0, transport.ErrUnknownPath
	}

	remote, err := fakeAddr(remoteAddr, 0)
	if err != nil {
		return 0, err
	}

	id := a.nextID
	a.nextID++
	a.paths[id] = &memPath{local: basePath.local, remote: remote}
	return id, nil
}

func (a *memAdapter) SendOnPath(path transport.PathID, packet *transport.Packet) error {
	a.mu.Lock()
	p, ok := a.paths[path]
	if !ok || p.closed {
		a.mu.Unlock()
		return transport.ErrUnknownPath
	}
	a.sent[path] = append(a.sent[path], packet)
	echo := a.echo && packet.Type == transport.PacketPathChallenge && !a.dropChallenges[path]
	handler := a.handlers[transport.PacketPathResponse]
	remote := p.remote
	a.mu.Unlock()

	if echo && handler != nil {
		token, err := transport.DecodeChallengeToken(packet.Data)
		if err != nil {
			return err
		}
		return handler(transport.EncodePathResponse(token), path, remote)
	}
	return nil
}

func (a *memAdapter) ClosePath(path transport.PathID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.paths[path]
	if !ok || p.closed {
		return transport.ErrUnknownPath
	}
	p.closed = true
	return nil
}

func (a *memAdapter) PathLocalAddr(path transport.PathID) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.paths[path]; ok {
		return p.local
	}
	return nil
}

func (a *memAdapter) PathRemoteAddr(path transport.PathID) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.paths[path]; ok {
		return p.remote
	}
	return nil
}

func (a *memAdapter) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[packetType] = handler
}

func (a *memAdapter) OnUnknownSource(handler transport.UnknownSourceHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unknown = handler
}

func (a *memAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// deliver simulates an inbound packet on a path, dispatching it to the
// registered handler the way the real adapter's read loop would.
func (a *memAdapter) deliver(packet *transport.Packet, path transport.PathID) error {
	a.mu.Lock()
	p, ok := a.paths[path]
	if !ok {
		a.mu.Unlock()
		return transport.ErrUnknownPath
	}
	handler := a.handlers[packet.Type]
	remote := p.remote
	a.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("no handler for %s", packet.Type)
	}
	return handler(packet, path, remote)
}

// deliverUnknown simulates an inbound packet from a source address that
// matches no open path on the receiving binding.
func (a *memAdapter) deliverUnknown(path transport.PathID, addr net.Addr, packet *transport.Packet) {
	a.mu.Lock()
	handler := a.unknown
	a.mu.Unlock()
	if handler != nil {
		handler(path, addr, packet)
	}
}

func (a *memAdapter) sentOfType(path transport.PathID, packetType transport.PacketType) []*transport.Packet {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*transport.Packet
	for _, packet := range a.sent[path] {
		if packet.Type == packetType {
			out = append(out, packet)
		}
	}
	return out
}

func (a *memAdapter) pathClosed(path transport.PathID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.paths[path]
	return !ok || p.closed
}

func (a *memAdapter) blackhole(path transport.PathID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropChallenges[path] = true
}

// fakeAddr resolves an address string, substituting a unique synthetic
// port for ":0" so path addresses stay distinguishable without sockets.
func fakeAddr(s string, id transport.PathID) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, err
	}
	if addr.Port == 0 {
		addr.Port = 40000 + int(id)
	}
	return addr, nil
}

func mustUDPAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

// waitFor sleep-polls until cond holds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
