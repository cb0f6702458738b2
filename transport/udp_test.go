package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packetSink collects packets delivered to a handler.
type packetSink struct {
	mu      sync.Mutex
	packets []*Packet
	paths   []PathID
	addrs   []net.Addr
}

func (s *packetSink) handler(packet *Packet, path PathID, addr net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, packet)
	s.paths = append(s.paths, path)
	s.addrs = append(s.addrs, addr)
	return nil
}

func (s *packetSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestUDPAdapter_SendReceive(t *testing.T) {
	server, err := NewUDPAdapter()
	require.NoError(t, err)
	defer server.Close()

	// The server needs an open binding before the client can target it. A
	// throwaway remote is enough: the route is fixed up below.
	serverPath, err := server.OpenPath("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)
	serverAddr := server.PathLocalAddr(serverPath).String()

	client, err := NewUDPAdapter()
	require.NoError(t, err)
	defer client.Close()

	clientPath, err := client.OpenPath("127.0.0.1:0", serverAddr)
	require.NoError(t, err)
	clientAddr := client.PathLocalAddr(clientPath).String()

	// Point the server's path at the real client address.
	_, err = server.DerivePath(serverPath, clientAddr)
	require.NoError(t, err)

	sink := &packetSink{}
	server.RegisterHandler(PacketStreamData, sink.handler)

	err = client.SendOnPath(clientPath, &Packet{Type: PacketStreamData, Data: []byte("hello")})
	require.NoError(t, err)

	waitFor(t, func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []byte("hello"), sink.packets[0].Data)
}

func TestUDPAdapter_UnknownSourceRouting(t *testing.T) {
	receiver, err := NewUDPAdapter()
	require.NoError(t, err)
	defer receiver.Close()

	// Open a path whose remote will never send, so any inbound packet
	// comes from an unknown source.
	path, err := receiver.OpenPath("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)

	var mu sync.Mutex
	var gotPath PathID
	var gotAddr net.Addr
	unknownSeen := false
	receiver.OnUnknownSource(func(p PathID, addr net.Addr, packet *Packet) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = p
		gotAddr = addr
		unknownSeen = true
	})

	sink := &packetSink{}
	receiver.RegisterHandler(PacketStreamData, sink.handler)

	sender, err := NewUDPAdapter()
	require.NoError(t, err)
	defer sender.Close()

	senderPath, err := sender.OpenPath("127.0.0.1:0", receiver.PathLocalAddr(path).String())
	require.NoError(t, err)

	err = sender.SendOnPath(senderPath, &Packet{Type: PacketStreamData, Data: []byte("x")})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return unknownSeen
	})

	mu.Lock()
	assert.Equal(t, path, gotPath, "unknown source reported against the receiving binding's path")
	assert.Equal(t, sender.PathLocalAddr(senderPath).String(), gotAddr.String())
	mu.Unlock()

	// Regular handlers must not see packets from unvalidated sources.
	assert.Equal(t, 0, sink.count())
}

func TestUDPAdapter_DerivePathSharesBinding(t *testing.T) {
	adapter, err := NewUDPAdapter()
	require.NoError(t, err)
	defer adapter.Close()

	base, err := adapter.OpenPath("127.0.0.1:0", "127.0.0.1:1001")
	require.NoError(t, err)

	derived, err := adapter.DerivePath(base, "127.0.0.1:1002")
	require.NoError(t, err)

	assert.NotEqual(t, base, derived)
	assert.Equal(t, adapter.PathLocalAddr(base).String(), adapter.PathLocalAddr(derived).String())
	assert.Equal(t, "127.0.0.1:1002", adapter.PathRemoteAddr(derived).String())
}

func TestUDPAdapter_DerivePath_UnknownBase(t *testing.T) {
	adapter, err := NewUDPAdapter()
	require.NoError(t, err)
	defer adapter.Close()

	_, err = adapter.DerivePath(99, "127.0.0.1:1002")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestUDPAdapter_ClosePath(t *testing.T) {
	adapter, err := NewUDPAdapter()
	require.NoError(t, err)
	defer adapter.Close()

	base, err := adapter.OpenPath("127.0.0.1:0", "127.0.0.1:1001")
	require.NoError(t, err)
	derived, err := adapter.DerivePath(base, "127.0.0.1:1002")
	require.NoError(t, err)

	// Closing one path keeps the shared binding alive for the other.
	require.NoError(t, adapter.ClosePath(derived))
	err = adapter.SendOnPath(base, &Packet{Type: PacketStreamData, Data: []byte("x")})
	assert.NoError(t, err)

	require.NoError(t, adapter.ClosePath(base))
	err = adapter.SendOnPath(base, &Packet{Type: PacketStreamData, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnknownPath)

	assert.ErrorIs(t, adapter.ClosePath(base), ErrUnknownPath)
}

func TestUDPAdapter_OpenAfterClose(t *testing.T) {
	adapter, err := NewUDPAdapter()
	require.NoError(t, err)
	require.NoError(t, adapter.Close())

	_, err = adapter.OpenPath("127.0.0.1:0", "127.0.0.1:1001")
	assert.ErrorIs(t, err, ErrAdapterClosed)
}
