package quicmigrate

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/quicmigrate/connid"
	"github.com/opd-ai/quicmigrate/continuity"
	"github.com/opd-ai/quicmigrate/pathval"
	"github.com/opd-ai/quicmigrate/transport"
)

// Connection owns the migration state of one established QUIC connection:
// the path arena with its active path, the connection ID pool, the path
// validator, and the continuity bridge. All state is scoped to the
// instance; independent connections migrate concurrently without
// interference.
type Connection struct {
	opts      *Options
	adapter   transport.Adapter
	pool      *connid.Pool
	validator *pathval.Validator
	bridge    *continuity.Bridge

	arena *pathArena

	// attemptMu guards the single in-flight migration attempt.
	attemptMu sync.Mutex
	attempt   *MigrationAttempt

	// peerMu guards the validated peer address and in-flight probes of
	// peer-initiated address changes.
	peerMu   sync.Mutex
	peerAddr string
	probes   map[string]transport.PathID

	closeOnce sync.Once
	closed    chan struct{}
}

// frameResender retransmits stream bytes as stream data frames through the
// adapter. It is the default continuity.Resender.
type frameResender struct {
	adapter transport.Adapter
}

func (r *frameResender) Resend(streamID uint32, offset uint64, data []byte, path transport.PathID) error {
	frame := &transport.StreamDataFrame{StreamID: streamID, Offset: offset, Data: data}
	return r.adapter.SendOnPath(path, frame.Encode())
}

// New creates a Connection over an already-established transport. The
// initial path is opened from localAddr to remoteAddr and counts as
// validated: reachability was proven by the completed handshake.
func New(adapter transport.Adapter, localAddr, remoteAddr string, options *Options) (*Connection, error) {
	opts := options.withDefaults()

	if opts.ResetTokenSecret == ([32]byte{}) {
		if _, err := rand.Read(opts.ResetTokenSecret[:]); err != nil {
			return nil, fmt.Errorf("failed to generate reset token secret: %w", err)
		}
	}

	pool, err := connid.NewPool(connid.Config{
		MaxOutstanding: opts.MaxOutstandingIDs,
		IDLength:       opts.ConnectionIDLength,
		ResetSecret:    opts.ResetTokenSecret,
		Clock:          opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection ID pool: %w", err)
	}

	resender := opts.Resender
	if resender == nil {
		resender = &frameResender{adapter: adapter}
	}

	c := &Connection{
		opts:    opts,
		adapter: adapter,
		pool:    pool,
		bridge:  continuity.NewBridge(resender),
		arena:   newPathArena(),
		probes:  make(map[string]transport.PathID),
		closed:  make(chan struct{}),
	}
	c.validator = pathval.New(adapter, pathval.Config{
		Timeout:    opts.ValidationTimeout,
		MaxRetries: opts.ValidationRetries,
		Clock:      opts.Clock,
	})

	pathID, err := adapter.OpenPath(localAddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open initial path: %w", err)
	}

	initial := &Path{
		ID:         pathID,
		LocalAddr:  adapter.PathLocalAddr(pathID),
		RemoteAddr: adapter.PathRemoteAddr(pathID),
		state:      PathValidated,
	}
	c.arena.add(initial)
	if err := c.arena.setActive(pathID); err != nil {
		return nil, err
	}
	c.peerAddr = addrKey(initial.RemoteAddr)

	cid, err := pool.AllocateLocal()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate initial connection ID: %w", err)
	}
	if err := pool.SetActive(pathID, cid); err != nil {
		return nil, err
	}

	adapter.RegisterHandler(transport.PacketPathChallenge, c.handlePathChallenge)
	adapter.RegisterHandler(transport.PacketPathResponse, c.validator.HandlePathResponse)
	adapter.RegisterHandler(transport.PacketNewConnectionID, c.handleNewConnectionID)
	adapter.RegisterHandler(transport.PacketRetireConnectionID, c.handleRetireConnectionID)
	adapter.RegisterHandler(transport.PacketStreamAck, c.handleStreamAck)
	adapter.OnUnknownSource(c.handlePeerAddressChange)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"path":     pathID,
		"local":    addrKey(initial.LocalAddr),
		"remote":   c.peerAddr,
		"conn_id":  cid.String(),
	}).Info("Connection created")

	return c, nil
}

// ActivePath returns the currently active path.
func (c *Connection) ActivePath() *Path {
	return c.arena.activePath()
}

// KnownPaths returns a snapshot of every path the connection has seen.
func (c *Connection) KnownPaths() []*Path {
	return c.arena.all()
}

// PeerAddr returns the validated remote address.
func (c *Connection) PeerAddr() string {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	return c.peerAddr
}

// VerifyPeerAddr reports whether addr is the connection's validated peer
// address. Unknown or still-probing addresses fail with
// ErrUnvalidatedPeerPath; application data from them must not be trusted.
func (c *Connection) VerifyPeerAddr(addr net.Addr) error {
	key := addrKey(addr)

	c.peerMu.Lock()
	defer c.peerMu.Unlock()

	if key == c.peerAddr {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnvalidatedPeerPath, key)
}

// Pool exposes the connection ID pool for observability.
func (c *Connection) Pool() *connid.Pool {
	return c.pool
}

// Bridge exposes the continuity bridge; the transfer layer consumes
// PendingUnacked and Resend from it.
func (c *Connection) Bridge() *continuity.Bridge {
	return c.bridge
}

// SendStreamData transmits stream bytes on the active path and tracks them
// in the continuity bridge until acknowledged.
func (c *Connection) SendStreamData(streamID uint32, offset uint64, data []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	active := c.arena.activePath()
	if active == nil {
		return transport.ErrUnknownPath
	}

	c.bridge.Track(streamID, offset, data)

	frame := &transport.StreamDataFrame{StreamID: streamID, Offset: offset, Data: data}
	return c.adapter.SendOnPath(active.ID, frame.Encode())
}

// Close tears down the connection's paths and abandons any pending
// validation. Migration state does not survive the connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.validator.CancelAll()

		for _, p := range c.arena.all() {
			if p.State() == PathFailed {
				continue
			}
			err = multierr.Append(err, c.adapter.ClosePath(p.ID))
		}

		logrus.WithFields(logrus.Fields{
			"function": "Connection.Close",
		}).Info("Connection closed")
	})
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// handlePathChallenge echoes a PATH_RESPONSE carrying the received token
// over the arrival path, so the peer can validate its view of this path.
func (c *Connection) handlePathChallenge(packet *transport.Packet, path transport.PathID, addr net.Addr) error {
	token, err := transport.DecodeChallengeToken(packet.Data)
	if err != nil {
		return err
	}
	return c.adapter.SendOnPath(path, transport.EncodePathResponse(token))
}

// handleNewConnectionID records a peer-issued connection ID.
func (c *Connection) handleNewConnectionID(packet *transport.Packet, path transport.PathID, addr net.Addr) error {
	frame, err := transport.ParseNewConnectionIDFrame(packet.Data)
	if err != nil {
		return err
	}

	if _, err := c.pool.RegisterPeer(frame.ConnectionID, frame.Sequence, frame.ResetToken); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.handleNewConnectionID",
			"sequence": frame.Sequence,
			"error":    err,
		}).Warn("Rejected peer connection ID")
		return err
	}
	return nil
}

// handleRetireConnectionID retires a locally issued ID at the peer's
// request.
func (c *Connection) handleRetireConnectionID(packet *transport.Packet, path transport.PathID, addr net.Addr) error {
	frame, err := transport.ParseRetireConnectionIDFrame(packet.Data)
	if err != nil {
		return err
	}
	return c.pool.Retire(frame.Sequence, true)
}

// handleStreamAck trims acknowledged bytes from the continuity bridge.
func (c *Connection) handleStreamAck(packet *transport.Packet, path transport.PathID, addr net.Addr) error {
	frame, err := transport.ParseStreamAckFrame(packet.Data)
	if err != nil {
		return err
	}
	c.bridge.Ack(frame.StreamID, frame.UpTo)
	return nil
}

// handlePeerAddressChange reacts to packets arriving from a source address
// that matches no open path. The recorded peer address is never switched
// until the new address passes the same challenge/response validation a
// local migration gets; until then packets from it are not trusted.
func (c *Connection) handlePeerAddressChange(path transport.PathID, addr net.Addr, packet *transport.Packet) {
	if c.isClosed() {
		return
	}

	if c.VerifyPeerAddr(addr) == nil {
		return
	}
	key := addrKey(addr)

	c.peerMu.Lock()
	if _, probing := c.probes[key]; probing {
		c.peerMu.Unlock()
		return
	}

	probeID, err := c.adapter.DerivePath(path, key)
	if err != nil {
		c.peerMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connection.handlePeerAddressChange",
			"from":     key,
			"error":    err,
		}).Warn("Failed to derive probe path for peer address change")
		return
	}
	c.probes[key] = probeID
	c.peerMu.Unlock()

	probe := &Path{
		ID:         probeID,
		LocalAddr:  c.adapter.PathLocalAddr(probeID),
		RemoteAddr: c.adapter.PathRemoteAddr(probeID),
		state:      PathValidating,
	}
	c.arena.add(probe)

	logrus.WithFields(logrus.Fields{
		"function": "Connection.handlePeerAddressChange",
		"from":     key,
		"probe":    probeID,
		"reason":   ErrUnvalidatedPeerPath,
	}).Info("Peer address changed, validating before trusting")

	go c.probePeerAddress(path, probe, key)
}

// probePeerAddress validates a claimed new peer address and adopts it only
// on success.
func (c *Connection) probePeerAddress(basePath transport.PathID, probe *Path, key string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	outcome, err := c.validator.Validate(ctx, probe.ID)

	c.peerMu.Lock()
	delete(c.probes, key)
	c.peerMu.Unlock()

	if err != nil || outcome != pathval.OutcomeValidated {
		probe.setState(PathFailed)
		_ = c.adapter.ClosePath(probe.ID)
		logrus.WithFields(logrus.Fields{
			"function": "Connection.probePeerAddress",
			"from":     key,
			"error":    err,
		}).Warn("Peer address change failed validation, keeping previous address")
		return
	}

	probe.setState(PathValidated)

	// Carry the active connection ID over: the local binding is unchanged,
	// only the remote endpoint moved.
	if cid, err := c.pool.ActiveFor(basePath); err == nil {
		_ = c.pool.SetActive(probe.ID, cid)
	}

	old := c.arena.activePath()
	if err := c.arena.setActive(probe.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.probePeerAddress",
			"error":    err,
		}).Error("Failed to activate validated peer path")
		return
	}

	c.peerMu.Lock()
	c.peerAddr = key
	c.peerMu.Unlock()

	if old != nil {
		if err := c.bridge.OnPathSwitch(old.ID, probe.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connection.probePeerAddress",
				"error":    err,
			}).Warn("Failed to re-schedule unacked data after peer path switch")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connection.probePeerAddress",
		"peer":     key,
		"path":     probe.ID,
	}).Info("Adopted validated peer address")
}

func addrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
