// Package connid manages the connection IDs negotiated on a connection.
//
// The pool tracks locally-issued and peer-issued connection IDs, their
// sequence numbers and retirement state, and which ID is active on each
// path. Retirement is monotonic: an ID once retired is never handed out or
// accepted as active again.
package connid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/quicmigrate/transport"
)

// ErrPoolExhausted indicates the configured maximum of outstanding local
// connection IDs has been reached.
var ErrPoolExhausted = errors.New("connection ID pool exhausted")

// ErrDuplicateSequence indicates a peer-issued connection ID reused an
// already-seen sequence number.
var ErrDuplicateSequence = errors.New("duplicate connection ID sequence number")

// ErrRetiredID indicates a lookup or activation against a retired ID.
var ErrRetiredID = errors.New("connection ID is retired")

// ErrUnknownSequence indicates a sequence number the pool has never seen.
var ErrUnknownSequence = errors.New("unknown connection ID sequence number")

// ErrNoActiveID indicates no connection ID is associated with the path.
var ErrNoActiveID = errors.New("no active connection ID for path")

// DefaultMaxOutstanding is the default limit of non-retired local IDs.
const DefaultMaxOutstanding = 4

// DefaultIDLength is the default connection ID length in bytes.
const DefaultIDLength = 8

// retiredCacheSize bounds the recently-retired lookup cache. Entries exist
// only to recognize reordered packets during the retirement grace window.
const retiredCacheSize = 64

// ID is a single connection ID together with its pool bookkeeping.
// The pool owns all mutation; callers treat an ID as read-only.
type ID struct {
	Bytes      []byte
	Sequence   uint64
	Local      bool
	ResetToken [transport.ResetTokenSize]byte

	retired bool
}

// String returns the hex form of the ID bytes for logging.
func (id *ID) String() string {
	return fmt.Sprintf("%x", id.Bytes)
}

// Config configures a Pool.
type Config struct {
	// MaxOutstanding limits non-retired local IDs. Zero means the default.
	MaxOutstanding int

	// IDLength is the length of generated local IDs. Zero means the default.
	IDLength int

	// ResetSecret keys the stateless reset token derivation for local IDs.
	ResetSecret [32]byte

	// Clock drives grace-period retirement timers. Nil means the real clock.
	Clock clock.Clock
}

// Pool tracks the connection IDs negotiated on one connection.
type Pool struct {
	mu sync.Mutex

	maxOutstanding int
	idLength       int
	resetSecret    [32]byte
	clock          clock.Clock

	nextLocalSeq uint64
	local        map[uint64]*ID
	peer         map[uint64]*ID
	activeByPath map[transport.PathID]*ID

	retiredRecent *lru.Cache[string, uint64]
}

// NewPool creates an empty pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxOutstanding == 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	if cfg.MaxOutstanding < 0 {
		return nil, errors.New("max outstanding IDs must be positive")
	}
	if cfg.IDLength == 0 {
		cfg.IDLength = DefaultIDLength
	}
	if cfg.IDLength < 1 || cfg.IDLength > transport.MaxConnectionIDLength {
		return nil, fmt.Errorf("connection ID length %d out of range [1,%d]", cfg.IDLength, transport.MaxConnectionIDLength)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	cache, err := lru.New[string, uint64](retiredCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create retired ID cache: %w", err)
	}

	return &Pool{
		maxOutstanding: cfg.MaxOutstanding,
		idLength:       cfg.IDLength,
		resetSecret:    cfg.ResetSecret,
		clock:          cfg.Clock,
		local:          make(map[uint64]*ID),
		peer:           make(map[uint64]*ID),
		activeByPath:   make(map[transport.PathID]*ID),
		retiredRecent:  cache,
	}, nil
}

// AllocateLocal returns a fresh local connection ID that has not been
// advertised yet. It fails with ErrPoolExhausted once the configured
// maximum of outstanding (non-retired) local IDs is reached.
func (p *Pool) AllocateLocal() (*ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outstanding := 0
	for _, id := range p.local {
		if !id.retired {
			outstanding++
		}
	}
	if outstanding >= p.maxOutstanding {
		return nil, ErrPoolExhausted
	}

	bytes := make([]byte, p.idLength)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate connection ID: %w", err)
	}

	id := &ID{
		Bytes:      bytes,
		Sequence:   p.nextLocalSeq,
		Local:      true,
		ResetToken: DeriveResetToken(p.resetSecret, bytes),
	}
	p.nextLocalSeq++
	p.local[id.Sequence] = id

	logrus.WithFields(logrus.Fields{
		"function": "Pool.AllocateLocal",
		"sequence": id.Sequence,
		"id":       id.String(),
	}).Debug("Allocated local connection ID")

	return id, nil
}

// RegisterPeer records a peer-issued connection ID. It fails with
// ErrDuplicateSequence if the sequence number has been seen before.
func (p *Pool) RegisterPeer(cid []byte, sequence uint64, token [transport.ResetTokenSize]byte) (*ID, error) {
	if len(cid) == 0 || len(cid) > transport.MaxConnectionIDLength {
		return nil, fmt.Errorf("connection ID length %d out of range [1,%d]", len(cid), transport.MaxConnectionIDLength)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.peer[sequence]; exists {
		return nil, ErrDuplicateSequence
	}

	id := &ID{
		Bytes:      append([]byte(nil), cid...),
		Sequence:   sequence,
		Local:      false,
		ResetToken: token,
	}
	p.peer[sequence] = id

	logrus.WithFields(logrus.Fields{
		"function": "Pool.RegisterPeer",
		"sequence": sequence,
		"id":       id.String(),
	}).Debug("Registered peer connection ID")

	return id, nil
}

// Retire marks the ID with the given sequence number retired. Retirement is
// monotonic: subsequent lookups and activations fail with ErrRetiredID.
func (p *Pool) Retire(sequence uint64, local bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.retireLocked(sequence, local)
}

func (p *Pool) retireLocked(sequence uint64, local bool) error {
	ids := p.peer
	if local {
		ids = p.local
	}

	id, ok := ids[sequence]
	if !ok {
		return ErrUnknownSequence
	}
	if id.retired {
		return ErrRetiredID
	}

	id.retired = true
	p.retiredRecent.Add(string(id.Bytes), sequence)

	// A retired ID must not remain active on any path.
	for path, active := range p.activeByPath {
		if active == id {
			delete(p.activeByPath, path)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Pool.Retire",
		"sequence": sequence,
		"local":    local,
		"id":       id.String(),
	}).Info("Retired connection ID")

	return nil
}

// RetireAfter schedules retirement of an ID once the grace period elapses.
// The delay absorbs reordered packets still carrying the old ID after a
// migration. Retirement that already happened is left untouched.
func (p *Pool) RetireAfter(id *ID, grace time.Duration) {
	if grace <= 0 {
		_ = p.Retire(id.Sequence, id.Local)
		return
	}

	p.clock.AfterFunc(grace, func() {
		if err := p.Retire(id.Sequence, id.Local); err != nil && !errors.Is(err, ErrRetiredID) {
			logrus.WithFields(logrus.Fields{
				"function": "Pool.RetireAfter",
				"sequence": id.Sequence,
				"error":    err,
			}).Warn("Deferred retirement failed")
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "Pool.RetireAfter",
		"sequence": id.Sequence,
		"grace":    grace,
	}).Debug("Scheduled connection ID retirement")
}

// IsRetired reports whether the ID with the given sequence is retired.
func (p *Pool) IsRetired(sequence uint64, local bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.peer
	if local {
		ids = p.local
	}
	id, ok := ids[sequence]
	return ok && id.retired
}

// WasRecentlyRetired reports whether the given connection ID bytes belong
// to a recently retired ID. Used to accept reordered packets during the
// retirement grace window without reactivating the ID.
func (p *Pool) WasRecentlyRetired(cid []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.retiredRecent.Contains(string(cid))
}

// ActiveFor returns the connection ID active on the given path.
func (p *Pool) ActiveFor(path transport.PathID) (*ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.activeByPath[path]
	if !ok {
		return nil, ErrNoActiveID
	}
	return id, nil
}

// SetActive associates exactly one non-retired connection ID with a path.
// Activating a retired ID fails with ErrRetiredID.
func (p *Pool) SetActive(path transport.PathID, id *ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id.retired {
		return ErrRetiredID
	}
	p.activeByPath[path] = id
	return nil
}

// ClearActive drops the path's active ID association, e.g. when a candidate
// path is discarded after a failed migration attempt.
func (p *Pool) ClearActive(path transport.PathID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.activeByPath, path)
}

// OutstandingLocal returns the number of non-retired local IDs.
func (p *Pool) OutstandingLocal() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	outstanding := 0
	for _, id := range p.local {
		if !id.retired {
			outstanding++
		}
	}
	return outstanding
}
