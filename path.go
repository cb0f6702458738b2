package quicmigrate

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/quicmigrate/transport"
)

// PathState represents the validation state of a known path.
type PathState uint8

const (
	// PathUnvalidated means the path exists but has not been probed.
	PathUnvalidated PathState = iota
	// PathValidating means a challenge is outstanding on the path.
	PathValidating
	// PathValidated means the path passed challenge/response validation.
	PathValidated
	// PathFailed means validation failed; the path is unusable.
	PathFailed
)

// String returns a human-readable state name.
func (s PathState) String() string {
	switch s {
	case PathUnvalidated:
		return "unvalidated"
	case PathValidating:
		return "validating"
	case PathValidated:
		return "validated"
	case PathFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Path is one (local binding, remote address, interface) tuple the
// connection knows about. Identity fields are immutable after creation;
// only the state changes.
type Path struct {
	ID         transport.PathID
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Interface  string

	mu    sync.Mutex
	state PathState
}

// State returns the path's current validation state.
func (p *Path) State() PathState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Path) setState(s PathState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// errPathNotValidated guards the arena against activating an unproven path.
var errPathNotValidated = errors.New("path is not validated")

// pathArena holds every path the connection has seen. The active path is
// an atomically swapped index into the arena: the coordinator is the single
// writer (post-validation), packet delivery goroutines only read it, so no
// torn reads are possible. Paths are connection-lifetime records and are
// never removed, only marked failed.
type pathArena struct {
	mu    sync.RWMutex
	paths []*Path
	index map[transport.PathID]int

	active atomic.Int32
}

func newPathArena() *pathArena {
	a := &pathArena{index: make(map[transport.PathID]int)}
	a.active.Store(-1)
	return a
}

func (a *pathArena) add(p *Path) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.index[p.ID] = len(a.paths)
	a.paths = append(a.paths, p)
}

func (a *pathArena) get(id transport.PathID) *Path {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i, ok := a.index[id]
	if !ok {
		return nil
	}
	return a.paths[i]
}

// setActive swaps the active path to id. Only a validated path may become
// active.
func (a *pathArena) setActive(id transport.PathID) error {
	a.mu.RLock()
	i, ok := a.index[id]
	var p *Path
	if ok {
		p = a.paths[i]
	}
	a.mu.RUnlock()

	if p == nil {
		return transport.ErrUnknownPath
	}
	if p.State() != PathValidated {
		return errPathNotValidated
	}

	a.active.Store(int32(i))
	return nil
}

// activePath returns the currently active path, or nil before the first
// path is installed.
func (a *pathArena) activePath() *Path {
	i := a.active.Load()
	if i < 0 {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paths[i]
}

// all returns a snapshot of every known path.
func (a *pathArena) all() []*Path {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*Path, len(a.paths))
	copy(out, a.paths)
	return out
}
