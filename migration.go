package quicmigrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/quicmigrate/connid"
	"github.com/opd-ai/quicmigrate/pathval"
	"github.com/opd-ai/quicmigrate/transport"
)

// Target names the local endpoint a migration should move to. The remote
// endpoint stays the connection's validated peer address unless RemoteAddr
// overrides it.
type Target struct {
	// LocalAddr is the new local binding, e.g. "192.168.1.10:0".
	LocalAddr string

	// Interface is an optional interface label carried for observability.
	Interface string

	// RemoteAddr optionally overrides the peer address to dial.
	RemoteAddr string
}

// MigrationAttempt is the ephemeral record of one migration in flight. It
// is created when migration is requested and destroyed when the attempt
// resolves.
type MigrationAttempt struct {
	ID       uuid.UUID
	Target   Target
	Path     *Path
	ConnID   *connid.ID
	Deadline time.Time
}

// MigrationResult reports a successful migration for the caller and its
// logs.
type MigrationResult struct {
	AttemptID uuid.UUID

	// OldPath is the previously active path, kept open through the
	// retirement grace window.
	OldPath *Path

	// NewPath is the now-active path.
	NewPath *Path

	// ActiveID is the connection ID active on the new path.
	ActiveID *connid.ID

	// RetiringID is the previous active ID, retired once the grace window
	// elapses. Nil if the old path had no active ID.
	RetiringID *connid.ID
}

// MigrateTo switches the connection's active path to the given target. The
// call is synchronous from the caller's perspective: it returns once the
// candidate path is validated and activated, or with a MigrationFailedError
// when validation fails or times out. A failed migration leaves the
// transfer running uninterrupted on the prior path.
//
// Only one attempt may be in flight per connection; concurrent calls fail
// fast with ErrMigrationInProgress.
func (c *Connection) MigrateTo(ctx context.Context, target Target) (*MigrationResult, error) {
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}

	// One initial challenge round plus the configured retries.
	rounds := c.opts.ValidationRetries + 1
	if rounds < 1 {
		rounds = 1
	}
	attempt := &MigrationAttempt{
		ID:       uuid.New(),
		Target:   target,
		Deadline: c.opts.Clock.Now().Add(c.opts.ValidationTimeout * time.Duration(rounds)),
	}

	c.attemptMu.Lock()
	if c.attempt != nil {
		c.attemptMu.Unlock()
		return nil, ErrMigrationInProgress
	}
	c.attempt = attempt
	c.attemptMu.Unlock()

	defer func() {
		c.attemptMu.Lock()
		c.attempt = nil
		c.attemptMu.Unlock()
	}()

	log := logrus.WithFields(logrus.Fields{
		"function":  "Connection.MigrateTo",
		"attempt":   attempt.ID.String(),
		"target":    target.LocalAddr,
		"interface": target.Interface,
	})
	log.Info("Starting migration attempt")

	cid, err := c.pool.AllocateLocal()
	if err != nil {
		log.WithField("error", err).Warn("Migration aborted: no connection ID")
		return nil, fmt.Errorf("%w: %v", ErrNoAvailableID, err)
	}
	attempt.ConnID = cid

	remote := target.RemoteAddr
	if remote == "" {
		remote = c.PeerAddr()
	}

	pathID, err := c.adapter.OpenPath(target.LocalAddr, remote)
	if err != nil {
		c.discardConnID(cid)
		log.WithField("error", err).Warn("Migration failed: cannot open candidate path")
		return nil, &MigrationFailedError{Reason: ReasonNoRoute, Err: err}
	}

	candidate := &Path{
		ID:         pathID,
		LocalAddr:  c.adapter.PathLocalAddr(pathID),
		RemoteAddr: c.adapter.PathRemoteAddr(pathID),
		Interface:  target.Interface,
		state:      PathValidating,
	}
	c.arena.add(candidate)
	attempt.Path = candidate

	outcome, err := c.validator.Validate(ctx, pathID)
	if err != nil {
		c.discardCandidate(candidate, cid)
		log.WithField("error", err).Warn("Migration failed during validation")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &MigrationFailedError{Reason: ReasonTimeout, Err: err}
		}
		if errors.Is(err, context.Canceled) {
			// Caller-initiated cancellation is not a migration failure.
			return nil, fmt.Errorf("migration aborted: %w", err)
		}
		return nil, &MigrationFailedError{Reason: ReasonNoRoute, Err: err}
	}

	switch outcome {
	case pathval.OutcomeValidated:
		// Fall through to the switch below.
	case pathval.OutcomeTimeout:
		c.discardCandidate(candidate, cid)
		log.Warn("Migration failed: validation timed out")
		return nil, &MigrationFailedError{Reason: ReasonTimeout}
	case pathval.OutcomeCanceled:
		c.discardCandidate(candidate, cid)
		log.Warn("Migration abandoned: connection closed")
		return nil, ErrConnectionClosed
	default:
		c.discardCandidate(candidate, cid)
		log.Warn("Migration failed: validation rejected")
		return nil, &MigrationFailedError{Reason: ReasonValidationRejected}
	}

	result, err := c.switchToValidated(candidate, cid)
	if err != nil {
		c.discardCandidate(candidate, cid)
		return nil, err
	}
	result.AttemptID = attempt.ID

	log.WithFields(logrus.Fields{
		"new_path": candidate.ID,
		"conn_id":  cid.String(),
	}).Info("Migration succeeded")

	return result, nil
}

// switchToValidated atomically promotes a validated candidate to the active
// path: swap the arena index, bind the fresh connection ID, re-schedule
// in-flight stream data, and start the grace window on the previous ID and
// path.
func (c *Connection) switchToValidated(candidate *Path, cid *connid.ID) (*MigrationResult, error) {
	candidate.setState(PathValidated)

	if err := c.pool.SetActive(candidate.ID, cid); err != nil {
		return nil, err
	}

	old := c.arena.activePath()
	var retiring *connid.ID
	if old != nil {
		if prev, err := c.pool.ActiveFor(old.ID); err == nil {
			retiring = prev
		}
	}

	if err := c.arena.setActive(candidate.ID); err != nil {
		return nil, err
	}

	// Advertise the fresh ID and announce retirement of the previous one.
	// Local acceptance of the old ID continues through the grace window.
	frame := &transport.NewConnectionIDFrame{
		Sequence:     cid.Sequence,
		ConnectionID: cid.Bytes,
		ResetToken:   cid.ResetToken,
	}
	if pkt, err := frame.Encode(); err == nil {
		_ = c.adapter.SendOnPath(candidate.ID, pkt)
	}
	if retiring != nil {
		retire := &transport.RetireConnectionIDFrame{Sequence: retiring.Sequence}
		_ = c.adapter.SendOnPath(candidate.ID, retire.Encode())
	}

	if err := c.bridge.OnPathSwitch(oldPathID(old), candidate.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.switchToValidated",
			"error":    err,
		}).Warn("Failed to re-schedule unacked data on new path")
	}

	if retiring != nil {
		c.pool.RetireAfter(retiring, c.opts.RetirementGrace)
	}
	if old != nil {
		// The old path keeps absorbing reordered packets until the grace
		// window closes, then it is released.
		oldID := old.ID
		c.opts.Clock.AfterFunc(c.opts.RetirementGrace, func() {
			if c.isClosed() {
				return
			}
			_ = c.adapter.ClosePath(oldID)
		})
	}

	return &MigrationResult{
		OldPath:    old,
		NewPath:    candidate,
		ActiveID:   cid,
		RetiringID: retiring,
	}, nil
}

// discardCandidate drops a failed candidate path and its connection ID.
// The original active path is left untouched.
func (c *Connection) discardCandidate(candidate *Path, cid *connid.ID) {
	candidate.setState(PathFailed)
	c.pool.ClearActive(candidate.ID)
	_ = c.adapter.ClosePath(candidate.ID)
	c.discardConnID(cid)
}

// discardConnID retires an ID consumed by a failed attempt so it is never
// reused.
func (c *Connection) discardConnID(cid *connid.ID) {
	if cid == nil {
		return
	}
	if err := c.pool.Retire(cid.Sequence, cid.Local); err != nil && !errors.Is(err, connid.ErrRetiredID) {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.discardConnID",
			"sequence": cid.Sequence,
			"error":    err,
		}).Warn("Failed to discard connection ID")
	}
}

// CurrentAttempt returns the in-flight migration attempt, or nil when the
// coordinator is idle.
func (c *Connection) CurrentAttempt() *MigrationAttempt {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	return c.attempt
}

func oldPathID(p *Path) transport.PathID {
	if p == nil {
		return 0
	}
	return p.ID
}
