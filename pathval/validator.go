// Package pathval implements path validation for candidate network paths.
//
// Validation is a challenge/response exchange: an 8-byte random token is
// sent over the candidate path and the path counts as validated only when
// the matching token comes back over that same path. Responses arriving on
// a different path never validate the candidate, which prevents off-path
// spoofing.
package pathval

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/quicmigrate/transport"
)

// ErrValidationInProgress indicates a validation attempt already exists for
// the path.
var ErrValidationInProgress = errors.New("path validation already in progress")

// DefaultTimeout bounds one challenge round before it is retried or fails.
const DefaultTimeout = 3 * time.Second

// DefaultMaxRetries is the number of additional challenge rounds after the
// first one times out.
const DefaultMaxRetries = 2

// State is the validation state of a candidate path.
type State uint8

const (
	// StateIdle means no validation attempt exists for the path.
	StateIdle State = iota
	// StateChallenging means a challenge is outstanding on the path.
	StateChallenging
	// StateValidated means the matching response arrived on the path.
	StateValidated
	// StateFailed means validation timed out or the token mismatched.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallenging:
		return "challenging"
	case StateValidated:
		return "validated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the final result of a validation attempt.
type Outcome uint8

const (
	// OutcomeValidated means the path is proven reachable and unspoofed.
	OutcomeValidated Outcome = iota + 1
	// OutcomeTimeout means no response arrived within the deadline,
	// including all retry rounds.
	OutcomeTimeout
	// OutcomeRejected means a response arrived but carried the wrong token.
	OutcomeRejected
	// OutcomeCanceled means the attempt was abandoned, e.g. because the
	// connection closed.
	OutcomeCanceled
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeValidated:
		return "validated"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sender transmits packets over a specific path. transport.Adapter
// satisfies this interface.
type Sender interface {
	SendOnPath(path transport.PathID, packet *transport.Packet) error
}

// Config configures a Validator.
type Config struct {
	// Timeout bounds a single challenge round. Zero means the default.
	Timeout time.Duration

	// MaxRetries is the number of extra rounds after a timeout. Negative
	// disables retries; zero means the default.
	MaxRetries int

	// Clock drives deadline timers. Nil means the real clock.
	Clock clock.Clock
}

// Validator drives challenge/response validation for candidate paths.
// Waits are suspending operations bounded by a deadline and resumed exactly
// once, by response arrival, timeout, or cancellation.
type Validator struct {
	sender     Sender
	clock      clock.Clock
	timeout    time.Duration
	maxRetries int

	mu       sync.Mutex
	attempts map[transport.PathID]*attempt
}

// attempt is the per-path validation record. The resolved flag is the
// double-resume guard: whichever of response, timeout, or cancellation
// fires first wins, the rest become no-ops.
type attempt struct {
	path        transport.PathID
	token       [transport.ChallengeTokenSize]byte
	state       State
	resolved    bool
	retriesLeft int
	outcome     chan Outcome
	timer       *clock.Timer
}

// New creates a Validator sending challenges through the given sender.
func New(sender Sender, cfg Config) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Validator{
		sender:     sender,
		clock:      cfg.Clock,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		attempts:   make(map[transport.PathID]*attempt),
	}
}

// Validate runs a challenge/response exchange on the candidate path and
// blocks until the attempt resolves or ctx is done. Only one attempt may
// exist per path at a time.
func (v *Validator) Validate(ctx context.Context, path transport.PathID) (Outcome, error) {
	token, err := newToken()
	if err != nil {
		return 0, fmt.Errorf("failed to generate challenge token: %w", err)
	}

	v.mu.Lock()
	if _, exists := v.attempts[path]; exists {
		v.mu.Unlock()
		return 0, ErrValidationInProgress
	}
	a := &attempt{
		path:        path,
		token:       token,
		state:       StateChallenging,
		retriesLeft: v.maxRetries,
		outcome:     make(chan Outcome, 1),
	}
	v.attempts[path] = a
	v.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Validator.Validate",
		"path":     path,
		"timeout":  v.timeout,
	}).Info("Starting path validation")

	if err := v.sender.SendOnPath(path, transport.EncodePathChallenge(token)); err != nil {
		v.Cancel(path)
		return 0, fmt.Errorf("failed to send path challenge: %w", err)
	}

	v.mu.Lock()
	if !a.resolved {
		a.timer = v.clock.AfterFunc(v.timeout, func() { v.onTimeout(a) })
	}
	v.mu.Unlock()

	select {
	case outcome := <-a.outcome:
		v.mu.Lock()
		delete(v.attempts, path)
		v.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Validator.Validate",
			"path":     path,
			"outcome":  outcome.String(),
		}).Info("Path validation resolved")

		return outcome, nil
	case <-ctx.Done():
		v.Cancel(path)
		return 0, ctx.Err()
	}
}

// HandlePathResponse processes an inbound PATH_RESPONSE. It is meant to be
// registered as the transport handler for transport.PacketPathResponse.
// The path argument is the path the response arrived on; responses for
// attempts on other paths are ignored.
func (v *Validator) HandlePathResponse(packet *transport.Packet, path transport.PathID, addr net.Addr) error {
	token, err := transport.DecodeChallengeToken(packet.Data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	a, exists := v.attempts[path]
	if !exists || a.resolved {
		v.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Validator.HandlePathResponse",
			"path":     path,
			"from":     addrString(addr),
		}).Debug("Ignoring path response with no pending attempt")
		return nil
	}
	matched := a.token == token
	v.mu.Unlock()

	if matched {
		v.resolve(a, OutcomeValidated)
	} else {
		v.resolve(a, OutcomeRejected)
	}
	return nil
}

// StateOf reports the validation state of a path. Paths with no pending
// attempt are StateIdle.
func (v *Validator) StateOf(path transport.PathID) State {
	v.mu.Lock()
	defer v.mu.Unlock()

	a, exists := v.attempts[path]
	if !exists {
		return StateIdle
	}
	return a.state
}

// Cancel abandons a pending attempt, e.g. when the connection closes. The
// goroutine suspended in Validate is resumed with OutcomeCanceled.
// Cancelling a resolved or unknown attempt is a no-op.
func (v *Validator) Cancel(path transport.PathID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	a, exists := v.attempts[path]
	if !exists {
		return
	}
	if !a.resolved {
		a.resolved = true
		a.state = StateFailed
		if a.timer != nil {
			a.timer.Stop()
		}
		a.outcome <- OutcomeCanceled
	}
	delete(v.attempts, path)
}

// CancelAll abandons every pending attempt.
func (v *Validator) CancelAll() {
	v.mu.Lock()
	paths := make([]transport.PathID, 0, len(v.attempts))
	for path := range v.attempts {
		paths = append(paths, path)
	}
	v.mu.Unlock()

	for _, path := range paths {
		v.Cancel(path)
	}
}

// onTimeout handles an expired challenge round: retry with a fresh token
// while rounds remain, otherwise fail the attempt.
func (v *Validator) onTimeout(a *attempt) {
	v.mu.Lock()
	if a.resolved {
		v.mu.Unlock()
		return
	}
	if a.retriesLeft == 0 {
		v.mu.Unlock()
		v.resolve(a, OutcomeTimeout)
		return
	}

	a.retriesLeft--
	token, err := newToken()
	if err != nil {
		v.mu.Unlock()
		v.resolve(a, OutcomeTimeout)
		return
	}
	a.token = token
	path := a.path
	v.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Validator.onTimeout",
		"path":     path,
	}).Debug("Challenge timed out, retrying with fresh token")

	if err := v.sender.SendOnPath(path, transport.EncodePathChallenge(token)); err != nil {
		v.resolve(a, OutcomeTimeout)
		return
	}

	v.mu.Lock()
	if !a.resolved {
		a.timer = v.clock.AfterFunc(v.timeout, func() { v.onTimeout(a) })
	}
	v.mu.Unlock()
}

// resolve finishes an attempt exactly once.
func (v *Validator) resolve(a *attempt, outcome Outcome) {
	v.mu.Lock()
	if a.resolved {
		v.mu.Unlock()
		return
	}
	a.resolved = true
	if outcome == OutcomeValidated {
		a.state = StateValidated
	} else {
		a.state = StateFailed
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	v.mu.Unlock()

	a.outcome <- outcome
}

func newToken() ([transport.ChallengeTokenSize]byte, error) {
	var token [transport.ChallengeTokenSize]byte
	if _, err := rand.Read(token[:]); err != nil {
		return token, err
	}
	return token, nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
