package quicmigrate

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/quicmigrate/connid"
	"github.com/opd-ai/quicmigrate/continuity"
	"github.com/opd-ai/quicmigrate/pathval"
)

// DefaultRetirementGrace is how long the previous connection ID (and its
// path) stays accepted after a migration, absorbing reordered packets.
// There is no authoritative value for this window, so it is configurable.
const DefaultRetirementGrace = 5 * time.Second

// Options contains configuration for creating a new Connection.
type Options struct {
	// MaxOutstandingIDs limits non-retired local connection IDs.
	MaxOutstandingIDs int

	// ConnectionIDLength is the length of generated connection IDs in bytes.
	ConnectionIDLength int

	// ValidationTimeout bounds a single path challenge round.
	ValidationTimeout time.Duration

	// ValidationRetries is the number of extra challenge rounds after a
	// timeout before the attempt fails.
	ValidationRetries int

	// RetirementGrace is the delay before the previous active connection ID
	// is retired and its path closed after a successful migration.
	RetirementGrace time.Duration

	// ResetTokenSecret keys stateless reset token derivation. A zero value
	// is replaced with random bytes at connection creation.
	ResetTokenSecret [32]byte

	// Resender overrides how unacked stream bytes are retransmitted after a
	// path switch. Nil means frames are re-sent through the adapter.
	Resender continuity.Resender

	// Clock drives all timers. Nil means the real clock; tests inject a
	// mock.
	Clock clock.Clock
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		MaxOutstandingIDs:  connid.DefaultMaxOutstanding,
		ConnectionIDLength: connid.DefaultIDLength,
		ValidationTimeout:  pathval.DefaultTimeout,
		ValidationRetries:  pathval.DefaultMaxRetries,
		RetirementGrace:    DefaultRetirementGrace,
	}
}

// withDefaults returns a copy with unset fields filled, so a partially
// populated Options works and the caller's struct is never mutated.
func (o *Options) withDefaults() *Options {
	opts := &Options{}
	if o != nil {
		*opts = *o
	}
	if opts.MaxOutstandingIDs == 0 {
		opts.MaxOutstandingIDs = connid.DefaultMaxOutstanding
	}
	if opts.ConnectionIDLength == 0 {
		opts.ConnectionIDLength = connid.DefaultIDLength
	}
	if opts.ValidationTimeout == 0 {
		opts.ValidationTimeout = pathval.DefaultTimeout
	}
	if opts.ValidationRetries == 0 {
		opts.ValidationRetries = pathval.DefaultMaxRetries
	}
	if opts.RetirementGrace == 0 {
		opts.RetirementGrace = DefaultRetirementGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}
