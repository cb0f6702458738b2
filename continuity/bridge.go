// Package continuity keeps in-flight application stream data alive across
// path switches.
//
// The bridge tracks sent-but-unacknowledged byte segments per stream. When
// the active path changes it re-schedules every outstanding segment against
// the new path. Stream byte offsets are path-independent and never change,
// so the receiving side sees no gap and no duplicate regardless of how many
// migrations happen during a transfer.
package continuity

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/quicmigrate/transport"
)

// ErrNoResender indicates the bridge was built without a resend hook.
var ErrNoResender = errors.New("no resender configured")

// Range is a half-open byte range [Start, End) within a stream.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Resender retransmits stream bytes over a specific path. The transfer
// layer (or a transport shim) provides the implementation.
type Resender interface {
	Resend(streamID uint32, offset uint64, data []byte, path transport.PathID) error
}

// segment is one tracked unacknowledged send.
type segment struct {
	offset uint64
	data   []byte
}

func (s *segment) end() uint64 {
	return s.offset + uint64(len(s.data))
}

// streamState holds per-stream continuity bookkeeping. Segments are kept
// sorted by offset and contain only unacknowledged bytes.
type streamState struct {
	segments []*segment
	ackedTo  uint64
}

// Bridge buffers in-flight stream bytes so they survive path switches.
type Bridge struct {
	mu       sync.Mutex
	resender Resender
	streams  map[uint32]*streamState
}

// NewBridge creates a bridge that re-schedules unacked bytes through the
// given resender.
func NewBridge(resender Resender) *Bridge {
	return &Bridge{
		resender: resender,
		streams:  make(map[uint32]*streamState),
	}
}

// Track records stream bytes queued for send. Bytes at or below the acked
// watermark are dropped immediately: already-acknowledged data must never
// be resent.
func (b *Bridge) Track(streamID uint32, offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(streamID)

	end := offset + uint64(len(data))
	if end <= st.ackedTo {
		return
	}
	if offset < st.ackedTo {
		data = data[st.ackedTo-offset:]
		offset = st.ackedTo
	}

	seg := &segment{offset: offset, data: append([]byte(nil), data...)}
	st.segments = append(st.segments, seg)
	sort.Slice(st.segments, func(i, j int) bool {
		return st.segments[i].offset < st.segments[j].offset
	})
}

// Ack acknowledges all stream bytes below upTo. Fully covered segments are
// dropped; a partially covered segment is trimmed.
func (b *Bridge) Ack(streamID uint32, upTo uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(streamID)
	if upTo <= st.ackedTo {
		return
	}
	st.ackedTo = upTo

	kept := st.segments[:0]
	for _, seg := range st.segments {
		if seg.end() <= upTo {
			continue
		}
		if seg.offset < upTo {
			seg.data = seg.data[upTo-seg.offset:]
			seg.offset = upTo
		}
		kept = append(kept, seg)
	}
	st.segments = kept
}

// AckRange acknowledges one byte range of a stream, trimming or splitting
// any overlapping segments. Supports selective acknowledgment from
// transports that deliver acks out of order.
func (b *Bridge) AckRange(streamID uint32, r Range) {
	if r.Len() == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(streamID)

	var kept []*segment
	for _, seg := range st.segments {
		// No overlap.
		if seg.end() <= r.Start || seg.offset >= r.End {
			kept = append(kept, seg)
			continue
		}
		// Leading remainder below the acked range.
		if seg.offset < r.Start {
			kept = append(kept, &segment{
				offset: seg.offset,
				data:   seg.data[:r.Start-seg.offset],
			})
		}
		// Trailing remainder above the acked range.
		if seg.end() > r.End {
			kept = append(kept, &segment{
				offset: r.End,
				data:   seg.data[r.End-seg.offset:],
			})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].offset < kept[j].offset })
	st.segments = kept
}

// PendingUnacked returns the outstanding byte ranges of a stream, merged
// and sorted by offset. Consumed by the transfer layer to decide what still
// needs the wire.
func (b *Bridge) PendingUnacked(streamID uint32) []Range {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, exists := b.streams[streamID]
	if !exists {
		return nil
	}

	var ranges []Range
	for _, seg := range st.segments {
		r := Range{Start: seg.offset, End: seg.end()}
		if n := len(ranges); n > 0 && ranges[n-1].End >= r.Start {
			if r.End > ranges[n-1].End {
				ranges[n-1].End = r.End
			}
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// OnPathSwitch re-schedules every unacknowledged segment of every stream
// against the new active path. Invoked by the migration coordinator right
// after the active path is swapped. Byte offsets are left untouched.
func (b *Bridge) OnPathSwitch(oldPath, newPath transport.PathID) error {
	if b.resender == nil {
		return ErrNoResender
	}

	b.mu.Lock()
	type resend struct {
		streamID uint32
		offset   uint64
		data     []byte
	}
	var queue []resend
	for streamID, st := range b.streams {
		for _, seg := range st.segments {
			queue = append(queue, resend{streamID: streamID, offset: seg.offset, data: seg.data})
		}
	}
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Bridge.OnPathSwitch",
		"old_path": oldPath,
		"new_path": newPath,
		"segments": len(queue),
	}).Info("Re-scheduling unacked stream data on new path")

	for _, r := range queue {
		if err := b.resender.Resend(r.streamID, r.offset, r.data, newPath); err != nil {
			return err
		}
	}
	return nil
}

// Resend retransmits one outstanding range of a stream over the given
// path. Bytes of the range that are already acknowledged are skipped.
func (b *Bridge) Resend(streamID uint32, r Range, path transport.PathID) error {
	if b.resender == nil {
		return ErrNoResender
	}

	b.mu.Lock()
	st, exists := b.streams[streamID]
	type resend struct {
		offset uint64
		data   []byte
	}
	var queue []resend
	if exists {
		for _, seg := range st.segments {
			if seg.end() <= r.Start || seg.offset >= r.End {
				continue
			}
			start := seg.offset
			data := seg.data
			if start < r.Start {
				data = data[r.Start-start:]
				start = r.Start
			}
			if start+uint64(len(data)) > r.End {
				data = data[:r.End-start]
			}
			queue = append(queue, resend{offset: start, data: data})
		}
	}
	b.mu.Unlock()

	for _, item := range queue {
		if err := b.resender.Resend(streamID, item.offset, item.data, path); err != nil {
			return err
		}
	}
	return nil
}

// stream returns the state for streamID, creating it if needed. Caller
// holds b.mu.
func (b *Bridge) stream(streamID uint32) *streamState {
	st, exists := b.streams[streamID]
	if !exists {
		st = &streamState{}
		b.streams[streamID] = st
	}
	return st
}
