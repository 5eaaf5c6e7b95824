// Package sink defines the buffered-media-sink abstraction the append
// pipeline drives, together with its WebSocket-attached browser
// implementation. A sink accepts sequential byte appends and reports, per
// append, an asynchronous success-or-error outcome plus how far its buffered
// range now extends.
package sink

import (
	"context"
	"errors"
)

// AppendMode selects how the sink times appended fragments.
type AppendMode int

const (
	// Segments honors the timestamps embedded in the fragments.
	Segments AppendMode = iota
	// Sequence makes playback order equal append order, ignoring embedded
	// timestamps. The pipeline always requests this mode.
	Sequence
)

var (
	// ErrAppendInFlight is returned by BeginAppend when the previous
	// append's completion has not been observed yet.
	ErrAppendInFlight = errors.New("sink: append already in flight")
	// ErrClosed is returned for operations on a torn-down sink.
	ErrClosed = errors.New("sink: closed")
)

// Sink is the contract required of any streaming destination.
//
// Exactly one append may be in flight at a time: callers must wait for the
// channel returned by BeginAppend before issuing the next one. All the
// configuration and teardown operations are best-effort; implementations
// return an error but must remain usable (or at least inert) afterwards.
type Sink interface {
	// Open attaches to the destination and blocks until it signals ready
	// or reports an error.
	Open(ctx context.Context, mimeCodec string) error
	// SetAppendMode requests append timing semantics.
	SetAppendMode(mode AppendMode) error
	// SetUnboundedDuration requests an open-ended stream duration.
	SetUnboundedDuration() error
	// BeginAppend submits one fragment. A non-nil error means the
	// submission itself failed and nothing is in flight. Otherwise the
	// returned channel yields exactly one value: nil on acceptance or the
	// sink's rejection error.
	BeginAppend(p []byte) (<-chan error, error)
	// BufferedEnd reports the end of the sink's buffered range in
	// seconds, 0 when nothing is buffered yet.
	BufferedEnd() float64
	// EndOfStream signals that no further appends will arrive.
	EndOfStream() error
	// Abort abandons any in-flight append.
	Abort() error
	// Close tears the sink down. Safe to call repeatedly.
	Close() error
	// Errors delivers autonomous sink errors that occur outside an
	// in-flight append.
	Errors() <-chan error
}
