// Package httpchunk implements the transport-agnostic chunk-framing glue
// named in SPEC_FULL.md's module expansion for component C1: turning a
// sequence of already-delineated byte ranges — an HTTP multipart upload
// read in pieces, or a CoAP block-wise transfer's successive blocks — into
// transport.Registry's begin/notify/end/abort lifecycle (SPEC_FULL §4.3.4).
// The wire framing itself (multipart boundaries, CoAP block options) stays
// a Non-goal per spec.md §1; a caller has already parsed "here is the next
// byte range for this transfer" before reaching Session.Chunk.
package httpchunk

import (
	"errors"

	"openenterprise/wasmcore/transport"
)

// ErrSessionClosed is returned by Chunk once End or Abort has been called.
var ErrSessionClosed = errors.New("httpchunk: session already closed")

// Session adapts one HTTP multipart part (or one CoAP block-wise transfer)
// to a transport.Dispatcher. It is not safe for concurrent use by more
// than one goroutine, matching the "a single session is not thread-safe"
// rule SPEC_FULL §5 states for app-manager install sessions — the same
// shape applies here since a session tracks one in-flight transfer.
type Session struct {
	d       transport.Dispatcher
	typ     transport.DataType
	name    string
	started bool
	done    bool
}

// NewSession constructs a Session that will dispatch typ/name chunks to d
// (typically a *transport.Registry). Nothing is dispatched until the
// first call to Chunk.
func NewSession(d transport.Dispatcher, typ transport.DataType, name string) *Session {
	return &Session{d: d, typ: typ, name: name}
}

// Chunk feeds one byte range to the underlying transfer. On the first
// call it issues Begin(totalSize, name); subsequent calls may pass
// totalSize as 0 since the dispatcher already recorded it. data may be
// empty for a zero-length chunk.
func (s *Session) Chunk(totalSize uint32, data []byte) error {
	if s.done {
		return ErrSessionClosed
	}
	if !s.started {
		if err := s.d.Begin(s.typ, totalSize, s.name); err != nil {
			return err
		}
		s.started = true
	}
	return s.d.Notify(s.typ, data)
}

// End closes the session successfully (or not, per success) and emits the
// dispatcher's terminal ChunkEnd/ChunkAbort notification. A no-op if the
// session was never started (no chunk ever arrived) or already closed.
func (s *Session) End(success bool) error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.started {
		return nil
	}
	return s.d.End(s.typ, success)
}

// Abort cancels the session unconditionally. Safe to call at any point,
// including before the first Chunk — abort is the universal cancel
// primitive for transports (SPEC_FULL §5).
func (s *Session) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.started {
		return nil
	}
	return s.d.Abort(s.typ)
}
