package applifecycle

import (
	"errors"
	"sync"

	"openenterprise/wasmcore/appreg"
	"openenterprise/wasmcore/config"
)

// Errors returned by the chunked install session API (SPEC_FULL §4.6).
var (
	ErrSessionBusy    = errors.New("applifecycle: no free install session")
	ErrSessionTooLarge = errors.New("applifecycle: total size exceeds max app binary size")
	ErrOverflow       = errors.New("applifecycle: chunk would exceed declared total size")
	ErrIncomplete     = errors.New("applifecycle: session has not received total_size bytes")
	ErrUnknownSession = errors.New("applifecycle: unknown session id")
)

const maxSessions = 4

type installSession struct {
	inUse     bool
	name      string
	source    appreg.Source
	totalSize int
	received  int
	buf       []byte
}

// sessionTable is the fixed-size pool of concurrent chunked install
// sessions (SPEC_FULL §4.6: "separate sessions can be updated concurrently
// by separate threads, but a single session is not thread-safe").
type sessionTable struct {
	mu       sync.Mutex
	sessions [maxSessions]installSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{}
}

// Begin allocates a session buffer sized to totalSize.
func (t *sessionTable) Begin(name string, totalSize int, source appreg.Source) (int, error) {
	if totalSize > config.MaxAppBinarySize() {
		return 0, ErrSessionTooLarge
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.sessions {
		if !t.sessions[i].inUse {
			t.sessions[i] = installSession{
				inUse:     true,
				name:      name,
				source:    source,
				totalSize: totalSize,
				buf:       make([]byte, 0, totalSize),
			}
			return i, nil
		}
	}
	return 0, ErrSessionBusy
}

// Chunk appends data to session id.
func (t *sessionTable) Chunk(id int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.sessions) || !t.sessions[id].inUse {
		return ErrUnknownSession
	}
	s := &t.sessions[id]
	if s.received+len(data) > s.totalSize {
		return ErrOverflow
	}
	s.buf = append(s.buf, data...)
	s.received += len(data)
	return nil
}

// End validates completeness and returns the accumulated binary, freeing
// the session regardless of outcome (SPEC_FULL §4.6: "always frees the
// session buffer").
func (t *sessionTable) End(id int) (string, appreg.Source, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.sessions) || !t.sessions[id].inUse {
		return "", 0, nil, ErrUnknownSession
	}
	s := t.sessions[id]
	t.sessions[id] = installSession{}
	if s.received != s.totalSize {
		return "", 0, nil, ErrIncomplete
	}
	return s.name, s.source, s.buf, nil
}

// Abort frees the session without validating completeness.
func (t *sessionTable) Abort(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.sessions) || !t.sessions[id].inUse {
		return ErrUnknownSession
	}
	t.sessions[id] = installSession{}
	return nil
}
