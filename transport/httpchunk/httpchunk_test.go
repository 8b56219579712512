package httpchunk

import (
	"errors"
	"testing"

	"openenterprise/wasmcore/transport"
)

func TestSessionDrivesRegistryLifecycle(t *testing.T) {
	r := transport.New(nil)

	var got []byte
	if _, err := r.Register(transport.WasmApp, func(info transport.ChunkInfo, data []byte) error {
		got = append(got, data...)
		return nil
	}, "ctx", 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	s := NewSession(r, transport.WasmApp, "blink")
	payload := []byte("hello world, this is a wasm binary")
	const chunkSize = 8
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		total := uint32(0)
		if off == 0 {
			total = uint32(len(payload))
		}
		if err := s.Chunk(total, payload[off:end]); err != nil {
			t.Fatalf("chunk at %d: %v", off, err)
		}
	}
	if err := s.End(true); err != nil {
		t.Fatalf("end: %v", err)
	}

	if string(got) != string(payload) {
		t.Fatalf("handler saw %q, want %q", got, payload)
	}
	if r.IsActive(transport.WasmApp) {
		t.Fatalf("expected transfer inactive after End")
	}
	stats := r.Statistics(transport.WasmApp)
	if stats.TotalBytes != uint64(len(payload)) {
		t.Fatalf("expected total_bytes %d, got %d", len(payload), stats.TotalBytes)
	}
}

func TestSessionClosedAfterEnd(t *testing.T) {
	r := transport.New(nil)
	s := NewSession(r, transport.Config, "cfg")

	if err := s.Chunk(10, []byte("0123456789")); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := s.End(true); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.Chunk(0, []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	// Double End/Abort are both no-ops.
	if err := s.End(true); err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("abort after end should be a no-op, got %v", err)
	}
}

func TestSessionAbortBeforeAnyChunk(t *testing.T) {
	r := transport.New(nil)
	s := NewSession(r, transport.File, "f")
	if err := s.Abort(); err != nil {
		t.Fatalf("abort before first chunk should be a no-op, got %v", err)
	}
	if r.IsActive(transport.File) {
		t.Fatalf("expected no transfer ever started")
	}
}

// fakeDispatcher lets a test observe exactly which lifecycle calls a
// Session makes, and inject a Begin failure.
type fakeDispatcher struct {
	beginErr error
	calls    []string
}

func (f *fakeDispatcher) Begin(typ transport.DataType, totalSize uint32, name string) error {
	f.calls = append(f.calls, "begin")
	return f.beginErr
}
func (f *fakeDispatcher) Notify(typ transport.DataType, data []byte) error {
	f.calls = append(f.calls, "notify")
	return nil
}
func (f *fakeDispatcher) End(typ transport.DataType, success bool) error {
	f.calls = append(f.calls, "end")
	return nil
}
func (f *fakeDispatcher) Abort(typ transport.DataType) error {
	f.calls = append(f.calls, "abort")
	return nil
}

func TestSessionPropagatesBeginFailure(t *testing.T) {
	wantErr := errors.New("busy")
	f := &fakeDispatcher{beginErr: wantErr}
	s := NewSession(f, transport.Firmware, "fw")

	if err := s.Chunk(100, []byte("x")); !errors.Is(err, wantErr) {
		t.Fatalf("expected begin error to propagate, got %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "begin" {
		t.Fatalf("expected only begin to be called, got %v", f.calls)
	}
}
