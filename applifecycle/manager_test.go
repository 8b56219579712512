package applifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"openenterprise/wasmcore/appreg"
)

// fakeRuntime lets tests control exactly when Start fails, to drive the
// app into Error deterministically (scenario S4).
type fakeRuntime struct {
	mu         sync.Mutex
	failStart  map[string]bool // container id -> force Start failure
	startCalls map[string]int  // container id -> number of Start attempts observed
	nextID     int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{failStart: map[string]bool{}, startCalls: map[string]int{}}
}

func (f *fakeRuntime) Install(ctx context.Context, name string, binary []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls[containerID]++
	if f.failStart[containerID] {
		return errTestForcedFailure
	}
	return nil
}

func (f *fakeRuntime) startCallCount(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls[containerID]
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error    { return nil }
func (f *fakeRuntime) Destroy(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) List() []string                                        { return nil }

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestForcedFailure = testErr("forced failure")

func wasmBinary() []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}, make([]byte, 32)...)
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime) {
	t.Helper()
	storage := appreg.NewMemStorage()
	registry := appreg.New(8, storage, nil)
	runtime := newFakeRuntime()
	return New(registry, runtime, storage, nil), runtime
}

func TestInstallThenStart(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Install(ctx, "blink", wasmBinary(), []byte(`{"version":"1.0.0"}`), appreg.SourceHTTP)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero id")
	}

	if err := m.Start(ctx, "blink"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	entry, err := m.registry.Get("blink")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != appreg.Running {
		t.Fatalf("expected Running, got %v", entry.State)
	}
}

// TestChunkedInstall mirrors scenario S3.
func TestChunkedInstall(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	binary := append([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}, make([]byte, 40000-8)...)
	session, err := m.InstallBegin("blink", len(binary), appreg.SourceHTTP)
	if err != nil {
		t.Fatalf("InstallBegin: %v", err)
	}

	const chunkSize = 2048
	for off := 0; off < len(binary); off += chunkSize {
		end := off + chunkSize
		if end > len(binary) {
			end = len(binary)
		}
		if err := m.InstallChunk(session, binary[off:end]); err != nil {
			t.Fatalf("InstallChunk at %d: %v", off, err)
		}
	}

	manifest := []byte(`{"name":"blink","version":"1.2.0","heap_kb":64,"stack_kb":8}`)
	id, err := m.InstallEnd(ctx, session, manifest)
	if err != nil {
		t.Fatalf("InstallEnd: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero id")
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(list))
	}
	entry := list[0]
	if entry.Name != "blink" || entry.Version != "1.2.0" || entry.Size != uint32(len(binary)) || entry.State != appreg.Installed {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	stored, err := m.storage.ReadFile(appreg.BinaryPath(entry.ID, "blink"))
	if err != nil {
		t.Fatalf("binary not persisted: %v", err)
	}
	if len(stored) != len(binary) {
		t.Fatalf("expected persisted binary length %d, got %d", len(binary), len(stored))
	}
}

func TestChunkedInstallOverflow(t *testing.T) {
	m, _ := newTestManager(t)
	session, err := m.InstallBegin("blink", 10, appreg.SourceHTTP)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.InstallChunk(session, make([]byte, 11)); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestUninstallForbiddenForPreloaded(t *testing.T) {
	m, _ := newTestManager(t)
	m.registry.Put(appreg.AppEntry{Name: "factory", IsPreloaded: true, State: appreg.Installed})
	if err := m.Uninstall(context.Background(), "factory"); err != appreg.ErrPermission {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
}

// TestAutoRestartToFailure mirrors scenario S4 with a runtime whose Start
// always fails: the initial Start and each of the 3 auto-restarts leave
// the app in Error, after which it reaches Failed with crash_count == 3.
func TestAutoRestartToFailure(t *testing.T) {
	m, runtime := newTestManager(t)
	ctx := context.Background()

	manifest := []byte(`{"restart":{"enabled":true,"max_retries":3,"delay_ms":5}}`)
	id, err := m.Install(ctx, "flaky", wasmBinary(), manifest, appreg.SourceHTTP)
	if err != nil {
		t.Fatal(err)
	}

	var states []appreg.AppState
	var mu sync.Mutex
	done := make(chan struct{})
	m.RegisterStateChangeCallback(func(gotID uint32, old, new appreg.AppState) {
		if gotID != id {
			return
		}
		mu.Lock()
		states = append(states, new)
		failed := new == appreg.Failed
		mu.Unlock()
		if failed {
			close(done)
		}
	})

	runtime.mu.Lock()
	runtime.failStart["flaky"] = true
	runtime.mu.Unlock()

	if err := m.Start(ctx, "flaky"); err == nil {
		t.Fatalf("expected Start to fail")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("auto-restart never reached Failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if states[len(states)-1] != appreg.Failed {
		t.Fatalf("expected terminal state Failed, got %v", states)
	}
	entry, err := m.registry.Get("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if entry.CrashCount != 3 {
		t.Fatalf("expected crash_count 3, got %d", entry.CrashCount)
	}
	if entry.State != appreg.Failed {
		t.Fatalf("expected Failed, got %v", entry.State)
	}
	// Exactly max_retries=3 restarts must have been attempted: the initial
	// explicit Start plus 3 auto-restarts, i.e. 4 calls into runtime.Start
	// before the manager gives up and reaches Failed (spec.md S4 / invariant
	// 9: "at most k times" before Failed). This is what actually catches an
	// off-by-one in the crash_count-vs-max_retries comparison: a bug that
	// compares post-increment would give up one restart early (3 calls, not
	// 4) while still coincidentally landing on CrashCount==3 and state
	// Failed.
	if got := runtime.startCallCount("flaky"); got != 4 {
		t.Fatalf("expected 4 runtime.Start attempts (1 initial + 3 restarts), got %d", got)
	}
}

func TestExplicitStartResetsCrashCount(t *testing.T) {
	m, runtime := newTestManager(t)
	ctx := context.Background()
	m.Install(ctx, "flaky", wasmBinary(), []byte(`{"restart":{"enabled":true,"max_retries":3,"delay_ms":5}}`), appreg.SourceHTTP)

	_ = m.registry.Update("flaky", func(e *appreg.AppEntry) { e.CrashCount = 2 })

	runtime.mu.Lock()
	delete(runtime.failStart, "flaky")
	runtime.mu.Unlock()

	if err := m.Start(ctx, "flaky"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	entry, _ := m.registry.Get("flaky")
	if entry.CrashCount != 0 {
		t.Fatalf("expected crash_count reset to 0, got %d", entry.CrashCount)
	}
}
