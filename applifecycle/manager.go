package applifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"openenterprise/wasmcore/appreg"
	"openenterprise/wasmcore/config"
)

// StateChangeFunc is the registered callback SPEC_FULL.md §6.3 names:
// "the app manager invokes a registered state-change callback
// (id, old_state, new_state)".
type StateChangeFunc func(id uint32, old, new appreg.AppState)

// Manager is the application lifecycle manager (SPEC_FULL §4.6): install,
// chunked install sessions, start/stop/restart/uninstall, and the
// auto-restart policy, layered over a Registry and a Runtime.
type Manager struct {
	registry *Registry
	runtime  Runtime
	storage  appreg.Storage
	logger   *slog.Logger
	sessions *sessionTable

	mu          sync.Mutex
	running     map[string]bool // app name -> currently running
	stateCb     StateChangeFunc
	restartWork map[string]*time.Timer
}

// Registry is appreg.Registry, declared as a type alias so callers pass a
// *appreg.Registry directly.
type Registry = appreg.Registry

// New constructs a Manager over registry, runtime, and storage (for
// binary/data file placement).
func New(registry *Registry, runtime Runtime, storage appreg.Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		registry:    registry,
		runtime:     runtime,
		storage:     storage,
		logger:      logger,
		sessions:    newSessionTable(),
		running:     map[string]bool{},
		restartWork: map[string]*time.Timer{},
	}
}

// RegisterStateChangeCallback installs the state-change callback.
func (m *Manager) RegisterStateChangeCallback(fn StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCb = fn
}

func (m *Manager) fireStateChange(id uint32, old, new appreg.AppState) {
	m.mu.Lock()
	cb := m.stateCb
	m.mu.Unlock()
	if cb != nil && old != new {
		cb(id, old, new)
	}
}

// Install implements the synchronous install path of SPEC_FULL §4.6:
// validate -> resolve name -> reuse-or-allocate slot -> write binary ->
// apply manifest -> persist.
func (m *Manager) Install(ctx context.Context, name string, binary []byte, manifestJSON []byte, source appreg.Source) (uint32, error) {
	if err := appreg.ValidateWasmBinary(binary); err != nil {
		return 0, err
	}

	manifest := appreg.ParseManifest(manifestJSON)
	resolvedName := name
	if resolvedName == "" {
		resolvedName = manifest.Name
	}
	if resolvedName == "" {
		resolvedName = appreg.SyntheticName(binary)
	}

	if existing, err := m.registry.Get(resolvedName); err == nil {
		if existing.State == appreg.Running {
			_ = m.Stop(ctx, resolvedName)
		}
		if existing.ContainerID != "" {
			_ = m.runtime.Destroy(ctx, existing.ContainerID)
		}
	}

	entry := appreg.AppEntry{
		Name:    resolvedName,
		Version: manifest.Version,
		State:   appreg.Installed,
		Size:    uint32(len(binary)),
		HeapKB:  manifest.HeapKB,
		StackKB: manifest.StackKB,
		Source:  source,
		RestartPolicy: appreg.RestartPolicy{
			Enabled:    manifest.Restart.Enabled,
			MaxRetries: manifest.Restart.MaxRetries,
			DelayMs:    manifest.Restart.DelayMs,
		},
		Permissions: appreg.PermissionsBitset(manifest.Permissions),
	}

	saved, err := m.registry.Put(entry)
	if err != nil {
		return 0, err
	}

	path := appreg.BinaryPath(saved.ID, saved.Name)
	if err := m.storage.WriteFile(path, binary); err != nil {
		return 0, err
	}
	if err := m.storage.Mkdir(appreg.DataDir(saved.Name)); err != nil {
		return 0, err
	}

	return saved.ID, nil
}

// InstallBegin opens a chunked install session.
func (m *Manager) InstallBegin(name string, totalSize int, source appreg.Source) (int, error) {
	return m.sessions.Begin(name, totalSize, source)
}

// InstallChunk appends data to session.
func (m *Manager) InstallChunk(session int, data []byte) error {
	return m.sessions.Chunk(session, data)
}

// InstallEnd finalizes a chunked session, delegating to Install.
func (m *Manager) InstallEnd(ctx context.Context, session int, manifestJSON []byte) (uint32, error) {
	name, source, binary, err := m.sessions.End(session)
	if err != nil {
		return 0, err
	}
	return m.Install(ctx, name, binary, manifestJSON, source)
}

// InstallAbort discards a chunked session's buffer.
func (m *Manager) InstallAbort(session int) error {
	return m.sessions.Abort(session)
}

// Start loads the app's binary, installs it into the runtime, and starts
// it, subject to the MAX_RUNNING concurrency cap.
func (m *Manager) Start(ctx context.Context, name string) error {
	entry, err := m.registry.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if len(m.running) >= config.MaxRunningApps() {
		m.mu.Unlock()
		return fmt.Errorf("applifecycle: %w", errBusy)
	}
	m.mu.Unlock()

	binary, err := m.storage.ReadFile(appreg.BinaryPath(entry.ID, entry.Name))
	if err != nil {
		return err
	}

	containerID, err := m.runtime.Install(ctx, entry.Name, binary)
	if err != nil {
		m.transitionToError(entry)
		return err
	}
	if err := m.runtime.Start(ctx, containerID); err != nil {
		m.transitionToError(entry)
		return err
	}

	m.mu.Lock()
	m.running[name] = true
	if pending, ok := m.restartWork[name]; ok {
		pending.Stop() // explicit start clears any pending scheduled restart
		delete(m.restartWork, name)
	}
	m.mu.Unlock()

	old := entry.State
	now := time.Now().UnixMilli()
	_ = m.registry.Update(name, func(e *appreg.AppEntry) {
		e.State = appreg.Running
		e.ContainerID = containerID
		e.LastStartTime = now
		e.CrashCount = 0 // explicit start resets crash_count (SPEC_FULL §4.6)
	})
	m.fireStateChange(entry.ID, old, appreg.Running)
	return nil
}

// Stop stops the app's running container.
func (m *Manager) Stop(ctx context.Context, name string) error {
	entry, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if entry.ContainerID != "" {
		if err := m.runtime.Stop(ctx, entry.ContainerID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.running, name)
	m.mu.Unlock()

	old := entry.State
	_ = m.registry.Update(name, func(e *appreg.AppEntry) {
		e.State = appreg.Stopped
	})
	m.fireStateChange(entry.ID, old, appreg.Stopped)
	return nil
}

// Restart stops then starts the app.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// Uninstall removes the app's registry entry and deletes its binary file.
// The app's data directory (DataDir) is not removed. Forbidden for
// preloaded apps.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	entry, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if entry.IsPreloaded {
		return appreg.ErrPermission
	}
	if entry.State == appreg.Running {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
	}
	if entry.ContainerID != "" {
		_ = m.runtime.Destroy(ctx, entry.ContainerID)
	}
	_ = m.storage.DeleteFile(appreg.BinaryPath(entry.ID, entry.Name))
	return m.registry.Remove(name)
}

// List returns a snapshot of every registered app.
func (m *Manager) List() []appreg.AppEntry {
	return m.registry.List()
}

// transitionToError moves entry to Error and triggers the auto-restart
// policy (SPEC_FULL §4.6, the "most subtle lifecycle policy").
func (m *Manager) transitionToError(entry appreg.AppEntry) {
	old := entry.State
	var crashCount uint32
	_ = m.registry.Update(entry.Name, func(e *appreg.AppEntry) {
		e.State = appreg.Error
		crashCount = e.CrashCount
	})
	m.fireStateChange(entry.ID, old, appreg.Error)

	if !entry.RestartPolicy.Enabled {
		return
	}

	var nowFailed bool
	_ = m.registry.Update(entry.Name, func(e *appreg.AppEntry) {
		if e.CrashCount >= e.RestartPolicy.MaxRetries {
			e.State = appreg.Failed
			nowFailed = true
			return
		}
		e.CrashCount++
		crashCount = e.CrashCount
	})
	if nowFailed {
		m.fireStateChange(entry.ID, appreg.Error, appreg.Failed)
		return
	}

	delay := time.Duration(entry.RestartPolicy.DelayMs) * time.Millisecond
	m.mu.Lock()
	if existing, ok := m.restartWork[entry.Name]; ok {
		existing.Stop()
	}
	m.restartWork[entry.Name] = time.AfterFunc(delay, func() {
		_ = m.Start(context.Background(), entry.Name)
	})
	m.mu.Unlock()
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errBusy sentinelError = "too many running apps"
