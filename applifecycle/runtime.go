// Package applifecycle implements the application lifecycle manager
// described in SPEC_FULL.md §4.6 (component C6): install/start/stop/
// uninstall/restart, chunked install sessions, and crash-driven
// auto-restart, composed over appreg (the registry) and wasmrt (module
// caching and instance tracking).
package applifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"openenterprise/wasmcore/wasmrt"
)

// Runtime is the WASM runtime collaborator contract of SPEC_FULL.md §6.2:
// install/start/stop/destroy/list over opaque container ids. The WASM
// engine's internals remain a Non-goal; DefaultRuntime is the concrete,
// swappable implementation composed from wasmrt underneath.
type Runtime interface {
	Install(ctx context.Context, name string, binary []byte) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Destroy(ctx context.Context, containerID string) error
	List() []string
}

// DefaultRuntime composes a wasmrt.ModuleCache, wasmrt.InstanceMap, and a
// wasmrt.Engine into the higher-level install/start/stop/destroy surface
// applifecycle needs, per SPEC_FULL.md §4.6: "Start ... calls the runtime
// install (which internally uses C4 for module caching)".
type DefaultRuntime struct {
	engine wasmrt.Engine
	cache  *wasmrt.ModuleCache
	instances *wasmrt.InstanceMap

	mu         sync.Mutex
	containers map[string]*container
}

type container struct {
	hash    wasmrt.Digest
	module  wasmrt.CompiledModule
	inst    wasmrt.Instance
	running bool
}

// NewDefaultRuntime constructs a DefaultRuntime over the given engine,
// module cache, and instance map.
func NewDefaultRuntime(engine wasmrt.Engine, cache *wasmrt.ModuleCache, instances *wasmrt.InstanceMap) *DefaultRuntime {
	return &DefaultRuntime{
		engine:     engine,
		cache:      cache,
		instances:  instances,
		containers: map[string]*container{},
	}
}

func newContainerID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "c-" + hex.EncodeToString(b[:])
}

// Install compiles (or reuses a cached compile of) binary and returns a
// fresh container id bound to it. The container is not yet running.
func (r *DefaultRuntime) Install(ctx context.Context, name string, binary []byte) (string, error) {
	hash := wasmrt.Digest32(binary)

	module, hit := r.cache.Lookup(hash)
	if !hit {
		compiled, err := r.engine.Compile(ctx, binary)
		if err != nil {
			return "", fmt.Errorf("applifecycle: compile %s: %w", name, err)
		}
		module = r.cache.Store(hash, compiled, uint32(len(binary)), 0, func(m wasmrt.CompiledModule) {
			_ = r.engine.Unload(ctx, m)
		})
	}

	id := newContainerID()
	r.mu.Lock()
	r.containers[id] = &container{hash: hash, module: module}
	r.mu.Unlock()
	return id, nil
}

// Start instantiates the container's module and registers it in the
// instance map.
func (r *DefaultRuntime) Start(ctx context.Context, containerID string) error {
	r.mu.Lock()
	c, ok := r.containers[containerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("applifecycle: unknown container %s", containerID)
	}

	inst, err := r.engine.Load(ctx, c.module, containerID)
	if err != nil {
		return fmt.Errorf("applifecycle: load %s: %w", containerID, err)
	}

	r.mu.Lock()
	c.inst = inst
	c.running = true
	r.mu.Unlock()

	r.instances.Put(r.engine.InstancePtr(inst), slotFromContainerID(containerID))
	return nil
}

// Stop unloads the running instance (but keeps the compiled module cached
// and the container id valid for a subsequent Start).
func (r *DefaultRuntime) Stop(ctx context.Context, containerID string) error {
	r.mu.Lock()
	c, ok := r.containers[containerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("applifecycle: unknown container %s", containerID)
	}
	if !c.running {
		return nil
	}

	r.instances.Remove(r.engine.InstancePtr(c.inst))
	if closer, ok := c.inst.(interface{ Close(context.Context) error }); ok {
		_ = closer.Close(ctx)
	}
	r.mu.Lock()
	c.running = false
	c.inst = nil
	r.mu.Unlock()
	return nil
}

// Destroy stops the container if running, releases its cache reference,
// and forgets it.
func (r *DefaultRuntime) Destroy(ctx context.Context, containerID string) error {
	_ = r.Stop(ctx, containerID)

	r.mu.Lock()
	c, ok := r.containers[containerID]
	if ok {
		delete(r.containers, containerID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("applifecycle: unknown container %s", containerID)
	}
	r.cache.Release(c.hash)
	return nil
}

// List returns every live container id.
func (r *DefaultRuntime) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.containers))
	for id := range r.containers {
		out = append(out, id)
	}
	return out
}

// slotFromContainerID is a placeholder mapping until the scheduler assigns
// a real task slot; the instance map's role here is purely to prove
// instance_ptr -> slot resolution per SPEC_FULL §3.5, not to own slot
// allocation (that belongs to the scheduler, C7).
func slotFromContainerID(id string) int {
	h := 0
	for i := 0; i < len(id); i++ {
		h = h*31 + int(id[i])
	}
	if h < 0 {
		h = -h
	}
	return h
}
