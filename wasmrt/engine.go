package wasmrt

import (
	"context"
	"crypto/sha256"

	"github.com/tetratelabs/wazero"
)

// CompiledModule is the opaque compiled-module handle the cache stores;
// SPEC_FULL.md §6.2 treats the WASM engine's internals as a Non-goal, so
// this is deliberately an empty interface rather than a concrete wazero
// type — callers never need to know more than "something to pass back to
// Engine".
type CompiledModule any

// Instance is the opaque running-instance handle returned by Engine.Load,
// used as the InstanceMap key (via InstancePtr).
type Instance any

// Engine is the collaborator contract SPEC_FULL.md §6.2 names for the
// underlying WASM virtual machine: compile once, instantiate per app,
// unload when the cache evicts it. This is the entire surface wasmrt
// needs; WazeroEngine is the real, swappable default.
type Engine interface {
	Compile(ctx context.Context, binary []byte) (CompiledModule, error)
	Load(ctx context.Context, module CompiledModule, name string) (Instance, error)
	Unload(ctx context.Context, module CompiledModule) error
	InstancePtr(inst Instance) uintptr
}

// Digest32 computes the SHA-256 content digest used as the module cache
// key (SPEC_FULL §4.4: "a cryptographic digest of the binary bytes").
func Digest32(binary []byte) Digest {
	return sha256.Sum256(binary)
}

// WazeroEngine is the default Engine implementation, wrapping
// github.com/tetratelabs/wazero. It is the real, swappable default behind
// the opaque Engine contract named in SPEC_FULL.md §6.2; the WASM engine's
// own internals remain out of scope for this module.
type WazeroEngine struct {
	runtime wazero.Runtime
}

// NewWazeroEngine constructs a WazeroEngine with a fresh wazero runtime.
func NewWazeroEngine(ctx context.Context) *WazeroEngine {
	return &WazeroEngine{runtime: wazero.NewRuntime(ctx)}
}

// Close tears down the underlying wazero runtime and every module/instance
// it compiled.
func (w *WazeroEngine) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WazeroEngine) Compile(ctx context.Context, binary []byte) (CompiledModule, error) {
	mod, err := w.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func (w *WazeroEngine) Load(ctx context.Context, module CompiledModule, name string) (Instance, error) {
	compiled := module.(wazero.CompiledModule)
	cfg := wazero.NewModuleConfig().WithName(name)
	inst, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (w *WazeroEngine) Unload(ctx context.Context, module CompiledModule) error {
	compiled := module.(wazero.CompiledModule)
	return compiled.Close(ctx)
}

// InstancePtr derives the InstanceMap key from a running module instance.
// wazero's api.Module is an interface over a pointer-backed implementation;
// identityOf keys on that pointer, and falls back to a stable per-instance
// counter only for non-pointer values, rather than reaching into
// unexported internals, since SPEC_FULL.md §6.2 keeps the engine opaque.
func (w *WazeroEngine) InstancePtr(inst Instance) uintptr {
	if p, ok := inst.(interface{ instancePtr() uintptr }); ok {
		return p.instancePtr()
	}
	return identityOf(inst)
}
