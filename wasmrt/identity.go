package wasmrt

import (
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	identityMu      sync.Mutex
	identityTable   = map[any]uintptr{}
	identityCounter uintptr
)

// identityOf returns a stable, process-unique uintptr for inst, suitable
// as an InstanceMap key. For pointer-backed values it uses the pointer
// itself; for anything else (notably interfaces wazero hands back that
// may not expose a raw pointer) it assigns and remembers a synthetic
// counter value, so the same Go value always maps to the same key.
func identityOf(inst any) uintptr {
	v := reflect.ValueOf(inst)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if !v.IsNil() {
			return v.Pointer()
		}
	}

	identityMu.Lock()
	defer identityMu.Unlock()
	if p, ok := identityTable[inst]; ok {
		return p
	}
	p := uintptr(atomic.AddUintptr(&identityCounter, 1))
	identityTable[inst] = p
	return p
}
