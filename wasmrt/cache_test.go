package wasmrt

import "testing"

func TestLookupMissThenStoreThenHit(t *testing.T) {
	c := NewModuleCache(4, nil)
	var h Digest
	h[0] = 1

	if _, ok := c.Lookup(h); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Store(h, "module-1", 100, 5, nil)
	mod, ok := c.Lookup(h)
	if !ok || mod != "module-1" {
		t.Fatalf("expected hit returning stored module, got %v %v", mod, ok)
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStoreDeduplicatesByHash(t *testing.T) {
	c := NewModuleCache(4, nil)
	var h Digest
	h[0] = 7

	c.Store(h, "module-a", 10, 1, nil)
	c.Store(h, "module-a", 10, 1, nil) // same digest: property 6, ref_count becomes 2

	mod, ok := c.Lookup(h) // third increment
	if !ok || mod != "module-a" {
		t.Fatalf("expected dedup to return the same module")
	}
	var entries int
	for i := range c.entries {
		if c.entries[i].Used {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("dedup must not create a second entry, got %d entries", entries)
	}
	if c.entries[0].RefCount != 3 {
		t.Fatalf("expected ref_count 3 after two stores and one lookup, got %d", c.entries[0].RefCount)
	}
}

func TestEvictionPrefersEmptySlotFirst(t *testing.T) {
	c := NewModuleCache(2, nil)
	var h1, h2 Digest
	h1[0], h2[0] = 1, 2

	c.Store(h1, "m1", 1, 1, nil)
	c.Store(h2, "m2", 1, 1, nil)

	if c.entries[0].Hash != h1 || c.entries[1].Hash != h2 {
		t.Fatalf("expected both slots filled in order")
	}
}

func TestEvictionPrefersLRUWithZeroRefCount(t *testing.T) {
	c := NewModuleCache(2, nil)
	var h1, h2, h3 Digest
	h1[0], h2[0], h3[0] = 1, 2, 3

	c.Store(h1, "m1", 1, 1, nil)
	c.Store(h2, "m2", 1, 1, nil)
	c.Release(h1) // h1 now ref_count 0, h2 still ref_count 1

	var unloaded CompiledModule
	c.Store(h3, "m3", 1, 1, func(m CompiledModule) { unloaded = m })

	if c.entries[0].Hash != h3 {
		t.Fatalf("expected the ref_count==0 slot (h1, index 0) to be evicted for h3")
	}
	if unloaded != "m1" {
		t.Fatalf("expected m1 to be unloaded, got %v", unloaded)
	}
	if c.entries[1].Hash != h2 {
		t.Fatalf("h2 (still referenced) must survive")
	}
}

func TestEvictionFallsBackToLRUOverallWhenAllReferenced(t *testing.T) {
	c := NewModuleCache(2, nil)
	var h1, h2, h3 Digest
	h1[0], h2[0], h3[0] = 1, 2, 3

	c.Store(h1, "m1", 1, 1, nil)
	c.Store(h2, "m2", 1, 1, nil)
	// Both entries still have ref_count 1 (no releases): eviction must
	// fall back to LRU overall, logging a warning, and must NOT unload
	// the victim out from under its referencing instances.
	var unloadCalled bool
	c.Store(h3, "m3", 1, 1, func(m CompiledModule) { unloadCalled = true })

	if unloadCalled {
		t.Fatalf("a referenced module must not be unloaded on eviction")
	}
	if c.entries[0].Hash != h3 {
		t.Fatalf("expected h1 (LRU overall) slot reassigned to h3")
	}
}

func TestReleaseDoesNotRemoveEntry(t *testing.T) {
	c := NewModuleCache(2, nil)
	var h Digest
	h[0] = 9
	c.Store(h, "m", 1, 1, nil)
	c.Release(h)
	if !c.entries[0].Used {
		t.Fatalf("release must not remove the entry, only decrement ref_count")
	}
	if c.entries[0].RefCount != 0 {
		t.Fatalf("expected ref_count 0 after release, got %d", c.entries[0].RefCount)
	}
}
