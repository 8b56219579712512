package bufpool

import (
	"testing"
	"time"
)

func TestAllocReleaseRoundTrip(t *testing.T) {
	p := New(2, 64)

	b1, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	b2, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}

	if _, err := p.Alloc(0); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout when pool exhausted, got %v", err)
	}

	p.Release(b1)
	b3, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
	if b3 != b1 {
		t.Fatalf("expected reused buffer identity")
	}
	p.Release(b2)
	p.Release(b3)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	p := New(1, 16)
	b, err := p.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(b)
	p.Release(b) // must not panic or double-credit the semaphore

	// Exactly one buffer should be available, not two.
	first, err := p.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Alloc(0); err != ErrTimeout {
		t.Fatalf("double release leaked a semaphore slot: got %v", err)
	}
	p.Release(first)
}

func TestAllocBlocksUntilTimeout(t *testing.T) {
	p := New(1, 8)
	b, err := p.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(b)

	start := time.Now()
	_, err = p.Alloc(30 * time.Millisecond)
	elapsed := time.Since(start)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestAllocUnblocksOnRelease(t *testing.T) {
	p := New(1, 8)
	b, err := p.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Alloc(500 * time.Millisecond)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(b)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected alloc to succeed after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("alloc never unblocked after release")
	}
}

func TestResetClearsLengthNotFree(t *testing.T) {
	p := New(1, 8)
	b, err := p.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}
	b.SetLength(5)
	b.Reset()
	if b.Length() != 0 {
		t.Fatalf("expected length 0 after reset, got %d", b.Length())
	}
	if _, err := p.Alloc(0); err != ErrTimeout {
		t.Fatalf("reset must not free the buffer back to the pool")
	}
	p.Release(b)
}
