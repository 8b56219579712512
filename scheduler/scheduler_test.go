package scheduler

import (
	"testing"
	"time"
)

// TestRoundRobin mirrors scenario S5: three equal-priority tasks run in
// creation order, then a fourth Run call is idle.
func TestRoundRobin(t *testing.T) {
	s := New(8)
	var order []string
	mk := func(name string) Handle {
		return s.CreateTask(TaskConfig{
			Name: name, Priority: Normal,
			Entry: func(arg any) { order = append(order, arg.(string)) },
			Arg:   name,
		})
	}
	a, b, c := mk("A"), mk("B"), mk("C")
	s.Start(a)
	s.Start(b)
	s.Start(c)

	for i := 0; i < 3; i++ {
		if h := s.Run(); h == 0 {
			t.Fatalf("run %d: expected a task to execute", i)
		}
	}
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Fatalf("expected order [A B C], got %v", order)
	}
	for _, h := range []Handle{a, b, c} {
		if s.GetState(h) != Terminated {
			t.Fatalf("expected task %d Terminated, got %v", h, s.GetState(h))
		}
	}
	if h := s.Run(); h != 0 {
		t.Fatalf("expected idle (0) on the fourth run, got %d", h)
	}
}

// TestPriorityExclusivity exercises property 7: while a higher-priority
// task is ready, no lower-priority task may run before it.
func TestPriorityExclusivity(t *testing.T) {
	s := New(8)
	var order []string
	mk := func(name string, p Priority) Handle {
		return s.CreateTask(TaskConfig{
			Name: name, Priority: p,
			Entry: func(arg any) { order = append(order, arg.(string)) },
			Arg:   name,
		})
	}
	low := mk("low", Low)
	high := mk("high", High)
	s.Start(low)
	s.Start(high)

	s.Run()
	if order[0] != "high" {
		t.Fatalf("expected the High priority task to run first, got %v", order)
	}
	s.Run()
	if order[1] != "low" {
		t.Fatalf("expected the Low priority task to run second, got %v", order)
	}
}

// TestRoundRobinFairness exercises property 8: among Ready tasks of equal
// priority, each runs once before any runs twice.
func TestRoundRobinFairness(t *testing.T) {
	s := New(8)
	const n = 5
	var handles []Handle
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		name := string(rune('A' + i))
		h := s.CreateTask(TaskConfig{
			Name: name, Priority: Normal,
			Entry: func(arg any) { counts[arg.(string)]++ },
			Arg:   name,
		})
		handles = append(handles, h)
		s.Start(h)
	}
	// Each task terminates after its single run and is not re-queued; the
	// loop stops as soon as Run finds no ready task.
	for round := 0; round < 2*n; round++ {
		h := s.Run()
		if h == 0 {
			break
		}
		if round < n {
			continue
		}
	}
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		if counts[name] != 1 {
			t.Fatalf("expected each task to run exactly once before any repeats in one pass, got counts=%v", counts)
		}
	}
}

func TestYieldReturnsToTailOfBand(t *testing.T) {
	s := New(8)
	var order []string
	var a Handle
	a = s.CreateTask(TaskConfig{Name: "A", Priority: Normal, Arg: "A", Entry: func(arg any) {
		order = append(order, arg.(string)+"-ran")
		s.Yield(a) // A yields from within its own entry function
	}})
	b := s.CreateTask(TaskConfig{Name: "B", Priority: Normal, Arg: "B", Entry: func(arg any) {
		order = append(order, arg.(string)+"-ran")
	}})
	s.Start(a)
	s.Start(b)

	s.Run() // A runs; Yield(a) marks A Ready and Run re-enqueues it at the tail of its band
	if s.GetState(a) != Ready {
		t.Fatalf("expected A to be Ready after yielding mid-entry, got %v", s.GetState(a))
	}

	s.Run() // B runs next (FIFO band order: B was already ahead of A's re-enqueue)
	s.Run() // A runs again
	if len(order) != 3 || order[0] != "A-ran" || order[1] != "B-ran" || order[2] != "A-ran" {
		t.Fatalf("expected [A-ran B-ran A-ran], got %v", order)
	}
}

func TestBlockUnblock(t *testing.T) {
	s := New(8)
	a := s.CreateTask(TaskConfig{Name: "A", Priority: Normal, Entry: func(arg any) {
		s.Block(1, "waiting for io")
	}})
	s.Start(a)
	s.Run()
	if s.GetState(a) != Blocked {
		t.Fatalf("expected Blocked, got %v", s.GetState(a))
	}
	if h := s.Run(); h != 0 {
		t.Fatalf("expected idle while the only task is Blocked, got %d", h)
	}
	s.Unblock(a)
	if s.GetState(a) != Ready {
		t.Fatalf("expected Ready after unblock, got %v", s.GetState(a))
	}
}

func TestSetPriorityReSortsReadyTask(t *testing.T) {
	s := New(8)
	var order []string
	a := s.CreateTask(TaskConfig{Name: "A", Priority: Low, Entry: func(arg any) { order = append(order, "A") }})
	b := s.CreateTask(TaskConfig{Name: "B", Priority: Normal, Entry: func(arg any) { order = append(order, "B") }})
	s.Start(a)
	s.Start(b)

	s.SetPriority(a, Realtime)
	s.Run()
	if order[0] != "A" {
		t.Fatalf("expected the re-prioritized task to run first, got %v", order)
	}
}

func TestTickPreemptsOverTimeSlice(t *testing.T) {
	s := New(8)
	a := s.CreateTask(TaskConfig{Name: "A", Priority: Normal, TimeSlice: 10 * time.Millisecond, Entry: func(arg any) {
		time.Sleep(50 * time.Millisecond)
	}})
	s.Start(a)

	done := make(chan Handle, 1)
	go func() { done <- s.Run() }()

	time.Sleep(15 * time.Millisecond)
	s.Tick(time.Now())
	if s.CurrentTask() != 0 {
		t.Fatalf("expected Tick to clear current_task after exceeding the time slice")
	}
	stats := s.GetStats(a)
	if stats.PreemptionCount != 1 {
		t.Fatalf("expected preemption_count 1, got %d", stats.PreemptionCount)
	}
	<-done
}
