package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_DrainsQueue(t *testing.T) {
	s := New(Config{MaxConcurrency: 2})

	var rendered atomic.Int32
	for i := 0; i < 5; i++ {
		s.Add(i, float64(i), 1.0)
	}

	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		rendered.Add(1)
		return nil
	})

	if got := rendered.Load(); got != 5 {
		t.Fatalf("expected 5 renders, got %d", got)
	}
	st := s.Status()
	if st.Queued != 0 || st.InFlight != 0 || st.Running {
		t.Fatalf("expected idle scheduler after drain, got %+v", st)
	}
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		s := New(Config{MaxConcurrency: n})
		for i := 0; i < 8; i++ {
			s.Add(i, float64(i), 1.0)
		}

		var current, peak atomic.Int32
		s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})

		if got := peak.Load(); int(got) > n {
			t.Fatalf("cap %d: observed %d concurrent renders", n, got)
		}
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})

	s.Add(30, 3.0, 1.0)
	s.Add(10, 1.0, 1.0)
	s.Add(20, 2.0, 1.0)

	var mu sync.Mutex
	var order []int
	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		mu.Lock()
		order = append(order, target)
		mu.Unlock()
		return nil
	})

	want := []int{10, 20, 30}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestScheduler_DedupeQueued(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})

	if !s.Add(7, 1.0, 1.0) {
		t.Fatal("first add must be accepted")
	}
	if s.Add(7, 5.0, 1.0) {
		t.Fatal("duplicate (target, scale) must be rejected")
	}
	if !s.Add(7, 1.0, 2.0) {
		t.Fatal("same target at a different scale is distinct work")
	}

	var rendered atomic.Int32
	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		rendered.Add(1)
		return nil
	})

	if got := rendered.Load(); got != 2 {
		t.Fatalf("expected 2 renders, got %d", got)
	}
}

func TestScheduler_DedupeInFlight(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	s.Add(7, 1.0, 1.0)

	var rendered atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
			rendered.Add(1)
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	if s.Add(7, 1.0, 1.0) {
		t.Fatal("adding an in-flight (target, scale) must be rejected")
	}
	close(release)
	<-done

	if got := rendered.Load(); got != 1 {
		t.Fatalf("expected exactly one render, got %d", got)
	}
}

func TestScheduler_FailureIsolated(t *testing.T) {
	s := New(Config{MaxConcurrency: 2, RetryAttempts: 1})

	s.Add(1, 1.0, 1.0)
	s.Add(2, 2.0, 1.0)
	s.Add(3, 3.0, 1.0)

	var succeeded atomic.Int32
	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		if target == 2 {
			return errors.New("decode error")
		}
		succeeded.Add(1)
		return nil
	})

	// The failing target must not abort the drain.
	if got := succeeded.Load(); got != 2 {
		t.Fatalf("expected 2 successful renders, got %d", got)
	}
	if st := s.Status(); st.InFlight != 0 {
		t.Fatalf("expected no stuck in-flight tasks, got %+v", st)
	}
}

func TestScheduler_RetriesTransientFailure(t *testing.T) {
	s := New(Config{MaxConcurrency: 1, RetryAttempts: 3, RetryDelay: time.Millisecond})

	s.Add(1, 1.0, 1.0)

	var calls atomic.Int32
	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestScheduler_ReentrantStartNoop(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	s.Add(1, 1.0, 1.0)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	var stray atomic.Int32
	// Second Start while running: returns immediately, renders nothing.
	s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
		stray.Add(1)
		return nil
	})
	if got := stray.Load(); got != 0 {
		t.Fatalf("re-entrant start must not render, got %d", got)
	}

	close(release)
	<-done
}

func TestScheduler_StopAbandonsQueuedOnly(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	for i := 0; i < 5; i++ {
		s.Add(i, float64(i), 1.0)
	}

	var rendered atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(context.Background(), func(ctx context.Context, target int, scale float64) error {
			rendered.Add(1)
			select {
			case <-started:
			default:
				close(started)
			}
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	s.Stop() // the dispatched render keeps running
	close(release)
	<-done

	// Exactly the in-flight task completed; the rest were abandoned.
	if got := rendered.Load(); got != 1 {
		t.Fatalf("expected 1 render after stop, got %d", got)
	}
	if st := s.Status(); st.Queued != 0 {
		t.Fatalf("expected empty queue after stop, got %+v", st)
	}
}

func TestScheduler_AddBatch(t *testing.T) {
	s := New(Config{MaxConcurrency: 1})

	added := s.AddBatch([]Task{
		{Target: 1, Priority: 1, Scale: 1.0},
		{Target: 2, Priority: 2, Scale: 1.0},
		{Target: 1, Priority: 9, Scale: 1.0}, // duplicate
	})
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
}
