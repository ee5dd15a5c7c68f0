package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestMapUnorderedSingleJobBypassesPool(t *testing.T) {
	p := New(2, 1)
	defer p.Shutdown()

	results, err := MapUnordered(p, []int{7}, func(j int) (int, error) {
		return j * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Value != 14 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if st := p.Stats(); st.Dispatched != 0 {
		t.Fatalf("bypass should not dispatch to pool, got %+v", st)
	}
}

func TestMapUnorderedRunsAllJobs(t *testing.T) {
	p := New(2, 8)
	defer p.Shutdown()

	jobs := []int{1, 2, 3, 4, 5}
	results, err := MapUnordered(p, jobs, func(j int) (int, error) {
		return j * j, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, j := range jobs {
		if results[i].Value != j*j {
			t.Fatalf("results[%d] = %d, want %d", i, results[i].Value, j*j)
		}
	}
}

func TestMapUnorderedFailOpenDoesNotPoisonOtherJobs(t *testing.T) {
	p := New(2, 8)
	defer p.Shutdown()

	sentinel := errors.New("boom")
	jobs := []int{1, 2, 3}
	results, err := MapUnordered(p, jobs, func(j int) (int, error) {
		if j == 2 {
			return 0, sentinel
		}
		return j, nil
	})
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if results[0].Err != nil || results[0].Value != 1 {
		t.Fatalf("job 1 should have succeeded: %+v", results[0])
	}
	if !errors.Is(results[1].Err, sentinel) {
		t.Fatalf("job 2 should carry sentinel error, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Value != 3 {
		t.Fatalf("job 3 should have succeeded: %+v", results[2])
	}
	st := p.Stats()
	if st.Failed != 1 || st.Completed != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestMapUnorderedFallsBackToSequentialWhenSaturated(t *testing.T) {
	p := New(1, 1) // capacity 1, too small for a 3-job batch
	defer p.Shutdown()

	var ran int64
	jobs := []int{1, 2, 3}
	results, err := MapUnordered(p, jobs, func(j int) (int, error) {
		atomic.AddInt64(&ran, 1)
		return j, nil
	})
	if !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected all jobs to still run sequentially, got %d results", len(results))
	}
	if atomic.LoadInt64(&ran) != 3 {
		t.Fatalf("expected all 3 jobs to run despite saturation, ran %d", ran)
	}
}

func TestShutdownDrainsThenJoins(t *testing.T) {
	p := New(2, 4)
	var done int64
	p.TryDispatch(func() { atomic.AddInt64(&done, 1) })
	p.TryDispatch(func() { atomic.AddInt64(&done, 1) })
	p.Shutdown()
	if atomic.LoadInt64(&done) != 2 {
		t.Fatalf("expected both tasks to drain before shutdown returns, got %d", done)
	}
}

func TestHasCapacityReflectsQueueDepth(t *testing.T) {
	p := New(1, 2)
	defer p.Shutdown()
	if !p.HasCapacity(2) {
		t.Fatal("expected capacity for 2 tasks on an empty queue of size 2")
	}
	if p.HasCapacity(3) {
		t.Fatal("expected no capacity for 3 tasks on a queue of size 2")
	}
}
