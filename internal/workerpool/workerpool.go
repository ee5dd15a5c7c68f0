// Package workerpool implements the bounded, fixed-size thread pool
// that dispatches per-sensor FFT compute in parallel (spec §4.6).
//
// Per Design Notes §9 ("Dynamic dispatch of compute jobs"), jobs are
// modeled as plain data plus a pure compute function — the pool
// schedules function-over-data, not polymorphic objects — so
// MapUnordered is a free function parameterized over the job and
// result types rather than a method needing its own generic
// parameters.
//
// Grounded on internal/lidar/visualiser/publisher.go's
// sync.WaitGroup + buffered-channel + atomic-counters lifecycle, and
// on the teacher's repeated drain-then-join shutdown shape in
// cmd/radar/radar.go.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolSaturated is returned by MapUnordered when a batch would
// overflow the bounded task queue; by then MapUnordered has already run
// the batch sequentially and returns its results alongside the error
// (spec §5, §7).
var ErrPoolSaturated = errors.New("workerpool: task queue saturated")

// Stats are the observability counters spec §4.6 requires.
type Stats struct {
	Dispatched         int64
	Completed          int64
	Failed             int64
	QueueHighWatermark int64
}

// Pool is a fixed-size pool of goroutines draining a bounded task
// queue. Size defaults to min(runtime.NumCPU(), 4) per spec §4.6.
type Pool struct {
	size     int
	tasks    chan func()
	wg       sync.WaitGroup
	closed   atomic.Bool
	stopOnce sync.Once

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	highWater  atomic.Int64
}

// New creates and starts a Pool with the given size and bounded queue
// capacity. size <= 0 selects min(runtime.NumCPU(), 4).
func New(size, queueCapacity int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
		if size > 4 {
			size = 4
		}
	}
	if queueCapacity <= 0 {
		queueCapacity = size * 4
	}
	p := &Pool{size: size, tasks: make(chan func(), queueCapacity)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// TryDispatch enqueues a task without blocking, returning false if the
// queue is full. Callers use this for single-task submission outside
// MapUnordered's batch path.
func (p *Pool) TryDispatch(task func()) bool {
	select {
	case p.tasks <- task:
		p.dispatched.Add(1)
		if q := int64(len(p.tasks)); q > p.highWater.Load() {
			p.highWater.Store(q)
		}
		return true
	default:
		return false
	}
}

// HasCapacity reports whether n more tasks could be enqueued right
// now without blocking. It is a snapshot, not a reservation.
func (p *Pool) HasCapacity(n int) bool {
	return cap(p.tasks)-len(p.tasks) >= n
}

// Stats returns a point-in-time copy of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Dispatched:         p.dispatched.Load(),
		Completed:          p.completed.Load(),
		Failed:             p.failed.Load(),
		QueueHighWatermark: p.highWater.Load(),
	}
}

// Shutdown drains in-flight work then joins all worker goroutines
// (spec §5 "Worker pool shutdown drains then joins").
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
	})
	p.wg.Wait()
}

// Result pairs a computed value with an error, matching spec §4.6's
// fail-open contract: a failing job returns an Err result but never
// poisons the pool, and other sensors' jobs are unaffected (spec §7
// WorkerFailed).
type Result[R any] struct {
	Value R
	Err   error
}

// MapUnordered dispatches fn(job) for every job in jobs, using the
// pool when there is more than one job (spec §4.6: "single-sensor
// input bypasses the pool to avoid dispatch overhead, threshold: 1
// job"). Results are returned in the same order as jobs, keyed
// implicitly by index — spec §4.7 notes that parallel ordering of
// independent per-sensor results is irrelevant since results are
// keyed by sensor id by the caller.
//
// If the batch would not fit in the pool's queue, MapUnordered falls
// back to running every job sequentially in the calling goroutine and
// returns ErrPoolSaturated as well as the results, per spec §5/§7.
func MapUnordered[J any, R any](p *Pool, jobs []J, fn func(J) (R, error)) ([]Result[R], error) {
	if len(jobs) <= 1 {
		results := make([]Result[R], len(jobs))
		for i, j := range jobs {
			v, err := fn(j)
			results[i] = Result[R]{Value: v, Err: err}
			p.recordOutcome(err)
		}
		return results, nil
	}

	if p == nil || !p.HasCapacity(len(jobs)) {
		results := make([]Result[R], len(jobs))
		for i, j := range jobs {
			v, err := fn(j)
			results[i] = Result[R]{Value: v, Err: err}
			if p != nil {
				p.recordOutcome(err)
			}
		}
		return results, ErrPoolSaturated
	}

	results := make([]Result[R], len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, j := range jobs {
		i, j := i, j
		ok := p.TryDispatch(func() {
			defer wg.Done()
			v, err := fn(j)
			results[i] = Result[R]{Value: v, Err: err}
			p.recordOutcome(err)
		})
		if !ok {
			// Lost a race against HasCapacity's snapshot; run inline
			// rather than leave the WaitGroup permanently short.
			wg.Done()
			v, err := fn(j)
			results[i] = Result[R]{Value: v, Err: err}
			p.recordOutcome(err)
		}
	}
	wg.Wait()
	return results, nil
}

func (p *Pool) recordOutcome(err error) {
	if p == nil {
		return
	}
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}
