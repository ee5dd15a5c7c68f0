// Package ring implements the per-sensor circular sample store (spec
// §4.5). Ring buffers are exclusively owned by the processor; ingest
// and compute coordinate via a per-ring mutex held only for the brief
// snapshot (phase 1) and store (phase 3) phases (spec §5).
//
// Grounded on spec's own description of the ring buffer (no direct
// analog in the teacher); the brief-lock-then-copy discipline mirrors
// the lock/unlock shape used throughout the teacher's store layer for
// read-mostly state.
package ring

import (
	"sync"
	"time"

	"github.com/skamba/vibesense/internal/wire"
)

// Sample is one XYZ triple in g (converted from raw sensor units by the
// caller before Ingest, per the accel_scale_g_per_lsb constant the run
// log names in spec §6).
type Sample struct {
	X, Y, Z float64
}

// Buffer is a fixed-capacity, per-axis circular store for one sensor.
type Buffer struct {
	capacity int

	mu       sync.Mutex
	x, y, z  []float64
	writeIdx int
	count    int

	firstIngestMono time.Time
	lastT0Us        int64
	samplesSinceT0  int
}

// NewBuffer allocates a Buffer sized sampleRateHz*waveformSeconds
// samples per axis (spec §3 "Ring buffer").
func NewBuffer(sampleRateHz int, waveformSeconds float64) *Buffer {
	capacity := int(float64(sampleRateHz) * waveformSeconds)
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		x:        make([]float64, capacity),
		y:        make([]float64, capacity),
		z:        make([]float64, capacity),
	}
}

// Capacity returns the buffer's fixed per-axis sample capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Ingest appends samples, overwriting the oldest entries once the
// buffer is full (spec §4.5, §8 invariant: samples_in_ring =
// min(S, C), last min(S, C) samples in order). t0UsServerTime and the
// derived samples_since_t0 are updated atomically with the append so
// window arithmetic stays consistent (spec §4.5 invariant).
func (b *Buffer) Ingest(samples []Sample, t0UsServerTime int64, now time.Time) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.firstIngestMono.IsZero() {
		b.firstIngestMono = now
	}

	for _, s := range samples {
		b.x[b.writeIdx] = s.X
		b.y[b.writeIdx] = s.Y
		b.z[b.writeIdx] = s.Z
		b.writeIdx = (b.writeIdx + 1) % b.capacity
		if b.count < b.capacity {
			b.count++
		}
	}

	b.lastT0Us = t0UsServerTime
	b.samplesSinceT0 = len(samples)
}

// Reset zeroes all timing metadata (sensor removal or deliberate
// flush, spec §4.5 invariant). Sample data is left in place; the next
// Ingest will simply overwrite it in due course.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeIdx = 0
	b.count = 0
	b.firstIngestMono = time.Time{}
	b.lastT0Us = 0
	b.samplesSinceT0 = 0
}

// Bundle is a caller-owned copy of a sensor's latest sample window
// plus the timing triple needed for time alignment (spec §4.5, §4.9).
// It is produced under the buffer's lock and analyzed without holding
// it (spec §5).
type Bundle struct {
	SensorID wire.ClientID

	X, Y, Z      []float64 // oldest-first, up to fftN samples
	Count        int
	SampleRateHz int

	FirstIngestMonoS float64
	LastT0Us         int64
	SamplesSinceT0   int
}

// Snapshot copies the latest fftN samples per axis plus the derived
// timing triple, all under a brief lock (spec §4.5). If fewer than
// fftN samples have ever been ingested, the returned slices are
// shorter than fftN; the caller (signalproc) is responsible for
// zero-padding before windowing.
func (b *Buffer) Snapshot(id wire.ClientID, sampleRateHz, fftN int) Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := fftN
	if n > b.count {
		n = b.count
	}

	start := 0
	if b.count == b.capacity {
		start = b.writeIdx
	}

	out := Bundle{
		SensorID:       id,
		X:              make([]float64, n),
		Y:              make([]float64, n),
		Z:              make([]float64, n),
		Count:          b.count,
		SampleRateHz:   sampleRateHz,
		LastT0Us:       b.lastT0Us,
		SamplesSinceT0: b.samplesSinceT0,
	}
	if !b.firstIngestMono.IsZero() {
		out.FirstIngestMonoS = float64(b.firstIngestMono.UnixNano()) / 1e9
	}

	base := b.count - n
	for i := 0; i < n; i++ {
		phys := (start + base + i) % b.capacity
		out.X[i] = b.x[phys]
		out.Y[i] = b.y[phys]
		out.Z[i] = b.z[phys]
	}
	return out
}

// Store owns one Buffer per sensor id. Map membership changes
// (creation, removal) are guarded separately from the per-buffer
// ingest/snapshot locks so that ingest of one sensor never contends
// with a snapshot of another (spec §5).
type Store struct {
	mu      sync.RWMutex
	buffers map[wire.ClientID]*Buffer
}

// NewStore creates an empty ring buffer store.
func NewStore() *Store {
	return &Store{buffers: make(map[wire.ClientID]*Buffer)}
}

// Ensure returns the Buffer for id, creating one sized for
// sampleRateHz/waveformSeconds if this is the first time the sensor
// has been seen.
func (s *Store) Ensure(id wire.ClientID, sampleRateHz int, waveformSeconds float64) *Buffer {
	s.mu.RLock()
	b, ok := s.buffers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[id]; ok {
		return b
	}
	b = NewBuffer(sampleRateHz, waveformSeconds)
	s.buffers[id] = b
	return b
}

// Remove deletes a sensor's buffer entirely.
func (s *Store) Remove(id wire.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
}

// Get returns the buffer for id, if any.
func (s *Store) Get(id wire.ClientID) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[id]
	return b, ok
}
