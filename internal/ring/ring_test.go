package ring

import (
	"testing"
	"time"
)

func mkSamples(vals ...float64) []Sample {
	out := make([]Sample, len(vals))
	for i, v := range vals {
		out[i] = Sample{X: v, Y: v, Z: v}
	}
	return out
}

func TestIngestBelowCapacity(t *testing.T) {
	b := NewBuffer(4, 1) // capacity 4
	b.Ingest(mkSamples(1, 2), 0, time.Now())

	bundle := b.Snapshot([6]byte{}, 4, 4)
	if bundle.Count != 2 {
		t.Fatalf("count = %d, want 2", bundle.Count)
	}
	if bundle.X[0] != 1 || bundle.X[1] != 2 {
		t.Fatalf("unexpected order: %v", bundle.X)
	}
}

func TestIngestOverwritesOldest(t *testing.T) {
	// spec §8 invariant: for ingest of total size S into capacity C,
	// samples_in_ring = min(S, C) and the ring contains the last
	// min(S, C) samples in order.
	b := NewBuffer(4, 1) // capacity 4
	b.Ingest(mkSamples(1, 2, 3, 4, 5, 6), 0, time.Now())

	bundle := b.Snapshot([6]byte{}, 4, 4)
	if bundle.Count != 4 {
		t.Fatalf("count = %d, want 4 (capacity)", bundle.Count)
	}
	want := []float64{3, 4, 5, 6}
	for i, w := range want {
		if bundle.X[i] != w {
			t.Fatalf("bundle.X = %v, want %v", bundle.X, want)
		}
	}
}

func TestIngestManySmallBatchesWrapsCorrectly(t *testing.T) {
	b := NewBuffer(3, 1)
	for i := 1; i <= 10; i++ {
		b.Ingest(mkSamples(float64(i)), 0, time.Now())
	}
	bundle := b.Snapshot([6]byte{}, 3, 3)
	want := []float64{8, 9, 10}
	for i, w := range want {
		if bundle.X[i] != w {
			t.Fatalf("bundle.X = %v, want %v", bundle.X, want)
		}
	}
}

func TestSnapshotFewerThanFFTN(t *testing.T) {
	b := NewBuffer(100, 1)
	b.Ingest(mkSamples(1, 2, 3), 0, time.Now())
	bundle := b.Snapshot([6]byte{}, 100, 2048)
	if len(bundle.X) != 3 {
		t.Fatalf("expected short snapshot of length 3, got %d", len(bundle.X))
	}
}

func TestSnapshotCapturesTimingTriple(t *testing.T) {
	b := NewBuffer(10, 1)
	now := time.Now()
	b.Ingest(mkSamples(1, 2, 3), 12345, now)
	bundle := b.Snapshot([6]byte{}, 10, 10)
	if bundle.LastT0Us != 12345 {
		t.Fatalf("LastT0Us = %d, want 12345", bundle.LastT0Us)
	}
	if bundle.SamplesSinceT0 != 3 {
		t.Fatalf("SamplesSinceT0 = %d, want 3", bundle.SamplesSinceT0)
	}
	if bundle.FirstIngestMonoS <= 0 {
		t.Fatalf("FirstIngestMonoS should be positive, got %v", bundle.FirstIngestMonoS)
	}
}

func TestResetZeroesTimingMetadata(t *testing.T) {
	b := NewBuffer(10, 1)
	b.Ingest(mkSamples(1, 2, 3), 999, time.Now())
	b.Reset()
	bundle := b.Snapshot([6]byte{}, 10, 10)
	if bundle.LastT0Us != 0 || bundle.SamplesSinceT0 != 0 || bundle.FirstIngestMonoS != 0 {
		t.Fatalf("expected zeroed timing metadata after reset, got %+v", bundle)
	}
	if bundle.Count != 0 {
		t.Fatalf("expected zero count after reset, got %d", bundle.Count)
	}
}

func TestStoreEnsureCreatesOncePerSensor(t *testing.T) {
	s := NewStore()
	id := [6]byte{1, 2, 3, 4, 5, 6}
	b1 := s.Ensure(id, 800, 4)
	b2 := s.Ensure(id, 800, 4)
	if b1 != b2 {
		t.Fatal("Ensure should return the same buffer for the same id")
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore()
	id := [6]byte{9, 9, 9, 9, 9, 9}
	s.Ensure(id, 800, 4)
	s.Remove(id)
	if _, ok := s.Get(id); ok {
		t.Fatal("expected buffer to be gone after Remove")
	}
}
