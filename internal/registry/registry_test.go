package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/skamba/vibesense/internal/wire"
)

func testID(b byte) wire.ClientID {
	return wire.ClientID{b, b, b, b, b, b}
}

func TestHelloThenDataScenario(t *testing.T) {
	// spec §8 end-to-end scenario 1.
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	r := New(10*time.Second, clock)

	id := testID(0x01)
	r.OnHello(&wire.HelloFrame{ClientID: id, ControlPort: 9001, SampleRateHz: 800, Name: "FL"}, now)

	rows := r.Snapshot()
	if len(rows) != 1 || rows[0].Name != "FL" || rows[0].Location != LocationUnset {
		t.Fatalf("unexpected snapshot after hello: %+v", rows)
	}

	r.OnData(&wire.DataFrame{ClientID: id, Seq: 1, T0Us: 0, XYZ: []int16{1000, 0, 0}}, now)
	rows = r.Snapshot()
	if rows[0].FramesTotal != 1 {
		t.Fatalf("frames_total = %d, want 1", rows[0].FramesTotal)
	}
}

func TestOnDataAutoCreatesUnknownSensor(t *testing.T) {
	r := New(10*time.Second, nil)
	id := testID(0x02)
	created := r.OnData(&wire.DataFrame{ClientID: id, Seq: 1, XYZ: []int16{0, 0, 0}}, time.Now())
	if !created {
		t.Fatal("expected auto-create for unknown sensor")
	}
	rows := r.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected 1 auto-created row, got %d", len(rows))
	}
}

func TestOnDataDetectsSequenceGap(t *testing.T) {
	r := New(10*time.Second, nil)
	id := testID(0x03)
	now := time.Now()
	r.OnData(&wire.DataFrame{ClientID: id, Seq: 1, XYZ: []int16{0, 0, 0}}, now)
	r.OnData(&wire.DataFrame{ClientID: id, Seq: 5, XYZ: []int16{0, 0, 0}}, now.Add(time.Millisecond))
	rows := r.Snapshot()
	if rows[0].DroppedFrames != 3 {
		t.Fatalf("dropped_frames = %d, want 3 (missing seq 2,3,4)", rows[0].DroppedFrames)
	}
}

func TestSetLocationUniqueness(t *testing.T) {
	r := New(10*time.Second, nil)
	idA, idB := testID(0xAA), testID(0xBB)
	r.OnHello(&wire.HelloFrame{ClientID: idA}, time.Now())
	r.OnHello(&wire.HelloFrame{ClientID: idB}, time.Now())

	if err := r.SetLocation(idA, LocationFL); err != nil {
		t.Fatalf("SetLocation A: %v", err)
	}
	err := r.SetLocation(idB, LocationFL)
	if !errors.Is(err, ErrLocationTaken) {
		t.Fatalf("want ErrLocationTaken, got %v", err)
	}
}

func TestSetLocationIdempotent(t *testing.T) {
	r := New(10*time.Second, nil)
	id := testID(0xCC)
	r.OnHello(&wire.HelloFrame{ClientID: id}, time.Now())

	if err := r.SetLocation(id, LocationRR); err != nil {
		t.Fatalf("first SetLocation: %v", err)
	}
	if err := r.SetLocation(id, LocationRR); err != nil {
		t.Fatalf("second SetLocation (idempotent) should succeed: %v", err)
	}
}

func TestRenameIdempotent(t *testing.T) {
	r := New(10*time.Second, nil)
	id := testID(0xDD)
	r.OnHello(&wire.HelloFrame{ClientID: id, Name: "old"}, time.Now())
	if err := r.Rename(id, "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := r.Rename(id, "new"); err != nil {
		t.Fatalf("second rename (idempotent) should succeed: %v", err)
	}
	rows := r.Snapshot()
	if rows[0].Name != "new" {
		t.Fatalf("name = %q, want new", rows[0].Name)
	}
}

func TestLivenessDerivedFromLastSeen(t *testing.T) {
	start := time.Unix(100, 0)
	cur := start
	clock := func() time.Time { return cur }
	r := New(5*time.Second, clock)

	id := testID(0xEE)
	r.OnHello(&wire.HelloFrame{ClientID: id}, start)

	rows := r.Snapshot()
	if !rows[0].Alive {
		t.Fatal("expected alive immediately after hello")
	}

	cur = start.Add(10 * time.Second)
	rows = r.Snapshot()
	if rows[0].Alive {
		t.Fatal("expected dead after exceeding T_dead")
	}
}

func TestRemove(t *testing.T) {
	r := New(10*time.Second, nil)
	id := testID(0xFF)
	r.OnHello(&wire.HelloFrame{ClientID: id}, time.Now())
	r.Remove(id)
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty registry after Remove")
	}
}

func TestUnknownSensorOperationsError(t *testing.T) {
	r := New(10*time.Second, nil)
	if err := r.Rename(testID(0x01), "x"); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("Rename: want ErrUnknownSensor, got %v", err)
	}
	if err := r.SetLocation(testID(0x01), LocationFL); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("SetLocation: want ErrUnknownSensor, got %v", err)
	}
	if err := r.MarkIdentified(testID(0x01)); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("MarkIdentified: want ErrUnknownSensor, got %v", err)
	}
}

func TestSnapshotIsSortedByID(t *testing.T) {
	r := New(10*time.Second, nil)
	for _, b := range []byte{0xC0, 0x01, 0x7F} {
		r.OnHello(&wire.HelloFrame{ClientID: testID(b)}, time.Now())
	}

	rows := r.Snapshot()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if string(rows[i-1].ID[:]) >= string(rows[i].ID[:]) {
			t.Fatalf("rows not sorted by id: %+v", rows)
		}
	}
}
