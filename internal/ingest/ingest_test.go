package ingest

import (
	"net"
	"testing"
	"time"

	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/wire"
)

type recordingResponder struct {
	sent [][]byte
}

func (r *recordingResponder) SendTo(b []byte, addr *net.UDPAddr) error {
	r.sent = append(r.sent, b)
	return nil
}

func encodeHello(id wire.ClientID, name string) []byte {
	b, err := wire.Encode(wire.Frame{Hello: &wire.HelloFrame{
		ClientID:     id,
		ControlPort:  9001,
		SampleRateHz: 800,
		Name:         name,
		Firmware:     "1.2.3",
	}})
	if err != nil {
		panic(err)
	}
	return b
}

func encodeData(id wire.ClientID, seq uint32, xyz []int16) []byte {
	b, err := wire.Encode(wire.Frame{Data: &wire.DataFrame{ClientID: id, Seq: seq, T0Us: 0, XYZ: xyz}})
	if err != nil {
		panic(err)
	}
	return b
}

func TestHandleDatagramHelloThenData(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	rings := ring.NewStore()
	h := health.New()
	in := New(Config{QueueMaxSize: 8, WaveformSeconds: 1}, reg, rings, h, nil)

	id := wire.ClientID{1, 2, 3, 4, 5, 6}
	now := time.Now()
	in.HandleDatagram(encodeHello(id, "FL"), nil, now)
	in.HandleDatagram(encodeData(id, 1, []int16{1000, 0, 0}), nil, now)

	ctx, cancel := testContext()
	go in.Run(ctx)
	waitForQueueDrain(t, in)
	cancel()

	rows := reg.Snapshot()
	if len(rows) != 1 || rows[0].Name != "FL" || rows[0].FramesTotal != 1 {
		t.Fatalf("unexpected registry state: %+v", rows)
	}
	buf, ok := rings.Get(id)
	if !ok {
		t.Fatal("expected ring buffer to be created")
	}
	bundle := buf.Snapshot(id, 800, 4)
	wantX := 1000.0 / 16384.0
	if bundle.Count != 1 || bundle.X[0] != wantX {
		t.Fatalf("unexpected ring contents: %+v, want x=%v", bundle, wantX)
	}
}

func TestHandleDatagramQueueOverflowDropsNewest(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	rings := ring.NewStore()
	h := health.New()
	in := New(Config{QueueMaxSize: 2, WaveformSeconds: 1}, reg, rings, h, nil)

	id := wire.ClientID{9, 9, 9, 9, 9, 9}
	now := time.Now()
	for i := 0; i < 5; i++ {
		in.HandleDatagram(encodeData(id, uint32(i+1), []int16{0, 0, 0}), nil, now)
	}
	if in.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2 (capacity)", in.QueueLen())
	}
	if got := h.Snapshot(); got.TotalIngestedSamples != 0 {
		t.Fatalf("nothing should be ingested yet, got %+v", got)
	}
}

func TestHandleDatagramParseErrorNotEnqueued(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	rings := ring.NewStore()
	h := health.New()
	in := New(Config{QueueMaxSize: 8, WaveformSeconds: 1}, reg, rings, h, nil)

	in.HandleDatagram([]byte{0xFF}, nil, time.Now())
	if in.QueueLen() != 0 {
		t.Fatal("malformed datagram should not be enqueued")
	}
}

func TestDataTriggersDataAck(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	rings := ring.NewStore()
	h := health.New()
	resp := &recordingResponder{}
	in := New(Config{QueueMaxSize: 8, WaveformSeconds: 1}, reg, rings, h, resp)

	id := wire.ClientID{5, 5, 5, 5, 5, 5}
	now := time.Now()
	in.HandleDatagram(encodeData(id, 42, []int16{1, 2, 3}), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}, now)

	ctx, cancel := testContext()
	go in.Run(ctx)
	waitForQueueDrain(t, in)
	cancel()

	if len(resp.sent) != 1 {
		t.Fatalf("expected exactly one DATA_ACK, got %d", len(resp.sent))
	}
	ack, err := wire.Parse(resp.sent[0])
	if err != nil {
		t.Fatalf("DATA_ACK did not parse: %v", err)
	}
	if ack.DataAck == nil || ack.DataAck.SeqEcho != 42 {
		t.Fatalf("unexpected ack frame: %+v", ack)
	}
}

func TestDataForUnknownSensorAutoCreates(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	rings := ring.NewStore()
	h := health.New()
	in := New(Config{QueueMaxSize: 8, WaveformSeconds: 1}, reg, rings, h, nil)

	id := wire.ClientID{7, 7, 7, 7, 7, 7}
	in.HandleDatagram(encodeData(id, 1, []int16{0, 0, 0}), nil, time.Now())

	ctx, cancel := testContext()
	go in.Run(ctx)
	waitForQueueDrain(t, in)
	cancel()

	rows := reg.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected auto-created sensor, got %d rows", len(rows))
	}
}
