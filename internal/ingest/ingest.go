// Package ingest implements the UDP receive path: a non-blocking
// receiver fibre feeding a bounded queue, and a consumer fibre that
// updates the registry, appends samples to ring buffers, and emits
// DATA_ACK (spec §4.3).
//
// Grounded on internal/lidar/network/listener.go's non-blocking
// recv-loop-plus-bounded-channel shape and foreground_forwarder.go's
// drop-newest-on-overflow backpressure policy.
package ingest

import (
	"context"
	"net"
	"time"

	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/vlog"
	"github.com/skamba/vibesense/internal/wire"
)

// Config bundles ingest's tunables (spec §6 processing keys).
type Config struct {
	QueueMaxSize      int
	WaveformSeconds   float64
	AccelScaleGPerLSB float64
}

// frame pairs a parsed wire frame with its arrival time and source
// address, the unit of work the receiver hands the consumer.
type frame struct {
	f         wire.Frame
	arrivedAt time.Time
	addr      *net.UDPAddr
}

// Responder sends a datagram back to the address a sensor's DATA frame
// came from. The real implementation is the control plane's UDP socket;
// tests supply a recording stub.
type Responder interface {
	SendTo(b []byte, addr *net.UDPAddr) error
}

// Ingest owns the bounded frame queue and wires parsed DATA frames
// into the registry and ring store. It does not own the socket: the
// caller's receive loop hands each datagram to HandleDatagram, so tests
// can feed it bytes directly.
type Ingest struct {
	cfg      Config
	reg      *registry.Registry
	rings    *ring.Store
	health   *health.Recorder
	resp     Responder
	dropLog  *vlog.RateLimiter
	parseLog *vlog.RateLimiter

	// OnHello, if set, is notified of every HELLO frame's source
	// address so the control plane can learn where to send CMDs
	// without the registry itself storing network addresses (Design
	// Notes §9: no back pointers between components).
	OnHello func(id wire.ClientID, ip net.IP, controlPort uint16)
	// OnAck, if set, is handed every inbound ACK frame for control
	// plane correlation.
	OnAck func(*wire.AckFrame)

	queue chan frame

	droppedBySensor map[wire.ClientID]uint64
}

// New creates an Ingest. resp may be nil if DATA_ACK replies are not
// needed (e.g. unit tests exercising only the queue/registry path).
func New(cfg Config, reg *registry.Registry, rings *ring.Store, h *health.Recorder, resp Responder) *Ingest {
	if cfg.QueueMaxSize <= 0 {
		cfg.QueueMaxSize = 1024
	}
	if cfg.AccelScaleGPerLSB <= 0 {
		cfg.AccelScaleGPerLSB = 1.0 / 16384.0
	}
	return &Ingest{
		cfg:             cfg,
		reg:             reg,
		rings:           rings,
		health:          h,
		resp:            resp,
		dropLog:         vlog.NewRateLimiter(10 * time.Second),
		parseLog:        vlog.NewRateLimiter(10 * time.Second),
		queue:           make(chan frame, cfg.QueueMaxSize),
		droppedBySensor: make(map[wire.ClientID]uint64),
	}
}

// QueueLen reports the current queue depth, for tests and /api/health.
func (in *Ingest) QueueLen() int { return len(in.queue) }

// HandleDatagram parses one inbound datagram and enqueues it. It never
// blocks: on queue overflow the newest datagram is dropped and counted
// (spec §4.3). Parse errors are dropped and counted, rate-limited to
// one log line per 10s.
func (in *Ingest) HandleDatagram(b []byte, addr *net.UDPAddr, now time.Time) {
	f, err := wire.Parse(b)
	if err != nil {
		if in.health != nil {
			in.health.AddParseError()
		}
		if in.parseLog.Allow(now) {
			vlog.Logf("ingest: parse error from %v: %v", addr, err)
		}
		return
	}

	select {
	case in.queue <- frame{f: f, arrivedAt: now, addr: addr}:
	default:
		if in.health != nil {
			in.health.AddQueueDrop()
		}
		if in.dropLog.Allow(now) {
			vlog.Logf("ingest: queue full (cap %d), dropping newest datagram", in.cfg.QueueMaxSize)
		}
	}
}

// Run drains the queue until ctx is cancelled, dispatching each frame
// to the registry/ring/ack pipeline. It is the consumer fibre of
// spec §4.3 and is meant to run on its own goroutine.
func (in *Ingest) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fr := <-in.queue:
			in.dispatch(fr)
		}
	}
}

func (in *Ingest) dispatch(fr frame) {
	switch {
	case fr.f.Hello != nil:
		in.reg.OnHello(fr.f.Hello, fr.arrivedAt)
		if in.OnHello != nil && fr.addr != nil {
			in.OnHello(fr.f.Hello.ClientID, fr.addr.IP, fr.f.Hello.ControlPort)
		}
	case fr.f.Data != nil:
		in.handleData(fr.f.Data, fr)
	case fr.f.Ack != nil:
		if in.OnAck != nil {
			in.OnAck(fr.f.Ack)
		}
	default:
		// CMD and DATA_ACK are not sent by sensors; ignore silently.
	}
}

func (in *Ingest) handleData(d *wire.DataFrame, fr frame) {
	autoCreated := in.reg.OnData(d, fr.arrivedAt)
	if autoCreated && in.dropLog.Allow(fr.arrivedAt) {
		vlog.Logf("ingest: auto-created registry entry for unknown sensor %x", d.ClientID)
	}

	scale := in.cfg.AccelScaleGPerLSB
	samples := make([]ring.Sample, d.SampleCount())
	for i := range samples {
		samples[i] = ring.Sample{
			X: float64(d.XYZ[i*3+0]) * scale,
			Y: float64(d.XYZ[i*3+1]) * scale,
			Z: float64(d.XYZ[i*3+2]) * scale,
		}
	}

	sampleRateHz := in.reg.SampleRateHz(d.ClientID)
	if sampleRateHz <= 0 {
		sampleRateHz = 800
	}
	buf := in.rings.Ensure(d.ClientID, sampleRateHz, in.cfg.WaveformSeconds)
	buf.Ingest(samples, int64(d.T0Us), fr.arrivedAt)

	if in.health != nil {
		in.health.AddIngestedSamples(len(samples))
	}

	if in.resp != nil && fr.addr != nil {
		ack, err := wire.Encode(wire.Frame{DataAck: &wire.DataAckFrame{ClientID: d.ClientID, SeqEcho: d.Seq}})
		if err == nil {
			_ = in.resp.SendTo(ack, fr.addr)
		}
	}
}
