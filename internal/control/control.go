// Package control implements the command channel to sensors: identify
// (fire-and-forget, ACK-confirmed with a timeout) and the periodic
// sync_clock broadcast (spec §4.4).
//
// Grounded on internal/serialmux's single-writer command dispatch and
// pending-ACK correlation under a mutex, generalized from one serial
// port to one UDP control socket addressing many sensors, plus
// internal/db.TransitController's trigger-channel-driven periodic
// broadcast shape.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/timeutil"
	"github.com/skamba/vibesense/internal/vlog"
	"github.com/skamba/vibesense/internal/wire"
)

// ErrTimeout is returned when a CMD goes unacknowledged within its
// deadline (spec §4.4, §7 "Timeout: return to caller; no retry").
var ErrTimeout = errors.New("control: command timed out")

const identifyTimeout = 1500 * time.Millisecond

// Sender transmits an encoded frame to a sensor's control address. The
// production implementation wraps a *net.UDPConn; tests substitute an
// in-memory recorder.
type Sender interface {
	SendTo(b []byte, addr *net.UDPAddr) error
}

type pendingCmd struct {
	done chan wire.AckStatus
}

// Control tracks each sensor's control address and correlates ACKs to
// pending CMDs (spec §4.4 "State machine for a pending CMD: sent →
// (ack | timeout)").
type Control struct {
	sender Sender
	reg    *registry.Registry
	clock  timeutil.Clock
	health *health.Recorder

	addrMu sync.RWMutex
	addrs  map[wire.ClientID]*net.UDPAddr

	pendingMu sync.Mutex
	pending   map[pendingKey]*pendingCmd

	seqMu sync.Mutex
	seq   uint32
}

type pendingKey struct {
	id  wire.ClientID
	seq uint32
}

// New creates a Control plane. clock defaults to timeutil.RealClock{}
// when nil.
func New(sender Sender, reg *registry.Registry, h *health.Recorder, clock timeutil.Clock) *Control {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Control{
		sender:  sender,
		reg:     reg,
		health:  h,
		clock:   clock,
		addrs:   make(map[wire.ClientID]*net.UDPAddr),
		pending: make(map[pendingKey]*pendingCmd),
	}
}

// UpdateAddr records the control-plane address a sensor announced in
// its most recent HELLO (UDP source IP plus the declared control
// port). Ingest calls this as HELLOs arrive; registry itself never
// stores network addresses (Design Notes §9: no back pointers).
func (c *Control) UpdateAddr(id wire.ClientID, ip net.IP, controlPort uint16) {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	c.addrs[id] = &net.UDPAddr{IP: ip, Port: int(controlPort)}
}

func (c *Control) addrFor(id wire.ClientID) (*net.UDPAddr, bool) {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	a, ok := c.addrs[id]
	return a, ok
}

func (c *Control) nextSeq() uint32 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Identify sends a fire-and-forget identify CMD and blocks up to
// 1.5s for the ACK confirmation the UI needs (spec §4.4). No retry on
// timeout (spec §7).
func (c *Control) Identify(ctx context.Context, id wire.ClientID, durationMs uint16) (wire.AckStatus, error) {
	addr, ok := c.addrFor(id)
	if !ok {
		return 0, fmt.Errorf("control: no known address for sensor %x", id)
	}

	seq := c.nextSeq()
	b, err := wire.Encode(wire.Frame{Cmd: &wire.CmdFrame{ClientID: id, CmdID: wire.CmdIdentify, CmdSeq: seq, DurationMs: durationMs}})
	if err != nil {
		return 0, fmt.Errorf("control: encode identify: %w", err)
	}

	key := pendingKey{id: id, seq: seq}
	pc := &pendingCmd{done: make(chan wire.AckStatus, 1)}
	c.pendingMu.Lock()
	c.pending[key] = pc
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.sender.SendTo(b, addr); err != nil {
		return 0, fmt.Errorf("control: send identify: %w", err)
	}

	timer := c.clock.NewTimer(identifyTimeout)
	defer timer.Stop()
	select {
	case status := <-pc.done:
		return status, nil
	case <-timer.C():
		if c.health != nil {
			c.health.AddControlTimeout()
		}
		return 0, ErrTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// BroadcastSyncClock sends a sync_clock CMD carrying the server's
// current monotonic time in microseconds to every active sensor (spec
// §4.4: "broadcast every ≈5s to every active sensor"). It does not
// wait for or track ACKs: sync_clock CMDs are not registered as
// pending, so OnAck drops their ACKs.
func (c *Control) BroadcastSyncClock(serverTimeUs uint64) {
	for _, id := range c.reg.Active() {
		addr, ok := c.addrFor(id)
		if !ok {
			continue
		}
		seq := c.nextSeq()
		b, err := wire.Encode(wire.Frame{Cmd: &wire.CmdFrame{ClientID: id, CmdID: wire.CmdSyncClock, CmdSeq: seq, ServerTimeUs: serverTimeUs}})
		if err != nil {
			vlog.Logf("control: encode sync_clock for %x: %v", id, err)
			continue
		}
		if err := c.sender.SendTo(b, addr); err != nil {
			vlog.Logf("control: send sync_clock to %x: %v", id, err)
		}
	}
}

// RunSyncClockLoop periodically broadcasts sync_clock until ctx is
// cancelled (spec §5 "a separate... periodic scheduler"). nowUs supplies
// the server's current time in microseconds, letting tests inject a
// deterministic clock.
func (c *Control) RunSyncClockLoop(ctx context.Context, interval time.Duration, nowUs func() uint64) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.BroadcastSyncClock(nowUs())
		}
	}
}

// OnAck correlates an inbound ACK frame to its pending identify CMD and
// applies no clock offset. Frames for sync_clock CMDs and for unknown
// or already-resolved (e.g. timed out) CmdSeqs are dropped silently.
func (c *Control) OnAck(ack *wire.AckFrame) {
	key := pendingKey{id: ack.ClientID, seq: ack.CmdSeq}
	c.pendingMu.Lock()
	pc, ok := c.pending[key]
	c.pendingMu.Unlock()
	if ok {
		select {
		case pc.done <- ack.Status:
		default:
		}
	}
}

// AttachAdminRoutes exposes operator-only debug endpoints under mux,
// in the same tsweb.Debugger shape the teacher uses for its serial
// command console: a manual identify trigger and a pending-command
// count for spot-checking the control plane without the full HTTP
// façade.
func (c *Control) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("vibesense-identify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		idHex := r.FormValue("sensor_id")
		durationMs, _ := strconv.Atoi(r.FormValue("duration_ms"))
		id, err := wire.ParseClientIDHex(idHex)
		if err != nil {
			http.Error(w, "invalid sensor_id", http.StatusBadRequest)
			return
		}
		status, err := c.Identify(r.Context(), id, uint16(durationMs))
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		fmt.Fprintf(w, "identify acked, status=%d\n", status)
	})

	debug.HandleSilentFunc("vibesense-pending", func(w http.ResponseWriter, r *http.Request) {
		c.pendingMu.Lock()
		n := len(c.pending)
		c.pendingMu.Unlock()
		fmt.Fprintf(w, "pending commands: %d\n", n)
	})
}

// ApplySyncAck records the clock offset once a sensor acknowledges a
// sync_clock CMD (spec §4.4: "the sensor applies offset
// server_time_us − local_us ... to all subsequent t0_us fields" — the
// mirror-image bookkeeping the server keeps for its own diagnostics).
func (c *Control) ApplySyncAck(id wire.ClientID, serverTimeUs, localUs int64) error {
	return c.reg.ApplyClockOffset(id, serverTimeUs-localUs)
}
