// Package registry tracks connected sensors: identity, liveness, and
// the rolling counters spec §4.2 names. It owns identity by value and
// never holds a pointer into the ring buffer store or any other
// component — per Design Notes §9, either side looks the other up by
// sensor id, never via a back pointer.
//
// Grounded on internal/db/site.go's keyed-by-id record store shape and
// internal/lidar/network/listener.go's PacketStatsInterface rolling
// counters updated from the ingest path.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skamba/vibesense/internal/wire"
)

// LocationCode is one of the closed taxonomy of car-body positions
// spec §3 requires ("Sensor identity... a location code (one of a
// closed taxonomy of car-body positions)").
type LocationCode string

const (
	LocationUnset   LocationCode = ""
	LocationFL      LocationCode = "FL"
	LocationFR      LocationCode = "FR"
	LocationRL      LocationCode = "RL"
	LocationRR      LocationCode = "RR"
	LocationEngine  LocationCode = "ENGINE"
	LocationTrans   LocationCode = "TRANS"
	LocationDash    LocationCode = "DASH"
	LocationChassis LocationCode = "CHASSIS"
)

// ValidLocationCodes enumerates the closed taxonomy for validation at
// the (out-of-scope) HTTP boundary; the registry itself only enforces
// uniqueness, not taxonomy membership, since new positions may be
// added without a core release.
var ValidLocationCodes = []LocationCode{
	LocationUnset, LocationFL, LocationFR, LocationRL, LocationRR,
	LocationEngine, LocationTrans, LocationDash, LocationChassis,
}

var (
	// ErrLocationTaken is returned by SetLocation when another active
	// sensor already holds the requested non-empty location (spec §4.2,
	// surfaced to HTTP with 409 per spec §7).
	ErrLocationTaken = errors.New("registry: location already assigned")
	// ErrUnknownSensor is returned by operations addressing a sensor id
	// the registry has never seen.
	ErrUnknownSensor = errors.New("registry: unknown sensor")
)

// Identity is the stable, renameable part of a sensor record (spec §3).
type Identity struct {
	ID           wire.ClientID
	Name         string
	Location     LocationCode
	Firmware     string
	SampleRateHz int
}

// Record is the full per-sensor registry entry (spec §3 "Registry record").
type Record struct {
	Identity Identity

	LastSeenMono time.Time
	FramesTotal  uint64
	// DroppedFrames counts both sensor-reported drops and gaps this
	// registry detects itself via sequence numbers (spec §4.2).
	DroppedFrames      uint64
	ServerQueueDrops   uint64
	QueueOverflowDrops uint64

	// ClockOffsetUs is server_time_us - local_us, applied by the sensor
	// after a sync_clock ACK (spec §4.4); zero until first sync.
	ClockOffsetUs int64
	Identified    bool

	lastSeq      uint32
	haveSeq      bool
	lastArrival  time.Time
	jitterEWMAUs float64
}

// RegistryRow is the flattened view Snapshot returns, matching the
// shape the (out-of-scope) GET /api/clients endpoint needs (spec §6).
type RegistryRow struct {
	ID                 wire.ClientID
	Name               string
	Location           LocationCode
	Firmware           string
	SampleRateHz       int
	LastSeenAgeMs      int64
	FramesTotal        uint64
	DroppedFrames      uint64
	QueueOverflowDrops uint64
	ClockOffsetUs      int64
	Alive              bool
	JitterUs           float64
}

// Registry is a single read-write guarded map of sensor records (spec §5
// "Registry is a single read-write guarded map; reads dominate and
// never contend with compute").
type Registry struct {
	deadAfter time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	records map[wire.ClientID]*Record
}

// New creates an empty Registry. deadAfter is the liveness threshold
// T_dead from spec §3; now lets tests substitute a deterministic clock.
func New(deadAfter time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		deadAfter: deadAfter,
		now:       now,
		records:   make(map[wire.ClientID]*Record),
	}
}

// OnHello creates a new record on first HELLO or updates an existing
// one's name/firmware/sample-rate on subsequent HELLOs (spec §3
// "Identity is created on first HELLO, updated by later HELLOs").
func (r *Registry) OnHello(h *wire.HelloFrame, arrivedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[h.ClientID]
	if !ok {
		rec = &Record{Identity: Identity{ID: h.ClientID}}
		r.records[h.ClientID] = rec
	}
	rec.Identity.Name = h.Name
	rec.Identity.Firmware = h.Firmware
	rec.Identity.SampleRateHz = int(h.SampleRateHz)
	rec.QueueOverflowDrops = uint64(h.QueueOverflowDrops)
	rec.LastSeenMono = arrivedAt
}

// OnData updates liveness, counters, and gap/jitter detection for a
// DATA frame's arrival. If the sensor is unknown, a minimal entry is
// auto-created (spec §4.3 "registry errors (unknown sensor on DATA)
// auto-create a minimal registry entry and log once"); the caller is
// responsible for the "log once" part via the returned bool.
func (r *Registry) OnData(d *wire.DataFrame, arrivedAt time.Time) (autoCreated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[d.ClientID]
	if !ok {
		rec = &Record{Identity: Identity{ID: d.ClientID}}
		r.records[d.ClientID] = rec
		autoCreated = true
	}

	if rec.haveSeq {
		expected := rec.lastSeq + 1
		if d.Seq > expected {
			rec.DroppedFrames += uint64(d.Seq - expected)
		}
	}
	rec.lastSeq = d.Seq
	rec.haveSeq = true

	if !rec.lastArrival.IsZero() {
		interval := float64(arrivedAt.Sub(rec.lastArrival).Microseconds())
		const alpha = 0.2
		rec.jitterEWMAUs = rec.jitterEWMAUs + alpha*(interval-rec.jitterEWMAUs)
	}
	rec.lastArrival = arrivedAt
	rec.LastSeenMono = arrivedAt
	rec.FramesTotal++

	return autoCreated
}

// MarkIdentified records that an identify command was acknowledged
// for the sensor, independent of the UI-confirmation timeout in the
// control plane.
func (r *Registry) MarkIdentified(id wire.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSensor, id)
	}
	rec.Identified = true
	return nil
}

// ApplyClockOffset records the estimated offset to server monotonic
// time after a sync_clock round trip (spec §3).
func (r *Registry) ApplyClockOffset(id wire.ClientID, offsetUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSensor, id)
	}
	rec.ClockOffsetUs = offsetUs
	return nil
}

// Rename sets a sensor's display name. Idempotent: renaming to the
// current name is a no-op success (spec §4.2).
func (r *Registry) Rename(id wire.ClientID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSensor, id)
	}
	rec.Identity.Name = name
	return nil
}

// SetLocation assigns a location code, failing with ErrLocationTaken
// if another active sensor already holds it (spec §4.2). Calling it
// twice with the same (id, code) is idempotent and returns success
// (spec §8).
func (r *Registry) SetLocation(id wire.ClientID, code LocationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSensor, id)
	}
	if rec.Identity.Location == code {
		return nil
	}
	if code != LocationUnset {
		now := r.now()
		for otherID, other := range r.records {
			alive := !other.LastSeenMono.IsZero() && now.Sub(other.LastSeenMono) < r.deadAfter
			if otherID != id && alive && other.Identity.Location == code {
				return fmt.Errorf("%w: %s", ErrLocationTaken, code)
			}
		}
	}
	rec.Identity.Location = code
	return nil
}

// Remove deletes a sensor's record entirely (spec §4.2).
func (r *Registry) Remove(id wire.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Snapshot returns a point-in-time copy of every known sensor, sorted
// by id for deterministic test output.
func (r *Registry) Snapshot() []RegistryRow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	rows := make([]RegistryRow, 0, len(r.records))
	for id, rec := range r.records {
		rows = append(rows, RegistryRow{
			ID:                 id,
			Name:               rec.Identity.Name,
			Location:           rec.Identity.Location,
			Firmware:           rec.Identity.Firmware,
			SampleRateHz:       rec.Identity.SampleRateHz,
			LastSeenAgeMs:      now.Sub(rec.LastSeenMono).Milliseconds(),
			FramesTotal:        rec.FramesTotal,
			DroppedFrames:      rec.DroppedFrames,
			QueueOverflowDrops: rec.QueueOverflowDrops,
			ClockOffsetUs:      rec.ClockOffsetUs,
			Alive:              !rec.LastSeenMono.IsZero() && now.Sub(rec.LastSeenMono) < r.deadAfter,
			JitterUs:           rec.jitterEWMAUs,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].ID[:], rows[j].ID[:]) < 0
	})
	return rows
}

// SampleRateHz returns the last-declared sample rate for id, or 0 if
// the sensor is unknown or never reported one via HELLO.
func (r *Registry) SampleRateHz(id wire.ClientID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return 0
	}
	return rec.Identity.SampleRateHz
}

// Active returns the ids of sensors currently considered alive.
func (r *Registry) Active() []wire.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	ids := make([]wire.ClientID, 0, len(r.records))
	for id, rec := range r.records {
		if !rec.LastSeenMono.IsZero() && now.Sub(rec.LastSeenMono) < r.deadAfter {
			ids = append(ids, id)
		}
	}
	return ids
}
