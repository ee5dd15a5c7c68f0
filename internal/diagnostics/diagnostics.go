// Package diagnostics turns per-tick signalproc output into the live
// event stream: severity hysteresis per (sensor, source), an
// append-only event matrix for trend charts, and multi-sensor grouping
// of synchronous detections (spec §4.8).
//
// Grounded on internal/db.TransitController/TransitWorker's stateful
// per-entity bookkeeping (a status snapshot struct updated in place
// per tick) and internal/lidar/velocity_estimation.go's two-pass
// per-tick computation shape (raw values first, smoothed/grouped
// values second).
package diagnostics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/signalproc"
	"github.com/skamba/vibesense/internal/wire"
)

// SourceKey buckets a classification key into one of the four trend
// categories the event matrix tracks (spec §4.8).
type SourceKey string

const (
	SourceEngine     SourceKey = "engine"
	SourceDriveshaft SourceKey = "driveshaft"
	SourceWheel      SourceKey = "wheel"
	SourceOther      SourceKey = "other"
)

// sourceKeyFor maps a signalproc classification key to its event
// matrix source bucket. shaft_eng1 (driveshaft/engine order overlap)
// reports as driveshaft: the shaft order is the lower, dominant one in
// that overlap case.
func sourceKeyFor(classKey string) SourceKey {
	switch classKey {
	case signalproc.ClassWheel1, signalproc.ClassWheel2:
		return SourceWheel
	case signalproc.ClassShaft1, signalproc.ClassShaftEng:
		return SourceDriveshaft
	case signalproc.ClassEng1, signalproc.ClassEng2:
		return SourceEngine
	default:
		return SourceOther
	}
}

// Event is one entry of the append-only event stream (spec §4.8
// "Outputs: an append-only event stream").
type Event struct {
	Tick       time.Time
	SensorID   wire.ClientID
	SensorName string
	Source     SourceKey
	ClassKey   string
	Severity   string // strength band key; never empty for a ring entry
	Hz         float64
	DB         float64
	Grouped    bool
	GroupSize  int
}

// MatrixKey identifies one cell of the event matrix.
type MatrixKey struct {
	Source   SourceKey
	Severity string
}

// MatrixCell is one event matrix entry (spec §4.8).
type MatrixCell struct {
	Count        int
	SecondsAccum float64
	Contributors map[string]int
}

// MatrixEntry flattens a matrix cell for snapshot consumers.
type MatrixEntry struct {
	MatrixKey
	MatrixCell
}

// SensorTick is one sensor's computed metrics for the current tick,
// the unit of work Process consumes.
type SensorTick struct {
	SensorID wire.ClientID
	Name     string
	Metrics  signalproc.Metrics
}

type hystKey struct {
	SensorID wire.ClientID
	Source   SourceKey
}

// hysteresisState tracks one (sensor, source)'s confirmed severity
// band plus the in-flight promotion/demotion vote (spec §4.8
// "Severity hysteresis").
type hysteresisState struct {
	confirmedIdx int // -1 = no confirmed band
	pendingIdx   int
	pendingTicks int
	demoteTicks  int
}

// Diagnostics accumulates the event matrix and event rings across
// ticks. It holds no reference to the registry or ring store; callers
// feed it SensorTick values built from whatever phase-2 output they
// already have (Design Notes §9: no back pointers between components).
type Diagnostics struct {
	cfg *config.Config

	mu       sync.Mutex
	hyst     map[hystKey]*hysteresisState
	matrix   map[MatrixKey]*MatrixCell
	lastTick time.Time

	// pending holds transitions not yet finalized: candidates still
	// within multi_sync_window_ms of a possible partner from a later
	// Process call. A scheduler tick (fft_update_hz) is typically
	// shorter than the sync window, so a grouped pair's two halves
	// routinely arrive in different Process calls (spec §4.8/§8
	// scenario 3) — pending is what lets the second half still find
	// the first.
	pending []Event

	perSensor map[wire.ClientID]*eventRing
	global    *eventRing
}

// New creates a Diagnostics bound to cfg's hysteresis/grouping/ring
// tunables.
func New(cfg *config.Config) *Diagnostics {
	return &Diagnostics{
		cfg:       cfg,
		hyst:      make(map[hystKey]*hysteresisState),
		matrix:    make(map[MatrixKey]*MatrixCell),
		perSensor: make(map[wire.ClientID]*eventRing),
		global:    newEventRing(cfg.EventRingGlobal),
	}
}

// Process runs one tick's worth of sensor metrics through hysteresis,
// updates the event matrix, and folds any newly confirmed transitions
// into the pending grouping buffer. It returns whatever transitions —
// solo or grouped — finalize this tick (possibly empty); a transition
// can finalize on a later call than the one that produced it, once its
// sync window closes or a partner arrives.
func (d *Diagnostics) Process(now time.Time, ticks []SensorTick) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	interval := d.tickIntervalLocked(now)

	for _, t := range ticks {
		if len(t.Metrics.TopPeaks) == 0 && t.Metrics.ClassKey == "" {
			continue
		}
		source := sourceKeyFor(t.Metrics.ClassKey)
		severity, changed := d.applyHysteresisLocked(t.SensorID, source, t.Metrics.VibrationStrengthDB, t.Metrics.PeakAmpG)

		d.recordMatrixLocked(source, severity, interval, t.Name)

		if changed && severity != "" {
			d.pending = append(d.pending, Event{
				Tick:       now,
				SensorID:   t.SensorID,
				SensorName: t.Name,
				Source:     source,
				ClassKey:   t.Metrics.ClassKey,
				Severity:   severity,
				Hz:         t.Metrics.DominantHz,
				DB:         t.Metrics.VibrationStrengthDB,
			})
		}
	}

	final := d.drainPendingLocked(now)
	for _, e := range final {
		d.appendToRingsLocked(e)
	}
	return final
}

func (d *Diagnostics) tickIntervalLocked(now time.Time) float64 {
	if d.lastTick.IsZero() {
		d.lastTick = now
		return 0
	}
	dt := now.Sub(d.lastTick).Seconds()
	d.lastTick = now
	if dt < 0 {
		dt = 0
	}
	return dt
}

// applyHysteresisLocked advances one (sensor, source)'s confirmed
// severity band per spec §4.8: promotion needs PersistenceTicks
// consecutive ticks at-or-above the candidate band, demotion needs
// DecayTicks consecutive ticks below confirmedBand.MinDB-HysteresisDB.
func (d *Diagnostics) applyHysteresisLocked(id wire.ClientID, source SourceKey, db, peakAmpG float64) (severity string, changed bool) {
	bands := d.cfg.StrengthBands
	rawIdx := -1
	for i, b := range bands {
		if db >= b.MinDB && peakAmpG >= b.MinAmpG {
			rawIdx = i
		}
	}

	key := hystKey{SensorID: id, Source: source}
	st, ok := d.hyst[key]
	if !ok {
		st = &hysteresisState{confirmedIdx: -1}
		d.hyst[key] = st
	}

	switch {
	case rawIdx == st.confirmedIdx:
		st.pendingTicks = 0
		st.demoteTicks = 0
		return bandKey(bands, st.confirmedIdx), false

	case rawIdx > st.confirmedIdx:
		if st.pendingIdx != rawIdx {
			st.pendingIdx = rawIdx
			st.pendingTicks = 0
		}
		st.pendingTicks++
		st.demoteTicks = 0
		if st.pendingTicks >= d.cfg.PersistenceTicks {
			st.confirmedIdx = rawIdx
			st.pendingTicks = 0
			return bandKey(bands, st.confirmedIdx), true
		}
		return bandKey(bands, st.confirmedIdx), false

	default: // rawIdx < st.confirmedIdx: demotion candidate
		st.pendingTicks = 0
		threshold := bands[st.confirmedIdx].MinDB - d.cfg.HysteresisDB
		if db < threshold {
			st.demoteTicks++
		} else {
			st.demoteTicks = 0
		}
		if st.demoteTicks >= d.cfg.DecayTicks {
			st.confirmedIdx = rawIdx
			st.demoteTicks = 0
			return bandKey(bands, st.confirmedIdx), true
		}
		return bandKey(bands, st.confirmedIdx), false
	}
}

func bandKey(bands []config.StrengthBand, idx int) string {
	if idx < 0 || idx >= len(bands) {
		return ""
	}
	return bands[idx].Key
}

func (d *Diagnostics) recordMatrixLocked(source SourceKey, severity string, intervalS float64, name string) {
	key := MatrixKey{Source: source, Severity: severity}
	cell, ok := d.matrix[key]
	if !ok {
		cell = &MatrixCell{Contributors: make(map[string]int)}
		d.matrix[key] = cell
	}
	cell.Count++
	cell.SecondsAccum += intervalS
	if name != "" {
		cell.Contributors[name]++
	}
}

// drainPendingLocked matches transitions sharing a classification key
// that fall within multi_sync_window_ms and multi_freq_bin_hz of each
// other (spec §4.8 "Multi-sensor grouping") against the rest of the
// pending buffer, which may span several Process calls. A pair (or
// larger group) found this call finalizes immediately — there's no
// value waiting once a partner has already shown up. A transition with
// no partner yet stays pending until its own sync window closes (no
// future call can still introduce a partner once now is past
// tick+window), at which point it finalizes solo. Grouped events
// replace, rather than accompany, their constituent single-sensor
// events.
func (d *Diagnostics) drainPendingLocked(now time.Time) []Event {
	windowS := float64(d.cfg.MultiSyncWindowMs) / 1000.0
	n := len(d.pending)
	used := make([]bool, n)
	var ready []Event

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := d.pending[i]
		group := []int{i}
		for j := i + 1; j < n; j++ {
			if used[j] || d.pending[j].ClassKey != anchor.ClassKey {
				continue
			}
			if math.Abs(d.pending[j].Tick.Sub(anchor.Tick).Seconds()) > windowS {
				continue
			}
			if math.Abs(d.pending[j].Hz-anchor.Hz) > d.cfg.MultiFreqBinHz {
				continue
			}
			group = append(group, j)
		}

		if len(group) >= 2 {
			for _, idx := range group {
				used[idx] = true
			}
			ready = append(ready, d.mergeGroupLocked(d.pending, group))
			continue
		}

		if now.Sub(anchor.Tick).Seconds() > windowS {
			used[i] = true
			ready = append(ready, anchor)
		}
	}

	stillPending := d.pending[:0:0]
	for i, e := range d.pending {
		if !used[i] {
			stillPending = append(stillPending, e)
		}
	}
	d.pending = stillPending
	return ready
}

// mergeGroupLocked reduces a group of simultaneous single-sensor
// events to one: mean peak Hz/dB, with a +2dB confidence bonus for a
// pair (spec §4.8 "+2 dB bonus for 2 sensors, or equivalent table
// shift").
func (d *Diagnostics) mergeGroupLocked(events []Event, idxs []int) Event {
	var sumHz, sumDB float64
	names := make([]string, 0, len(idxs))
	for _, i := range idxs {
		sumHz += events[i].Hz
		sumDB += events[i].DB
		names = append(names, events[i].SensorName)
	}
	n := float64(len(idxs))
	meanHz := sumHz / n
	meanDB := sumDB / n
	if len(idxs) == 2 {
		meanDB += d.cfg.MultiSensorBonusDB
	}

	severity := ""
	for i := len(d.cfg.StrengthBands) - 1; i >= 0; i-- {
		if meanDB >= d.cfg.StrengthBands[i].MinDB {
			severity = d.cfg.StrengthBands[i].Key
			break
		}
	}

	base := events[idxs[0]]
	sort.Strings(names)
	return Event{
		Tick:       base.Tick,
		SensorID:   base.SensorID,
		SensorName: strings.Join(names, "+"),
		Source:     base.Source,
		ClassKey:   base.ClassKey,
		Severity:   severity,
		Hz:         meanHz,
		DB:         meanDB,
		Grouped:    true,
		GroupSize:  len(idxs),
	}
}

func (d *Diagnostics) appendToRingsLocked(e Event) {
	d.global.push(e)
	r, ok := d.perSensor[e.SensorID]
	if !ok {
		r = newEventRing(d.cfg.EventRingPerSensor)
		d.perSensor[e.SensorID] = r
	}
	r.push(e)
}

// MatrixSnapshot returns the current event matrix as a flat,
// deterministically ordered slice.
func (d *Diagnostics) MatrixSnapshot() []MatrixEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]MatrixEntry, 0, len(d.matrix))
	for k, v := range d.matrix {
		contributors := make(map[string]int, len(v.Contributors))
		for name, n := range v.Contributors {
			contributors[name] = n
		}
		out = append(out, MatrixEntry{MatrixKey: k, MatrixCell: MatrixCell{
			Count:        v.Count,
			SecondsAccum: v.SecondsAccum,
			Contributors: contributors,
		}})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Severity < out[j].Severity
	})
	return out
}

// GlobalEvents returns the latest global event ring, oldest first.
func (d *Diagnostics) GlobalEvents() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.global.snapshot()
}

// SensorEvents returns the latest per-sensor event ring, oldest first.
func (d *Diagnostics) SensorEvents(id wire.ClientID) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.perSensor[id]
	if !ok {
		return nil
	}
	return r.snapshot()
}
