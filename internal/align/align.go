// Package align computes per-sensor sample window timing and the
// shared-window intersection/overlap used to decide whether a set of
// sensors' spectra may be compared (spec §4.9).
//
// Grounded on spec's own description of the synced/fallback timing
// paths; the interval-intersection-with-outlier-exclusion arithmetic
// is modeled on internal/lidar/transit_store.go's time-window overlap
// queries (finding the set of detections whose windows overlap a
// reference window, dropping the ones that don't).
package align

import (
	"sort"

	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/wire"
)

// Window is one sensor's current sample window (spec §4.9).
type Window struct {
	StartS float64
	EndS   float64
	Synced bool
}

// WindowFor derives a sensor's current window from its ring bundle
// (spec §4.9): the synced path once last_t0_us has been set at least
// once, the ingest-time fallback otherwise.
func WindowFor(b ring.Bundle, waveformSeconds float64) Window {
	if b.LastT0Us > 0 && b.SampleRateHz > 0 {
		end := float64(b.LastT0Us)/1e6 + float64(b.SamplesSinceT0)/float64(b.SampleRateHz)
		return Window{StartS: end - waveformSeconds, EndS: end, Synced: true}
	}
	end := b.FirstIngestMonoS
	sampleSpanS := 0.0
	if b.SampleRateHz > 0 {
		sampleSpanS = float64(b.Count) / float64(b.SampleRateHz)
	}
	return Window{StartS: end - sampleSpanS, EndS: end, Synced: false}
}

// Info is the alignment result for a set of sensors (spec §4.9).
type Info struct {
	SharedStartS    float64
	SharedEndS      float64
	OverlapRatio    float64
	Aligned         bool
	ClockSynced     bool
	SensorsExcluded []wire.ClientID
}

// Compute finds the shared window across windows, pruning sensors that
// overlap the rest too little (cfg.AlignGroupingThresh) before deciding
// the reported Aligned flag against cfg.AlignReportingThresh (spec §4.9). A
// single sensor is trivially aligned.
func Compute(windows map[wire.ClientID]Window, cfg *config.Config) Info {
	if len(windows) == 0 {
		return Info{}
	}
	if len(windows) == 1 {
		for _, w := range windows {
			return Info{SharedStartS: w.StartS, SharedEndS: w.EndS, OverlapRatio: 1, Aligned: true, ClockSynced: w.Synced}
		}
	}

	excluded := make(map[wire.ClientID]bool)

	// Phase 1: if the naive all-sensor intersection is empty, drop the
	// single sensor whose removal most improves it, repeating until an
	// intersection exists or only one sensor remains.
	for {
		_, _, ok, remaining := intersect(windows, excluded)
		if ok || len(remaining) <= 1 {
			break
		}
		worstID, bestTrialLen := remaining[0], negInf
		for _, id := range remaining {
			trial := cloneExcl(excluded)
			trial[id] = true
			s, e, _, rem := intersect(windows, trial)
			if len(rem) == 0 {
				continue
			}
			if l := e - s; l > bestTrialLen {
				bestTrialLen = l
				worstID = id
			}
		}
		excluded[worstID] = true
	}

	// Phase 2: trim sensors whose own overlap fraction with the current
	// intersection falls below cfg.AlignGroupingThresh (spec §4.9 "Sensors
	// with no overlap with the majority are moved to sensors_excluded").
	for {
		start, end, ok, remaining := intersect(windows, excluded)
		if !ok || len(remaining) <= 1 {
			break
		}
		var worstID wire.ClientID
		worstFrac := 1.0
		foundWorst := false
		for _, id := range remaining {
			w := windows[id]
			wlen := w.EndS - w.StartS
			if wlen <= 0 {
				continue
			}
			frac := (end - start) / wlen
			if frac < worstFrac {
				worstFrac = frac
				worstID = id
				foundWorst = true
			}
		}
		if foundWorst && worstFrac < cfg.AlignGroupingThresh {
			excluded[worstID] = true
			continue
		}
		break
	}

	start, end, ok, remaining := intersect(windows, excluded)
	info := Info{SensorsExcluded: excludedIDs(windows, excluded)}
	if !ok || len(remaining) == 0 {
		return info
	}
	info.SharedStartS = start
	info.SharedEndS = end

	unionStart, unionEnd := unionOf(windows, remaining)
	if unionEnd > unionStart {
		info.OverlapRatio = (end - start) / (unionEnd - unionStart)
	} else {
		info.OverlapRatio = 1
	}
	info.Aligned = info.OverlapRatio >= cfg.AlignReportingThresh

	info.ClockSynced = true
	for _, id := range remaining {
		if !windows[id].Synced {
			info.ClockSynced = false
			break
		}
	}
	return info
}

const negInf = -1e300

func intersect(windows map[wire.ClientID]Window, excluded map[wire.ClientID]bool) (start, end float64, ok bool, remaining []wire.ClientID) {
	first := true
	for id, w := range windows {
		if excluded[id] {
			continue
		}
		remaining = append(remaining, id)
		if first {
			start, end = w.StartS, w.EndS
			first = false
			continue
		}
		if w.StartS > start {
			start = w.StartS
		}
		if w.EndS < end {
			end = w.EndS
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return lessID(remaining[i], remaining[j]) })
	ok = !first && start < end
	return
}

func unionOf(windows map[wire.ClientID]Window, ids []wire.ClientID) (start, end float64) {
	first := true
	for _, id := range ids {
		w := windows[id]
		if first {
			start, end = w.StartS, w.EndS
			first = false
			continue
		}
		if w.StartS < start {
			start = w.StartS
		}
		if w.EndS > end {
			end = w.EndS
		}
	}
	return
}

func excludedIDs(windows map[wire.ClientID]Window, excluded map[wire.ClientID]bool) []wire.ClientID {
	var out []wire.ClientID
	for id := range windows {
		if excluded[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

func cloneExcl(m map[wire.ClientID]bool) map[wire.ClientID]bool {
	out := make(map[wire.ClientID]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func lessID(a, b wire.ClientID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
