// Package signalproc implements the per-sensor windowed-FFT pipeline:
// DC removal, Hann windowing, real FFT, peak picking, the canonical
// vibration_strength_db formula, severity bucketing, and order
// classification (spec §4.7). It is the compute function the worker
// pool schedules against ring snapshot bundles (Design Notes §9:
// "function-over-data, not polymorphic objects").
//
// Grounded on internal/db/db.go's use of gonum.org/v1/gonum/stat for
// median/mean aggregation, extended to the module's sibling dsp
// subpackages for the actual transform.
package signalproc

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"

	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/wire"
)

// Peak is a single picked spectral peak (spec §4.7 step 4).
type Peak struct {
	Hz    float64 `json:"hz"`
	AmpG  float64 `json:"amp"`
	DB    float64 `json:"vibration_strength_db"`
	Level string  `json:"strength_bucket"`
}

// Metrics is everything computed for one sensor on one tick (spec §3
// "Computed metrics").
type Metrics struct {
	SensorID wire.ClientID

	FreqHz           []float64
	CombinedSpectrum []float64

	PerAxisPeaks map[string][]Peak // keys "x", "y", "z"
	TopPeaks     []Peak            // top-K combined-axis peaks

	VibrationStrengthDB float64
	StrengthBucket      string
	PeakAmpG            float64
	FloorAmpG           float64

	DominantHz   float64
	DominantAxis string
	ClassKey     string
}

// SpeedInfo carries the live vehicle state order classification needs
// (spec §4.7 step 8). SpeedKmh <= 0 disables order classification for
// that tick; the classification key falls back to road/other purely
// from the dominant frequency.
type SpeedInfo struct {
	SpeedKmh float64
	GearIdx  int // not read by Compute; classification always uses VehicleModel.GearRatio
}

// Compute runs the three-phase pipeline's unlocked phase 2 against a
// ring snapshot bundle. Phase 1 (snapshot) and phase 3 (store) are the
// caller's responsibility (spec §4.7, §5); Compute itself never
// touches a ring buffer lock.
func Compute(bundle ring.Bundle, cfg *config.Config, speed SpeedInfo) Metrics {
	n := cfg.FFTN
	x := prepareAxis(bundle.X, n)
	y := prepareAxis(bundle.Y, n)
	z := prepareAxis(bundle.Z, n)

	fft := fourier.NewFFT(n)
	ampX := magnitudeSpectrum(fft, x)
	ampY := magnitudeSpectrum(fft, y)
	ampZ := magnitudeSpectrum(fft, z)

	half := n / 2
	freqHz := make([]float64, half)
	combined := make([]float64, half)
	for k := 0; k < half; k++ {
		freqHz[k] = float64(k) * float64(bundle.SampleRateHz) / float64(n)
		combined[k] = math.Sqrt((ampX[k]*ampX[k] + ampY[k]*ampY[k] + ampZ[k]*ampZ[k]) / 3)
	}

	perAxisPeaks := map[string][]Peak{
		"x": pickPeaks(ampX, freqHz, cfg.PeakMinSeparationHz, cfg.PeakTopKPerAxis),
		"y": pickPeaks(ampY, freqHz, cfg.PeakMinSeparationHz, cfg.PeakTopKPerAxis),
		"z": pickPeaks(ampZ, freqHz, cfg.PeakMinSeparationHz, cfg.PeakTopKPerAxis),
	}
	topPeaks := pickPeaks(combined, freqHz, cfg.PeakMinSeparationHz, cfg.PeakTopKCombined)

	m := Metrics{
		SensorID:         bundle.SensorID,
		FreqHz:           freqHz,
		CombinedSpectrum: combined,
		PerAxisPeaks:     perAxisPeaks,
		TopPeaks:         topPeaks,
	}

	if len(topPeaks) == 0 {
		// spec §8 boundary: empty spectrum -> db=0, bucket=None, empty peaks.
		m.VibrationStrengthDB = 0
		return m
	}

	dominant := topPeaks[0]
	m.DominantHz = dominant.Hz
	m.DominantAxis = dominantAxis(perAxisPeaks, dominant.Hz, cfg.PeakMinSeparationHz)

	peakAmp, floorAmp := canonicalStrengthInputs(combined, freqHz, dominant.Hz, cfg.PeakBandwidthHz, topPeaks, cfg.PeakMinSeparationHz)
	db := strengthDB(peakAmp, floorAmp, cfg.StrengthEpsilonMinG, cfg.StrengthEpsilonFloorRatio)

	m.VibrationStrengthDB = db
	m.PeakAmpG = peakAmp
	m.FloorAmpG = floorAmp
	if band := cfg.BucketForStrength(db, peakAmp); band != nil {
		m.StrengthBucket = band.Key
	}

	for i := range m.TopPeaks {
		m.TopPeaks[i].DB = db
		m.TopPeaks[i].Level = m.StrengthBucket
	}

	m.ClassKey = Classify(dominant.Hz, speed.SpeedKmh, &cfg.VehicleModel)
	return m
}

// prepareAxis copies samples into a zero-padded buffer of length n.
// Bundles shorter than n (spec §4.5 "fewer than fft_n samples ever
// ingested") are padded with trailing zeros rather than resized.
func prepareAxis(samples []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, samples)
	return out
}

// magnitudeSpectrum DC-removes, Hann-windows, and real-FFTs seq,
// returning per-bin magnitude for bins [0, n/2) (spec §4.7 steps 1-3).
func magnitudeSpectrum(fft *fourier.FFT, seq []float64) []float64 {
	n := len(seq)
	work := make([]float64, n)
	copy(work, seq)

	mean := stat.Mean(work, nil)
	for i := range work {
		work[i] -= mean
	}
	window.Hann(work)

	coeffs := fft.Coefficients(nil, work)
	half := n / 2
	amp := make([]float64, half)
	for k := 0; k < half; k++ {
		amp[k] = cmplx.Abs(coeffs[k])
	}
	return amp
}

// pickPeaks finds local maxima with v[i] > v[i+-1] > v[i+-2], sorts by
// amplitude descending, then greedily retains peaks at least
// minSeparationHz apart in frequency, up to topK (spec §4.7 step 4).
func pickPeaks(amp, freqHz []float64, minSeparationHz float64, topK int) []Peak {
	type candidate struct {
		idx int
		amp float64
	}
	var candidates []candidate
	for i := 2; i < len(amp)-2; i++ {
		v := amp[i]
		if v > amp[i-1] && amp[i-1] > amp[i-2] && v > amp[i+1] && amp[i+1] > amp[i+2] {
			candidates = append(candidates, candidate{idx: i, amp: v})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].amp > candidates[j].amp })

	var kept []Peak
	for _, c := range candidates {
		if len(kept) >= topK {
			break
		}
		hz := freqHz[c.idx]
		tooClose := false
		for _, k := range kept {
			if math.Abs(k.Hz-hz) < minSeparationHz {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, Peak{Hz: hz, AmpG: c.amp})
		}
	}
	return kept
}

func dominantAxis(perAxis map[string][]Peak, hz, tolHz float64) string {
	best := ""
	bestDist := math.Inf(1)
	for _, axis := range []string{"x", "y", "z"} {
		for _, p := range perAxis[axis] {
			d := math.Abs(p.Hz - hz)
			if d <= tolHz && d < bestDist {
				bestDist = d
				best = axis
			}
		}
	}
	return best
}

// canonicalStrengthInputs computes peak_band_rms_amp and floor_amp per
// spec §4.7 step 6.
func canonicalStrengthInputs(combined, freqHz []float64, dominantHz, bandwidthHz float64, retainedPeaks []Peak, minSeparationHz float64) (peakAmp, floorAmp float64) {
	var bandSquares []float64
	excluded := make([]bool, len(combined))
	for i, hz := range freqHz {
		if math.Abs(hz-dominantHz) <= bandwidthHz {
			bandSquares = append(bandSquares, combined[i]*combined[i])
		}
		for _, p := range retainedPeaks {
			if math.Abs(hz-p.Hz) <= minSeparationHz/2 {
				excluded[i] = true
			}
		}
	}
	if len(bandSquares) > 0 {
		peakAmp = math.Sqrt(stat.Mean(bandSquares, nil))
	}

	var floorSamples []float64
	for i, v := range combined {
		if !excluded[i] {
			floorSamples = append(floorSamples, v)
		}
	}
	floorAmp = median(floorSamples)

	if peakAmp < 0 {
		peakAmp = 0
	}
	if floorAmp < 0 {
		floorAmp = 0
	}
	return peakAmp, floorAmp
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// strengthDB applies the single canonical strength formula (spec §4.7
// step 6, GLOSSARY "Strength (dB)"). Always finite and >= 0 for valid
// inputs (spec §8 invariant): when peak and floor are both clamped to
// zero, the ratio collapses to (eps/eps) = 1 and db = 0, not NaN.
func strengthDB(peakAmp, floorAmp, epsMin, epsFloorRatio float64) float64 {
	eps := math.Max(epsMin, floorAmp*epsFloorRatio)
	ratio := (peakAmp + eps) / (floorAmp + eps)
	db := 20 * math.Log10(ratio)
	if db < 0 {
		db = 0
	}
	return db
}
