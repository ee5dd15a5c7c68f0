// Package config holds the process-wide, immutable tuning configuration
// for the ingest-to-diagnostics core. A Config is loaded once at process
// init (see Default and FromJSON) and then passed down by value or
// pointer; nothing in this repo mutates a Config in place.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// StrengthBand is one entry of the severity band table: a sensor reads
// as band Key once its vibration_strength_db and peak amplitude both
// clear the band's thresholds.
type StrengthBand struct {
	Key     string  `json:"key"`
	MinDB   float64 `json:"min_db"`
	MinAmpG float64 `json:"min_amp_g"`
}

// VehicleModel carries the parameters needed to predict wheel,
// driveshaft, and engine order frequencies for classification (spec
// §4.7 step 8, GLOSSARY "Order").
type VehicleModel struct {
	TireCircumferenceM float64 `json:"tire_circumference_m"`
	FinalDriveRatio    float64 `json:"final_drive_ratio"`
	GearRatio          float64 `json:"gear_ratio"`
	// WheelOrderSigma etc. are relative (fractional) uncertainties on the
	// predicted order frequency, combined in quadrature against the
	// matching order's tolerance band.
	WheelOrderSigma float64 `json:"wheel_order_sigma"`
	DriveOrderSigma float64 `json:"drive_order_sigma"`
	EngineOrderSigma float64 `json:"engine_order_sigma"`
}

// Config is the full set of tunables named in spec §6's "processing"
// section, plus the ones §4.7-4.11 need that the façade's config file
// would also carry (band table, vehicle model, liveness/queue sizing).
type Config struct {
	SampleRateHz              int     `json:"sample_rate_hz"`
	FFTN                      int     `json:"fft_n"`
	SpectrumMaxHz             float64 `json:"spectrum_max_hz"`
	UIPushHz                  float64 `json:"ui_push_hz"`
	FFTUpdateHz               float64 `json:"fft_update_hz"`
	WaveformSeconds           float64 `json:"waveform_seconds"`
	DataQueueMaxSize          int     `json:"data_queue_maxsize"`
	SilenceTimeoutS           float64 `json:"silence_timeout_s"`
	PeakBandwidthHz           float64 `json:"peak_bandwidth_hz"`
	PeakMinSeparationHz       float64 `json:"peak_min_separation_hz"`
	StrengthEpsilonMinG       float64 `json:"strength_epsilon_min_g"`
	StrengthEpsilonFloorRatio float64 `json:"strength_epsilon_floor_ratio"`
	HysteresisDB              float64 `json:"hysteresis_db"`
	PersistenceTicks          int     `json:"persistence_ticks"`
	DecayTicks                int     `json:"decay_ticks"`
	MultiSyncWindowMs         int     `json:"multi_sync_window_ms"`
	MultiFreqBinHz            float64 `json:"multi_freq_bin_hz"`
	WorkerPoolSize            int     `json:"worker_pool_size"`
	SyncClockIntervalS        float64 `json:"sync_clock_interval_s"`

	// Not named in spec §6's key list but required to implement §3/§4
	// invariants; filed under Design Notes as decided Open Questions.
	MaxSamplesPerFrame   int     `json:"max_samples_per_frame"`
	SensorDeadAfterS     float64 `json:"sensor_dead_after_s"`
	PeakTopKCombined     int     `json:"peak_top_k_combined"`
	PeakTopKPerAxis      int     `json:"peak_top_k_per_axis"`
	MultiSensorBonusDB   float64 `json:"multi_sensor_bonus_db"`
	AlignGroupingThresh  float64 `json:"align_grouping_threshold"`
	AlignReportingThresh float64 `json:"align_reporting_threshold"`
	ControlAckTimeoutMs  int     `json:"control_ack_timeout_ms"`
	EventRingPerSensor   int     `json:"event_ring_per_sensor"`
	EventRingGlobal      int     `json:"event_ring_global"`

	// AccelScaleGPerLSB converts a raw XYZ int16 LSB to g, the unit
	// every downstream amplitude (peaks, strength, run log columns)
	// is expressed in (spec §6 run log "accel_scale_g_per_lsb").
	AccelScaleGPerLSB float64 `json:"accel_scale_g_per_lsb"`

	StrengthBands []StrengthBand `json:"strength_bands"`
	VehicleModel  VehicleModel   `json:"vehicle_model"`
}

// Default returns the canonical default configuration. Every numeric
// default below traces to a spec.md §4/§5 value.
func Default() *Config {
	return &Config{
		SampleRateHz:              800,
		FFTN:                      2048,
		SpectrumMaxHz:             400,
		UIPushHz:                  10,
		FFTUpdateHz:               4,
		WaveformSeconds:           4,
		DataQueueMaxSize:          1024,
		SilenceTimeoutS:           30,
		PeakBandwidthHz:           1.2,
		PeakMinSeparationHz:       1.2,
		StrengthEpsilonMinG:       1e-9,
		StrengthEpsilonFloorRatio: 0.05,
		HysteresisDB:              2.0,
		PersistenceTicks:          3,
		DecayTicks:                5,
		MultiSyncWindowMs:         650,
		MultiFreqBinHz:            1.5,
		WorkerPoolSize:            4,
		SyncClockIntervalS:        5,

		MaxSamplesPerFrame:   512,
		SensorDeadAfterS:     10,
		PeakTopKCombined:     8,
		PeakTopKPerAxis:      3,
		MultiSensorBonusDB:   2.0,
		AlignGroupingThresh:  0.5,
		AlignReportingThresh: 0.5,
		ControlAckTimeoutMs:  1500,
		EventRingPerSensor:   80,
		EventRingGlobal:      500,

		AccelScaleGPerLSB: 1.0 / 16384.0, // +-2g full-scale, 16-bit signed

		StrengthBands: DefaultStrengthBands(),
		VehicleModel:  VehicleModel{TireCircumferenceM: 1.95, FinalDriveRatio: 3.7, GearRatio: 1.0, WheelOrderSigma: 0.05, DriveOrderSigma: 0.05, EngineOrderSigma: 0.08},
	}
}

// DefaultStrengthBands returns the canonical l1-l5 severity table,
// sorted ascending by MinDB as spec §3 requires. This is the single
// authoritative table referenced by Design Notes §9's first Open
// Question resolution: any UI-side copy must be fed from here at
// runtime, never recomputed independently.
func DefaultStrengthBands() []StrengthBand {
	return []StrengthBand{
		{Key: "l1", MinDB: 0, MinAmpG: 0.0},
		{Key: "l2", MinDB: 6, MinAmpG: 0.01},
		{Key: "l3", MinDB: 14, MinAmpG: 0.02},
		{Key: "l4", MinDB: 22, MinAmpG: 0.04},
		{Key: "l5", MinDB: 30, MinAmpG: 0.08},
	}
}

// FromJSON decodes a Config from r, applying Default() for any field
// the JSON document omits, then validates the result. Mirrors the
// teacher's internal/config.TuningConfig/LoadTuningConfig shape: JSON,
// not YAML, since YAML loading is an explicit spec Non-goal.
func FromJSON(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants from spec §3 ("Strength band"
// invariant: keys unique, sorted ascending by min_db) plus basic
// positivity constraints that downstream components assume.
func (c *Config) Validate() error {
	if c.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive")
	}
	if c.FFTN <= 0 || c.FFTN&(c.FFTN-1) != 0 {
		return fmt.Errorf("fft_n must be a positive power of two, got %d", c.FFTN)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	if c.MaxSamplesPerFrame <= 0 {
		return fmt.Errorf("max_samples_per_frame must be positive")
	}

	seen := make(map[string]bool, len(c.StrengthBands))
	for i, b := range c.StrengthBands {
		if seen[b.Key] {
			return fmt.Errorf("strength band key %q duplicated", b.Key)
		}
		seen[b.Key] = true
		if i > 0 && b.MinDB < c.StrengthBands[i-1].MinDB {
			return fmt.Errorf("strength bands must be sorted ascending by min_db")
		}
	}
	if !sort.SliceIsSorted(c.StrengthBands, func(i, j int) bool {
		return c.StrengthBands[i].MinDB < c.StrengthBands[j].MinDB
	}) {
		return fmt.Errorf("strength bands must be sorted ascending by min_db")
	}
	return nil
}

// BucketForStrength returns the band with the highest MinDB such that
// db >= band.MinDB && peakAmpG >= band.MinAmpG, or nil if none
// qualifies (spec §8 testable property "bucket").
func (c *Config) BucketForStrength(db, peakAmpG float64) *StrengthBand {
	var best *StrengthBand
	for i := range c.StrengthBands {
		b := &c.StrengthBands[i]
		if db >= b.MinDB && peakAmpG >= b.MinAmpG {
			if best == nil || b.MinDB > best.MinDB {
				best = b
			}
		}
	}
	return best
}
