package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/skamba/vibesense/internal/align"
	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/diagnostics"
	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/ring"
	"github.com/skamba/vibesense/internal/runctl"
	"github.com/skamba/vibesense/internal/runstore"
	"github.com/skamba/vibesense/internal/signalproc"
	"github.com/skamba/vibesense/internal/wire"
	"github.com/skamba/vibesense/internal/workerpool"
)

// computeJob is one sensor's unit of scheduler work: a ring snapshot
// taken under the buffer's lock, handed to the worker pool to analyze
// without it (spec §4.5, §5).
type computeJob struct {
	row    registry.RegistryRow
	bundle ring.Bundle
}

type computeResult struct {
	row     registry.RegistryRow
	metrics signalproc.Metrics
	window  align.Window
}

// runScheduler is the periodic scheduler spec §5 assigns to the main
// event-loop thread: it fires the processor tick at fft_update_hz.
func runScheduler(ctx context.Context, cfg *config.Config, reg *registry.Registry, rings *ring.Store,
	pool *workerpool.Pool, diag *diagnostics.Diagnostics, ctl *runctl.Controller, h *health.Recorder,
	speed *speedState, st *statusBoard) {

	interval := time.Second
	if cfg.FFTUpdateHz > 0 {
		interval = time.Duration(float64(time.Second) / cfg.FFTUpdateHz)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runTick(now, cfg, reg, rings, pool, diag, ctl, h, speed, st)
		}
	}
}

// runTick is one pass of the three-phase pipeline spec §4.7 describes:
// snapshot every live sensor's ring buffer, compute metrics across the
// worker pool, then feed diagnostics, alignment, and the run store.
func runTick(now time.Time, cfg *config.Config, reg *registry.Registry, rings *ring.Store,
	pool *workerpool.Pool, diag *diagnostics.Diagnostics, ctl *runctl.Controller, h *health.Recorder,
	speed *speedState, st *statusBoard) {

	rows := reg.Snapshot()

	jobs := make([]computeJob, 0, len(rows))
	for _, row := range rows {
		if !row.Alive {
			continue
		}
		buf, ok := rings.Get(row.ID)
		if !ok {
			continue
		}
		jobs = append(jobs, computeJob{row: row, bundle: buf.Snapshot(row.ID, row.SampleRateHz, cfg.FFTN)})
	}
	if len(jobs) == 0 {
		if err := ctl.Tick(now, rows, nil); err != nil {
			log.Printf("vibesensed: run controller tick: %v", err)
		}
		return
	}

	speedInfo := signalproc.SpeedInfo{SpeedKmh: speed.Get()}
	start := time.Now()
	results, err := workerpool.MapUnordered(pool, jobs, func(j computeJob) (computeResult, error) {
		return computeResult{
			row:     j.row,
			metrics: signalproc.Compute(j.bundle, cfg, speedInfo),
			window:  align.WindowFor(j.bundle, cfg.WaveformSeconds),
		}, nil
	})
	h.AddComputeCall(time.Since(start))
	if err == workerpool.ErrPoolSaturated {
		h.AddPoolSaturation()
	}

	ticks := make([]diagnostics.SensorTick, 0, len(results))
	windows := make(map[wire.ClientID]align.Window, len(results))
	samples := make([]runstore.Sample, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			h.AddWorkerFailure()
			continue
		}
		res := r.Value
		ticks = append(ticks, diagnostics.SensorTick{SensorID: res.row.ID, Name: res.row.Name, Metrics: res.metrics})
		windows[res.row.ID] = res.window
		samples = append(samples, sampleFromResult(now, res, speedInfo, jobs[i].bundle))
	}

	events := diag.Process(now, ticks)
	alignment := align.Compute(windows, cfg)
	st.update(now, h, diag, alignment, events)

	if err := ctl.Tick(now, rows, samples); err != nil {
		log.Printf("vibesensed: run controller tick: %v", err)
	}
}

// sampleFromResult flattens one sensor's computed metrics into a run
// log row (spec §6 "Persisted run log", §4.10 samples_v2 columns).
// t_s is the sensor's own window end, the same seconds-from-t0-or-
// ingest-time basis alignment uses, so samples from different sensors
// in the same run remain comparable by t_s.
func sampleFromResult(now time.Time, res computeResult, speed signalproc.SpeedInfo, bundle ring.Bundle) runstore.Sample {
	var lastX, lastY, lastZ float64
	if bundle.Count > 0 {
		lastX, lastY, lastZ = bundle.X[bundle.Count-1], bundle.Y[bundle.Count-1], bundle.Z[bundle.Count-1]
	}

	m := res.metrics
	extra, _ := json.Marshal(struct {
		ClassKey string `json:"class_key,omitempty"`
	}{ClassKey: m.ClassKey})

	return runstore.Sample{
		RecordType:          "tick",
		SchemaVersion:       2,
		TimestampUTC:        now,
		TS:                  res.window.EndS,
		ClientID:            res.row.ID,
		ClientName:          res.row.Name,
		Location:            string(res.row.Location),
		SampleRateHz:        res.row.SampleRateHz,
		SpeedKmh:            speed.SpeedKmh,
		AccelXG:             lastX,
		AccelYG:             lastY,
		AccelZG:             lastZ,
		DominantFreqHz:      m.DominantHz,
		DominantAxis:        m.DominantAxis,
		VibrationStrengthDB: m.VibrationStrengthDB,
		StrengthBucket:      m.StrengthBucket,
		StrengthPeakAmpG:    m.PeakAmpG,
		StrengthFloorAmpG:   m.FloorAmpG,
		FramesDroppedTotal:  res.row.DroppedFrames,
		QueueOverflowDrops:  res.row.QueueOverflowDrops,
		TopPeaks:            m.TopPeaks,
		TopPeaksX:           m.PerAxisPeaks["x"],
		TopPeaksY:           m.PerAxisPeaks["y"],
		TopPeaksZ:           m.PerAxisPeaks["z"],
		ExtraJSON:           string(extra),
	}
}
