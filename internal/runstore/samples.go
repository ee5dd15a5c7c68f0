package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skamba/vibesense/internal/signalproc"
	"github.com/skamba/vibesense/internal/wire"
)

// Sample is one samples_v2 row (spec §4.10). Per-axis JSON peak
// columns are populated from signalproc.Peak slices.
type Sample struct {
	RecordType    string
	SchemaVersion int
	TimestampUTC  time.Time
	TS            float64
	ClientID      wire.ClientID
	ClientName    string
	Location      string
	SampleRateHz  int

	SpeedKmh     float64
	GPSSpeedKmh  float64
	SpeedSource  string
	EngineRPM    float64
	RPMSource    string
	Gear         int
	FinalDrive   float64

	AccelXG, AccelYG, AccelZG float64

	DominantFreqHz      float64
	DominantAxis        string
	VibrationStrengthDB float64
	StrengthBucket      string
	StrengthPeakAmpG    float64
	StrengthFloorAmpG   float64

	FramesDroppedTotal uint64
	QueueOverflowDrops uint64

	TopPeaks  []signalproc.Peak
	TopPeaksX []signalproc.Peak
	TopPeaksY []signalproc.Peak
	TopPeaksZ []signalproc.Peak

	ExtraJSON string

	ID int64 // set by IterSamples for keyset pagination
}

const sampleBatchSize = 256

// CreateRun starts a new recording run (spec §4.10 "create_run"): sets
// status=recording, fails if another run is already recording.
func (s *Store) CreateRun(metadataJSON string, now time.Time) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("runstore: create_run begin: %w", err)
	}
	defer tx.Rollback()

	var activeCount int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE status = ?`, StatusRecording).Scan(&activeCount); err != nil {
		return "", fmt.Errorf("runstore: create_run check active: %w", err)
	}
	if activeCount > 0 {
		return "", ErrRunActive
	}

	runID := newRunID()
	_, err = tx.Exec(`INSERT INTO runs(run_id, status, start_time_utc, metadata_json, sample_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		runID, StatusRecording, now.UTC().Format(time.RFC3339Nano), metadataJSON, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("runstore: create_run insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("runstore: create_run commit: %w", err)
	}
	return runID, nil
}

// AppendSamples validates runID is recording and appends samples in
// batches of sampleBatchSize rows per transaction (spec §4.10
// "append_samples", performance contract "batched inserts of 256
// rows").
func (s *Store) AppendSamples(runID string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	status, err := s.runStatus(runID)
	if err != nil {
		return err
	}
	if status != StatusRecording {
		return fmt.Errorf("runstore: append_samples: run %s is not recording (status=%s)", runID, status)
	}

	for start := 0; start < len(samples); start += sampleBatchSize {
		end := start + sampleBatchSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := s.appendBatch(runID, samples[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendBatch(runID string, batch []Sample) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("runstore: append_samples begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO samples_v2 (
		run_id, record_type, schema_version, timestamp_utc, t_s, client_id, client_name, location,
		sample_rate_hz, speed_kmh, gps_speed_kmh, speed_source, engine_rpm, engine_rpm_source, gear,
		final_drive_ratio, accel_x_g, accel_y_g, accel_z_g, dominant_freq_hz, dominant_axis,
		vibration_strength_db, strength_bucket, strength_peak_amp_g, strength_floor_amp_g,
		frames_dropped_total, queue_overflow_drops, top_peaks, top_peaks_x, top_peaks_y, top_peaks_z, extra_json
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("runstore: append_samples prepare: %w", err)
	}
	defer stmt.Close()

	for _, sm := range batch {
		if _, err := stmt.Exec(
			runID, sm.RecordType, sm.SchemaVersion, sm.TimestampUTC.UTC().Format(time.RFC3339Nano), sm.TS,
			sm.ClientID.String(), sm.ClientName, sm.Location,
			sm.SampleRateHz, sm.SpeedKmh, sm.GPSSpeedKmh, sm.SpeedSource, sm.EngineRPM, sm.RPMSource, sm.Gear,
			sm.FinalDrive, sm.AccelXG, sm.AccelYG, sm.AccelZG, sm.DominantFreqHz, sm.DominantAxis,
			sm.VibrationStrengthDB, sm.StrengthBucket, sm.StrengthPeakAmpG, sm.StrengthFloorAmpG,
			sm.FramesDroppedTotal, sm.QueueOverflowDrops,
			peaksJSON(sm.TopPeaks), peaksJSON(sm.TopPeaksX), peaksJSON(sm.TopPeaksY), peaksJSON(sm.TopPeaksZ),
			sm.ExtraJSON,
		); err != nil {
			return fmt.Errorf("runstore: append_samples insert: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE runs SET sample_count = sample_count + ? WHERE run_id = ?`, len(batch), runID); err != nil {
		return fmt.Errorf("runstore: append_samples update count: %w", err)
	}
	return tx.Commit()
}

func peaksJSON(peaks []signalproc.Peak) string {
	if len(peaks) == 0 {
		return "[]"
	}
	b, err := json.Marshal(peaks)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Finalize transitions a run out of recording (spec §4.10
// "finalize"): status -> analyzing, or -> error with errMsg set.
// Finalize stops recording and records the run's stop time (spec
// §4.10 "finalize"). A run already in a terminal state (complete or
// error) is left untouched: finalize on an already-finalized run is a
// no-op, never a regression back to analyzing/error or a clobbered
// end_time_utc (spec §8 testable property).
func (s *Store) Finalize(runID string, endTime time.Time, errMsg string) error {
	status := StatusAnalyzing
	if errMsg != "" {
		status = StatusError
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, end_time_utc = ?, error_message = ?
		WHERE run_id = ? AND status NOT IN (?, ?)`,
		status, endTime.UTC().Format(time.RFC3339Nano), errMsg, runID, StatusComplete, StatusError)
	if err != nil {
		return fmt.Errorf("runstore: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: finalize: rows_affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRow(`SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownRun
	}
	if err != nil {
		return fmt.Errorf("runstore: finalize: check existence: %w", err)
	}
	return nil
}

// StoreAnalysis records post-run findings (spec §4.10
// "store_analysis"): status -> complete.
func (s *Store) StoreAnalysis(runID string, findingsJSON string, version int, now time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, analysis_json = ?, analysis_version = ?, analysis_completed_at = ? WHERE run_id = ?`,
		StatusComplete, findingsJSON, version, now.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("runstore: store_analysis: %w", err)
	}
	return requireRowsAffected(res, ErrUnknownRun)
}

// MarkAnalyzing records that post-run analysis has started, without
// changing status away from analyzing (set by Finalize already).
func (s *Store) MarkAnalyzing(runID string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET analysis_started_at = ? WHERE run_id = ?`, now.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("runstore: mark_analyzing: %w", err)
	}
	return requireRowsAffected(res, ErrUnknownRun)
}

// FailAnalysis records a post-run analysis failure (spec §4.11 "error
// arms when append or finalize fails"): status -> error, error_message
// persisted, leaving end_time_utc from the original Finalize call
// untouched.
func (s *Store) FailAnalysis(runID string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error_message = ? WHERE run_id = ?`,
		StatusError, errMsg, runID)
	if err != nil {
		return fmt.Errorf("runstore: fail_analysis: %w", err)
	}
	return requireRowsAffected(res, ErrUnknownRun)
}

// GetRun fetches one run's metadata row.
func (s *Store) GetRun(runID string) (Run, error) {
	var r Run
	var endTime, analysisStarted, analysisCompleted sql.NullString
	var startTime, createdAt string
	err := s.db.QueryRow(`SELECT run_id, status, start_time_utc, end_time_utc, COALESCE(metadata_json, ''), COALESCE(analysis_json, ''),
		COALESCE(error_message, ''), sample_count, created_at, analysis_version, analysis_started_at, analysis_completed_at
		FROM runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Status, &startTime, &endTime, &r.MetadataJSON, &r.AnalysisJSON,
		&r.ErrorMessage, &r.SampleCount, &createdAt, &r.AnalysisVersion, &analysisStarted, &analysisCompleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrUnknownRun
	}
	if err != nil {
		return Run{}, fmt.Errorf("runstore: get_run: %w", err)
	}
	r.StartTimeUTC, _ = time.Parse(time.RFC3339Nano, startTime)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.EndTimeUTC = parseNullableTime(endTime)
	r.AnalysisStartedAt = parseNullableTime(analysisStarted)
	r.AnalysisCompletedAt = parseNullableTime(analysisCompleted)
	return r, nil
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// IterSamples streams runID's samples in ascending id order via
// keyset pagination, never materializing the whole run (spec §4.10
// "iter_samples"). fn is called once per batch; returning an error
// from fn stops iteration and is returned from IterSamples.
func (s *Store) IterSamples(runID string, batchSize int, fn func([]Sample) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var lastID int64
	for {
		rows, err := s.db.Query(`SELECT id, record_type, schema_version, timestamp_utc, t_s, client_id, client_name,
			location, sample_rate_hz, speed_kmh, gps_speed_kmh, speed_source, engine_rpm, engine_rpm_source, gear,
			final_drive_ratio, accel_x_g, accel_y_g, accel_z_g, dominant_freq_hz, dominant_axis,
			vibration_strength_db, strength_bucket, strength_peak_amp_g, strength_floor_amp_g,
			frames_dropped_total, queue_overflow_drops, top_peaks, top_peaks_x, top_peaks_y, top_peaks_z, extra_json
			FROM samples_v2 WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, runID, lastID, batchSize)
		if err != nil {
			return fmt.Errorf("runstore: iter_samples query: %w", err)
		}

		batch, err := scanSamples(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

func scanSamples(rows *sql.Rows) ([]Sample, error) {
	var out []Sample
	for rows.Next() {
		var sm Sample
		var clientIDStr, topPeaks, topPeaksX, topPeaksY, topPeaksZ, ts string
		if err := rows.Scan(
			&sm.ID, &sm.RecordType, &sm.SchemaVersion, &ts, &sm.TS, &clientIDStr, &sm.ClientName, &sm.Location,
			&sm.SampleRateHz, &sm.SpeedKmh, &sm.GPSSpeedKmh, &sm.SpeedSource, &sm.EngineRPM, &sm.RPMSource, &sm.Gear,
			&sm.FinalDrive, &sm.AccelXG, &sm.AccelYG, &sm.AccelZG, &sm.DominantFreqHz, &sm.DominantAxis,
			&sm.VibrationStrengthDB, &sm.StrengthBucket, &sm.StrengthPeakAmpG, &sm.StrengthFloorAmpG,
			&sm.FramesDroppedTotal, &sm.QueueOverflowDrops, &topPeaks, &topPeaksX, &topPeaksY, &topPeaksZ, &sm.ExtraJSON,
		); err != nil {
			return nil, fmt.Errorf("runstore: iter_samples scan: %w", err)
		}
		sm.TimestampUTC, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(topPeaks), &sm.TopPeaks)
		_ = json.Unmarshal([]byte(topPeaksX), &sm.TopPeaksX)
		_ = json.Unmarshal([]byte(topPeaksY), &sm.TopPeaksY)
		_ = json.Unmarshal([]byte(topPeaksZ), &sm.TopPeaksZ)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// DeleteRun cascade-deletes a run and its samples (spec §4.10
// "delete_run"). Fails with ErrRunActive if the run is currently
// recording.
func (s *Store) DeleteRun(runID string) error {
	status, err := s.runStatus(runID)
	if err != nil {
		return err
	}
	if status == StatusRecording {
		return ErrRunActive
	}
	res, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("runstore: delete_run: %w", err)
	}
	return requireRowsAffected(res, ErrUnknownRun)
}

func (s *Store) runStatus(runID string) (RunStatus, error) {
	var status RunStatus
	err := s.db.QueryRow(`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownRun
	}
	if err != nil {
		return "", fmt.Errorf("runstore: run_status: %w", err)
	}
	return status, nil
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: rows_affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
