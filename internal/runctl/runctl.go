// Package runctl drives the recording state machine: manual
// start/stop, auto-start on sensor activity, auto-stop on silence,
// and the post-stop analysis handoff (spec §4.11).
//
// Grounded on internal/db/transit_controller.go almost directly: the
// enabled flag and last-run bookkeeping generalize straight across,
// and the coalesced manual-trigger channel becomes the mutex-guarded
// state field here since Start/Stop return a result synchronously
// instead of scheduling a worker run.
package runctl

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/skamba/vibesense/internal/config"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/runstore"
	"github.com/skamba/vibesense/internal/wire"
)

// ErrAlreadyRecording is returned by Start when a run is already
// active (spec §4.11 "Start refuses with AlreadyRecording if active").
var ErrAlreadyRecording = errors.New("runctl: a run is already recording")

// State is the controller's own view of the machine, distinct from
// runstore.RunStatus: complete and error are outcomes of a finished
// run, recorded on LastRun, not states the controller sits in.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateAnalyzing State = "analyzing"
)

// Analyzer performs the post-run diagnostic pass. Its contents
// (findings, order matching) are out of scope here; the controller
// only owns when it runs and how its result reaches the store.
type Analyzer interface {
	Analyze(runID string) (findingsJSON string, version int, err error)
}

// AnalyzerFunc adapts a plain function to Analyzer.
type AnalyzerFunc func(runID string) (string, int, error)

func (f AnalyzerFunc) Analyze(runID string) (string, int, error) { return f(runID) }

// RunOutcome records how the most recently finished run ended (spec
// §4.11 state diagram's "(complete | error)" arm).
type RunOutcome struct {
	RunID      string
	Trigger    string // "manual" or "auto"
	StartedAt  time.Time
	FinishedAt time.Time
	Status     runstore.RunStatus // StatusComplete or StatusError
	Error      string
}

// Controller owns the run lifecycle. It holds no pointer into the
// registry or ring store; Tick is fed a registry snapshot and the
// tick's samples each call, per Design Notes §9's "no back pointers".
type Controller struct {
	store    *runstore.Store
	analyzer Analyzer

	silenceTimeout time.Duration

	mu               sync.Mutex
	autoStartEnabled bool
	state            State
	currentRunID     string
	currentTrigger   string
	currentStartedAt time.Time
	lastFrames       map[wire.ClientID]uint64
	lastActivityAt   time.Time
	seenAnySensor    bool
	lastRun          *RunOutcome
	runCount         int64
}

// New creates an idle Controller. Auto-start is enabled by default,
// matching TransitController's "enabled on boot".
func New(store *runstore.Store, analyzer Analyzer, cfg *config.Config) *Controller {
	return &Controller{
		store:            store,
		analyzer:         analyzer,
		silenceTimeout:   time.Duration(cfg.SilenceTimeoutS * float64(time.Second)),
		autoStartEnabled: true,
		state:            StateIdle,
		lastFrames:       make(map[wire.ClientID]uint64),
	}
}

// SetAutoStart toggles automatic recording on sensor activity.
func (c *Controller) SetAutoStart(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoStartEnabled = enabled
}

// State returns the controller's current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentRunID returns the active run's id, or "" when idle.
func (c *Controller) CurrentRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRunID
}

// LastRun returns how the most recently finished run ended, or nil if
// none has finished yet.
func (c *Controller) LastRun() *RunOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return nil
	}
	cp := *c.lastRun
	return &cp
}

// Start manually begins a recording run. It refuses with
// ErrAlreadyRecording if one is already active (spec §4.11 "Manual").
func (c *Controller) Start(metadataJSON string, now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return "", ErrAlreadyRecording
	}
	return c.startLocked(metadataJSON, "manual", now)
}

// Stop manually finalizes the active run and hands it to background
// analysis. It is idempotent: stopping an idle controller is a no-op
// (spec §4.11 "stop is idempotent").
func (c *Controller) Stop(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return nil
	}
	return c.finishRecordingLocked(now, "")
}

// Tick is the controller's single per-scheduler-tick entry point: it
// evaluates auto-start/auto-stop against the registry snapshot, then
// appends this tick's samples if a run is active.
func (c *Controller) Tick(now time.Time, rows []registry.RegistryRow, samples []runstore.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	anyActivity := false
	for _, row := range rows {
		c.seenAnySensor = true
		if delta := row.FramesTotal - c.lastFrames[row.ID]; delta > 0 {
			anyActivity = true
		}
		c.lastFrames[row.ID] = row.FramesTotal
	}
	if anyActivity {
		c.lastActivityAt = now
	}

	if c.state == StateIdle && c.autoStartEnabled && anyActivity {
		if _, err := c.startLocked(`{}`, "auto", now); err != nil {
			log.Printf("runctl: auto-start failed: %v", err)
		}
	}

	if c.state != StateRecording {
		return nil
	}

	if len(samples) > 0 {
		if err := c.store.AppendSamples(c.currentRunID, samples); err != nil {
			log.Printf("runctl: append_samples failed for run %s: %v", c.currentRunID, err)
			c.failLocked(now, err)
			return err
		}
	}

	if c.seenAnySensor && now.Sub(c.lastActivityAt) >= c.silenceTimeout {
		return c.finishRecordingLocked(now, "")
	}
	return nil
}

func (c *Controller) startLocked(metadataJSON, trigger string, now time.Time) (string, error) {
	runID, err := c.store.CreateRun(metadataJSON, now)
	if err != nil {
		if errors.Is(err, runstore.ErrRunActive) {
			return "", ErrAlreadyRecording
		}
		return "", err
	}
	c.state = StateRecording
	c.currentRunID = runID
	c.currentTrigger = trigger
	c.currentStartedAt = now
	c.lastActivityAt = now
	log.Printf("runctl: run %s started (%s)", runID, trigger)
	return runID, nil
}

// finishRecordingLocked finalizes the active run successfully and
// hands analysis to a background goroutine, per spec §5's "run
// controller's post-stop analysis runs on its own background thread,
// never the event loop".
func (c *Controller) finishRecordingLocked(now time.Time, errMsg string) error {
	runID, trigger, startedAt := c.currentRunID, c.currentTrigger, c.currentStartedAt
	if err := c.store.Finalize(runID, now, errMsg); err != nil {
		log.Printf("runctl: finalize failed for run %s: %v", runID, err)
		c.toIdleLocked(RunOutcome{
			RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: now,
			Status: runstore.StatusError, Error: err.Error(),
		})
		return err
	}
	if errMsg != "" {
		c.toIdleLocked(RunOutcome{
			RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: now,
			Status: runstore.StatusError, Error: errMsg,
		})
		return nil
	}

	c.state = StateAnalyzing
	go c.runAnalysis(runID, trigger, startedAt)
	return nil
}

// failLocked finalizes the active run with an error message, the
// "Error arms when append ... fails" path (spec §4.11).
func (c *Controller) failLocked(now time.Time, cause error) {
	runID, trigger, startedAt := c.currentRunID, c.currentTrigger, c.currentStartedAt
	if err := c.store.Finalize(runID, now, cause.Error()); err != nil {
		log.Printf("runctl: finalize after failure also failed for run %s: %v", runID, err)
	}
	c.toIdleLocked(RunOutcome{
		RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: now,
		Status: runstore.StatusError, Error: cause.Error(),
	})
}

func (c *Controller) toIdleLocked(outcome RunOutcome) {
	c.state = StateIdle
	c.currentRunID = ""
	c.currentTrigger = ""
	c.lastRun = &outcome
	c.runCount++
}

// runAnalysis is the background analysis task (spec §4.11 "trigger
// post-run analysis in a background task that must not block the
// processor"). It never touches the event-loop state directly except
// through the mutex-guarded fields below.
func (c *Controller) runAnalysis(runID, trigger string, startedAt time.Time) {
	analysisStart := time.Now()
	if err := c.store.MarkAnalyzing(runID, analysisStart); err != nil {
		log.Printf("runctl: mark_analyzing failed for run %s: %v", runID, err)
	}

	findingsJSON, version, err := c.analyzer.Analyze(runID)
	finishedAt := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Printf("runctl: analysis failed for run %s: %v", runID, err)
		if ferr := c.store.FailAnalysis(runID, err.Error()); ferr != nil {
			log.Printf("runctl: fail_analysis failed for run %s: %v", runID, ferr)
		}
		c.toIdleLocked(RunOutcome{
			RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: finishedAt,
			Status: runstore.StatusError, Error: err.Error(),
		})
		return
	}

	if serr := c.store.StoreAnalysis(runID, findingsJSON, version, finishedAt); serr != nil {
		log.Printf("runctl: store_analysis failed for run %s: %v", runID, serr)
		c.toIdleLocked(RunOutcome{
			RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: finishedAt,
			Status: runstore.StatusError, Error: serr.Error(),
		})
		return
	}
	c.toIdleLocked(RunOutcome{
		RunID: runID, Trigger: trigger, StartedAt: startedAt, FinishedAt: finishedAt,
		Status: runstore.StatusComplete,
	})
}
