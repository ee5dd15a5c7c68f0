package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/skamba/vibesense/internal/align"
	"github.com/skamba/vibesense/internal/diagnostics"
	"github.com/skamba/vibesense/internal/health"
)

// speedState is the seam the (out-of-scope) GPS speed source daemon
// would feed; order classification reads it every tick via
// signalproc.SpeedInfo. Defaulting to 0 disables order classification
// until something calls Set (spec §4.7 step 8 "SpeedKmh <= 0 disables
// order classification").
type speedState struct {
	mu  sync.RWMutex
	kmh float64
}

func newSpeedState() *speedState { return &speedState{} }

func (s *speedState) Get() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kmh
}

func (s *speedState) Set(kmh float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kmh = kmh
}

// statusBoard holds the latest tick's diagnostics/alignment output for
// operator inspection. The browser dashboard that would normally push
// this over the websocket is out of scope (spec §1); this is a debug
// seam only, in the same tsweb.Debugger shape internal/control uses.
type statusBoard struct {
	mu        sync.Mutex
	updatedAt time.Time
	intake    health.IntakeStats
	status    health.Status
	alignment align.Info
	matrix    []diagnostics.MatrixEntry
	events    []diagnostics.Event
}

func newStatusBoard() *statusBoard { return &statusBoard{} }

func (st *statusBoard) update(now time.Time, h *health.Recorder, diag *diagnostics.Diagnostics, alignment align.Info, events []diagnostics.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.updatedAt = now
	st.intake = h.Snapshot()
	st.status = h.Status()
	st.alignment = alignment
	st.matrix = diag.MatrixSnapshot()
	st.events = events
}

type statusView struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Status    health.Status            `json:"status"`
	Intake    health.IntakeStats       `json:"intake_stats"`
	Alignment align.Info               `json:"alignment"`
	Matrix    []diagnostics.MatrixEntry `json:"matrix"`
	Events    []diagnostics.Event       `json:"events"`
}

func (st *statusBoard) snapshot() statusView {
	st.mu.Lock()
	defer st.mu.Unlock()
	return statusView{
		UpdatedAt: st.updatedAt,
		Status:    st.status,
		Intake:    st.intake,
		Alignment: st.alignment,
		Matrix:    st.matrix,
		Events:    st.events,
	}
}

// AttachAdminRoutes exposes the status board and speed seam as
// operator-only debug endpoints, alongside control.AttachAdminRoutes.
func (st *statusBoard) AttachAdminRoutes(mux *http.ServeMux, speed *speedState) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("vibesense-status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st.snapshot())
	})

	debug.HandleSilentFunc("vibesense-set-speed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		kmh, err := strconv.ParseFloat(r.FormValue("speed_kmh"), 64)
		if err != nil {
			http.Error(w, "invalid speed_kmh", http.StatusBadRequest)
			return
		}
		speed.Set(kmh)
		w.WriteHeader(http.StatusNoContent)
	})
}
