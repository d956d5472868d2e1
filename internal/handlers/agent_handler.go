package handlers

import (
	"context"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/session"
	"github.com/chargesync/devicesync/internal/syncengine"
)

// AgentSessions is the session manager as seen by the loopback API
type AgentSessions interface {
	Status() session.Status
	Connect(ctx context.Context) (*models.SessionRecord, error)
	Disconnect(ctx context.Context) error
	LogActivity(ctx context.Context, activityType, category, description string, details map[string]any, severity models.Severity)
}

// AgentSync is the sync engine as seen by the loopback API
type AgentSync interface {
	Status(ctx context.Context) (syncengine.Status, error)
	Drain(ctx context.Context) *syncengine.DrainReport
}

// AgentRecorder produces local records and their queue items
type AgentRecorder interface {
	RecordBatteryReading(ctx context.Context, level int, charging bool) (*models.BatteryReading, error)
	ClaimReward(ctx context.Context, amount float64, reason string) (*models.RewardClaim, error)
	SaveMiningStats(ctx context.Context, stats models.MiningStats) error
	LatestMiningStats(ctx context.Context) (*models.MiningStats, error)
	Readings(ctx context.Context, since time.Time) iter.Seq2[*models.BatteryReading, error]
}

// StorageHealth reports whether the local store fell back to memory
type StorageHealth interface {
	Degraded() bool
	DegradedReason() error
}

// AgentStatusResponse feeds the UI's offline/sync indicator
type AgentStatusResponse struct {
	Session         session.Status    `json:"session"`
	Sync            syncengine.Status `json:"sync"`
	StorageDegraded bool              `json:"storageDegraded"`
	StorageError    string            `json:"storageError,omitempty"`
}

// AgentHandler serves the device agent's loopback API
type AgentHandler struct {
	sessions AgentSessions
	sync     AgentSync
	recorder AgentRecorder
	storage  StorageHealth
}

// NewAgentHandler creates a new AgentHandler. storage may be nil.
func NewAgentHandler(sessions AgentSessions, sync AgentSync, recorder AgentRecorder, storage StorageHealth) *AgentHandler {
	return &AgentHandler{
		sessions: sessions,
		sync:     sync,
		recorder: recorder,
		storage:  storage,
	}
}

// Routes mounts the loopback endpoints
func (h *AgentHandler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Post("/connect", h.Connect)
	r.Post("/disconnect", h.Disconnect)
	r.Post("/sync", h.SyncNow)
	r.Post("/activity", h.LogActivity)
	r.Route("/readings", func(r chi.Router) {
		r.Get("/", h.ListReadings)
		r.Post("/", h.RecordReading)
	})
	r.Post("/claims", h.ClaimReward)
	r.Route("/mining-stats", func(r chi.Router) {
		r.Get("/", h.LatestMiningStats)
		r.Post("/", h.SaveMiningStats)
	})
}

// Status never fails the whole request: a queue read error still returns
// the session view with the sync fields it could fill.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := AgentStatusResponse{Session: h.sessions.Status()}

	syncStatus, err := h.sync.Status(r.Context())
	if err != nil {
		resp.StorageError = err.Error()
	}
	resp.Sync = syncStatus

	if h.storage != nil && h.storage.Degraded() {
		resp.StorageDegraded = true
		if reason := h.storage.DegradedReason(); reason != nil {
			resp.StorageError = reason.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Connect establishes or resumes the session
func (h *AgentHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.Connect(r.Context()); err != nil {
		writeServiceError(w, r, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Status())
}

func (h *AgentHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context()); err != nil {
		writeServiceError(w, r, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Status())
}

// SyncNow drains the queue and returns the drain report
func (h *AgentHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Drain(r.Context()))
}

func (h *AgentHandler) LogActivity(w http.ResponseWriter, r *http.Request) {
	var req models.LogActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ActivityType) == "" {
		writeError(w, http.StatusBadRequest, models.ErrEmptyActivityType.Error())
		return
	}
	if !h.sessions.Status().HasSession() {
		writeServiceError(w, r, "logActivity", session.ErrNoSession)
		return
	}

	h.sessions.LogActivity(context.WithoutCancel(r.Context()), req.ActivityType, req.Category, req.Description, req.Details, models.ParseSeverity(req.Severity))
	writeJSON(w, http.StatusAccepted, models.AckResponse{OK: true})
}

func (h *AgentHandler) RecordReading(w http.ResponseWriter, r *http.Request) {
	var req models.RecordReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.recorder.RecordBatteryReading(r.Context(), req.Level, req.IsCharging)
	if err != nil {
		writeServiceError(w, r, "recordReading", err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

// ListReadings returns readings recorded since ?since (RFC 3339), capped by ?limit
func (h *AgentHandler) ListReadings(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	readings := make([]*models.BatteryReading, 0)
	for reading, err := range h.recorder.Readings(r.Context(), since) {
		if err != nil {
			writeServiceError(w, r, "listReadings", err)
			return
		}
		readings = append(readings, reading)
		if len(readings) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *AgentHandler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	var req models.ClaimRewardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := h.recorder.ClaimReward(r.Context(), req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, r, "claimReward", err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *AgentHandler) SaveMiningStats(w http.ResponseWriter, r *http.Request) {
	var stats models.MiningStats
	if !decodeBody(w, r, &stats) {
		return
	}
	if err := h.recorder.SaveMiningStats(r.Context(), stats); err != nil {
		writeServiceError(w, r, "saveMiningStats", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

func (h *AgentHandler) LatestMiningStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.recorder.LatestMiningStats(r.Context())
	if err != nil {
		writeServiceError(w, r, "latestMiningStats", err)
		return
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "no mining stats recorded")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
