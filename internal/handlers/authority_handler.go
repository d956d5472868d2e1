package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/remote"
	"github.com/chargesync/devicesync/internal/services"
)

// AuthorityHandler exposes the session authority over HTTP
type AuthorityHandler struct {
	authority *services.AuthorityService
}

// NewAuthorityHandler creates a new AuthorityHandler
func NewAuthorityHandler(authority *services.AuthorityService) *AuthorityHandler {
	return &AuthorityHandler{authority: authority}
}

// Routes mounts the authority endpoints under the caller's /api router
func (h *AuthorityHandler) Routes(r chi.Router) {
	r.Post("/devices/upsert", h.UpsertDevice)
	r.Get("/devices/{id}", h.DeviceSummary)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/active", h.FindActiveSession)
		r.Get("/{id}/activity", h.SessionActivity)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/disconnect", h.Disconnect)
	})
	r.Post("/activity", h.AppendActivity)
	r.Post("/readings", h.SubmitReading)
	r.Post("/claims", h.SubmitClaim)
}

// UpsertDevice registers a device by fingerprint, returning the existing id if known
// @Summary Upsert device
// @Tags devices
// @Accept json
// @Produce json
// @Param request body models.UpsertDeviceRequest true "Device fingerprint and info"
// @Success 200 {object} models.UpsertDeviceResponse "Existing device"
// @Success 201 {object} models.UpsertDeviceResponse "Device created"
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/upsert [post]
func (h *AuthorityHandler) UpsertDevice(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, created, err := h.authority.RegisterDevice(r.Context(), models.DeviceInfo{
		Fingerprint: req.Fingerprint,
		DeviceType:  req.DeviceType,
		Browser:     req.Browser,
		OS:          req.OS,
	})
	if err != nil {
		writeServiceError(w, r, "upsertDevice", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, models.UpsertDeviceResponse{DeviceID: id, Created: created})
}

// FindActiveSession returns the active session for a device and key, or 404
// @Summary Find active session
// @Tags sessions
// @Produce json
// @Param deviceId query string true "Device ID"
// @Param sessionKey query string true "Local session key"
// @Success 200 {object} models.ActiveSession
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sessions/active [get]
func (h *AuthorityHandler) FindActiveSession(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	sessionKey := r.URL.Query().Get("sessionKey")
	if deviceID == "" || sessionKey == "" {
		writeError(w, http.StatusBadRequest, "deviceId and sessionKey are required")
		return
	}

	active, err := h.authority.FindActiveSession(r.Context(), deviceID, sessionKey)
	if err != nil {
		writeServiceError(w, r, "findActiveSession", err)
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, models.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// CreateSession opens a session, closing any other active session of the device
// @Summary Create session
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body models.CreateSessionRequest true "Device and session key"
// @Success 201 {object} models.CreateSessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse "Unknown device"
// @Security ApiKeyAuth
// @Router /api/sessions [post]
func (h *AuthorityHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, closed, err := h.authority.OpenSession(r.Context(), req.DeviceID, req.SessionKey, req.DeviceInfo)
	if err != nil {
		writeServiceError(w, r, "createSession", err)
		return
	}
	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID:   session.ID,
		ConnectedAt: session.ConnectedAt,
		Closed:      closed,
	})
}

// Heartbeat refreshes an active session
// @Summary Session heartbeat
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body models.SessionKeyRequest true "Session identity"
// @Success 200 {object} models.AckResponse
// @Failure 404 {object} models.ErrorResponse "Session closed or unknown"
// @Security ApiKeyAuth
// @Router /api/sessions/heartbeat [post]
func (h *AuthorityHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.SessionKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.authority.Heartbeat(r.Context(), req.DeviceID, req.SessionKey); err != nil {
		writeServiceError(w, r, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

// Disconnect closes a session. Closing an unknown or closed session succeeds.
func (h *AuthorityHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req models.SessionKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.authority.Disconnect(r.Context(), req.DeviceID, req.SessionKey); err != nil {
		writeServiceError(w, r, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

func (h *AuthorityHandler) AppendActivity(w http.ResponseWriter, r *http.Request) {
	var req models.AppendActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Entry.ID == "" {
		req.Entry.ID = idempotencyKey(r)
	}
	if err := h.authority.AppendActivityLog(r.Context(), req.DeviceID, req.SessionID, &req.Entry); err != nil {
		writeServiceError(w, r, "appendActivityLog", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

// SubmitReading stores a battery reading. Resubmitting the same id is a no-op.
// @Summary Submit battery reading
// @Tags submissions
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client item id, used when the body has none"
// @Param request body models.BatteryReading true "Reading"
// @Success 200 {object} models.AckResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/readings [post]
func (h *AuthorityHandler) SubmitReading(w http.ResponseWriter, r *http.Request) {
	var reading models.BatteryReading
	if !decodeBody(w, r, &reading) {
		return
	}
	if reading.ID == "" {
		reading.ID = idempotencyKey(r)
	}
	if err := h.authority.SubmitBatteryReading(r.Context(), &reading); err != nil {
		writeServiceError(w, r, "submitBatteryReading", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

// SubmitClaim stores a reward claim. Resubmitting the same id is a no-op.
func (h *AuthorityHandler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var claim models.RewardClaim
	if !decodeBody(w, r, &claim) {
		return
	}
	if claim.ID == "" {
		claim.ID = idempotencyKey(r)
	}
	if err := h.authority.SubmitRewardClaim(r.Context(), &claim); err != nil {
		writeServiceError(w, r, "submitRewardClaim", err)
		return
	}
	writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
}

// DeviceSummary returns a device with its recent sessions, readings and claim totals
// @Summary Device summary
// @Tags devices
// @Produce json
// @Param id path string true "Device ID"
// @Param limit query int false "Max sessions and readings (default 50)"
// @Success 200 {object} models.DeviceSummary
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/{id} [get]
func (h *AuthorityHandler) DeviceSummary(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	summary, err := h.authority.DeviceSummary(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, r, "deviceSummary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AuthorityHandler) SessionActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := h.authority.SessionActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, "sessionActivity", err)
		return
	}
	if entries == nil {
		entries = []*models.ActivityLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(remote.IdempotencyHeader))
}
