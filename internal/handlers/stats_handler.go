package handlers

import (
	"net/http"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/services"
)

// StatsResponse is the authority's operational snapshot
type StatsResponse struct {
	models.AuthorityCounts
	WebSocketClients int                     `json:"webSocketClients"`
	Sweeper          *services.SweeperStatus `json:"sweeper,omitempty"`
}

// StatsHandler reports authority counts, push clients and sweeper state
type StatsHandler struct {
	authority *services.AuthorityService
	hub       *services.SessionHub
	sweeper   *services.SessionSweeper
}

// NewStatsHandler creates a new StatsHandler. hub and sweeper may be nil.
func NewStatsHandler(authority *services.AuthorityService, hub *services.SessionHub, sweeper *services.SessionSweeper) *StatsHandler {
	return &StatsHandler{authority: authority, hub: hub, sweeper: sweeper}
}

// GetStats returns the current snapshot
// @Summary Authority statistics
// @Tags admin
// @Produce json
// @Success 200 {object} StatsResponse
// @Security ApiKeyAuth
// @Router /api/stats [get]
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.authority.Counts(r.Context())
	if err != nil {
		writeServiceError(w, r, "stats", err)
		return
	}

	resp := StatsResponse{AuthorityCounts: counts}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.GetClientCount()
	}
	if h.sweeper != nil {
		status := h.sweeper.GetStatus()
		resp.Sweeper = &status
	}
	writeJSON(w, http.StatusOK, resp)
}
