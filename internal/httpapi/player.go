package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"jukevox/internal/election"
)

type claimRequest struct {
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent,omitempty"`
}

// handleClaim runs a mastery claim for the calling device. A live
// master elsewhere answers 409 with its identity so the device can
// surface "already playing in this venue".
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "deviceId is required"})
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	res, err := s.players.Claim(r.Context(), venueID, req.DeviceID, req.UserAgent)
	s.countClaim(res)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	if !res.Won {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type heartbeatResponse struct {
	Master bool `json:"master"`
}

// handleHeartbeat renews the device's lease. master=false tells the
// device it has been superseded and must stop playback now.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "deviceId is required"})
		return
	}

	master, err := s.players.Heartbeat(r.Context(), venueID, req.DeviceID)
	if err != nil {
		if s.mets != nil {
			s.mets.Heartbeats.WithLabelValues("failed").Inc()
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if s.mets != nil {
		s.mets.Heartbeats.WithLabelValues("ok").Inc()
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Master: master})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "deviceId is required"})
		return
	}

	// Best-effort: staleness detection recovers from a failed release.
	if err := s.players.Release(r.Context(), venueID, req.DeviceID); err != nil {
		s.log.Warn().Err(err).Str("venue", venueID).Str("device", req.DeviceID).
			Msg("release failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlayerStatus(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	status, err := s.players.Status(r.Context(), venueID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) countClaim(res election.ClaimResult) {
	if s.mets == nil {
		return
	}
	outcome := "network_error"
	switch res.Reason {
	case election.ReasonRegistered:
		outcome = "registered"
	case election.ReasonReconnected:
		outcome = "reconnected"
	case election.ReasonMasterActive:
		outcome = "master_active"
	}
	s.mets.Claims.WithLabelValues(outcome).Inc()
}
