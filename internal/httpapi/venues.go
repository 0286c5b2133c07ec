package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"jukevox/internal/auth"
	"jukevox/internal/realtime"
)

type registerVenueRequest struct {
	Name        string `json:"name"`
	AdminSecret string `json:"adminSecret"`
}

type loginRequest struct {
	AdminSecret string `json:"adminSecret"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleRegisterVenue(w http.ResponseWriter, r *http.Request) {
	var req registerVenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	venue, err := s.venues.Register(r.Context(), req.Name, req.AdminSecret)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrVenueExists):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "venue name already taken"})
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusCreated, venue)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	token, err := s.venues.Login(r.Context(), venueID, req.AdminSecret)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type commandRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleIssueCommand relays an admin command to the master player.
// Fire-and-forget: 202 means relayed, not executed.
func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	cmd, err := s.commands.Issue(r.Context(), venueID, req.Command, req.Payload, "admin")
	if err != nil {
		if errors.Is(err, realtime.ErrUnknownCommand) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if s.mets != nil {
		s.mets.Commands.Inc()
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "realtime feed disabled", http.StatusNotImplemented)
		return
	}
	venueID := chi.URLParam(r, "venueID")
	if err := realtime.ServeWS(s.hub, w, r, venueID); err != nil {
		s.log.Warn().Err(err).Str("venue", venueID).Msg("websocket upgrade failed")
	}
}
