package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jukevox/internal/intake"
	"jukevox/internal/queue"
)

type songRequest struct {
	Track       queue.Track `json:"track"`
	PaymentID   string      `json:"paymentId"`
	RequesterID string      `json:"requesterId"`
}

// handleSubmitRequest admits a paid kiosk request. Policy rejections
// (too long, rate limited) answer 422 with the machine-readable reason.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var req songRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if req.Track.VideoID == "" || req.PaymentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "track.videoId and paymentId are required"})
		return
	}

	res, err := s.requests.Admit(r.Context(), venueID, req.Track, req.PaymentID, req.RequesterID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.countAdmission(res)
	if !res.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit parameter"})
			return
		}
		limit = parsed
	}

	reqs, err := s.history.ListByVenue(r.Context(), venueID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Requests any `json:"requests"`
	}{Requests: reqs})
}

func (s *Server) countAdmission(res intake.Result) {
	if s.mets == nil {
		return
	}
	result := "accepted"
	switch res.Reason {
	case intake.ReasonTooLong:
		result = "too_long"
	case intake.ReasonRateLimited:
		result = "rate_limited"
	}
	s.mets.Admissions.WithLabelValues(result).Inc()
}
