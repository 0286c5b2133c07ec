package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jukevox/internal/queue"
)

type queueResponse struct {
	VenueID    string        `json:"venueId"`
	NowPlaying *queue.Entry  `json:"nowPlaying"`
	Priority   []queue.Entry `json:"priorityQueue"`
	Main       []queue.Entry `json:"mainQueue"`
	UpdatedAt  int64         `json:"updatedAt"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	q, err := s.queues.Load(r.Context(), venueID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		VenueID:    q.VenueID,
		NowPlaying: q.NowPlaying,
		Priority:   q.Priority,
		Main:       q.Main,
		UpdatedAt:  q.UpdatedAt,
	})
}

// handleEnqueueMain appends a track to the background playlist.
func (s *Server) handleEnqueueMain(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	var track queue.Track
	if err := json.NewDecoder(r.Body).Decode(&track); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if track.VideoID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "videoId is required"})
		return
	}

	pos, err := s.queues.EnqueueMain(r.Context(), venueID, queue.Entry{Track: track})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Position int `json:"position"`
	}{Position: pos})
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	sub := queue.Sub(chi.URLParam(r, "sub"))

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid index"})
		return
	}

	removed, err := s.queues.RemoveAt(r.Context(), venueID, sub, index)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrIndexOutOfRange):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		case errors.Is(err, queue.ErrUnknownSub):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	sub := queue.Sub(chi.URLParam(r, "sub"))

	var body struct {
		Entries []queue.Entry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	if err := s.queues.Reorder(r.Context(), venueID, sub, body.Entries); err != nil {
		switch {
		case errors.Is(err, queue.ErrBadReorder), errors.Is(err, queue.ErrUnknownSub):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearQueue empties the sub-queue named by the "sub" query
// parameter; with none given it clears both.
func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")

	sub := queue.Sub(r.URL.Query().Get("sub"))
	if sub == "" {
		sub = queue.SubBoth
	}

	if err := s.queues.Clear(r.Context(), venueID, sub); err != nil {
		if errors.Is(err, queue.ErrUnknownSub) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
