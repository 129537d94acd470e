package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/axonhq/axon/internal/threads"
	"github.com/axonhq/axon/pkg/models"
)

type createThreadRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	// An empty body creates an unnamed thread.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	thread, err := s.store.CreateThread(r.Context(), req.Name)
	if err != nil {
		s.internalError(w, r, "failed to create thread", err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	list, err := s.store.ListThreads(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, r, "failed to list threads", err)
		return
	}
	if list == nil {
		list = []*models.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads": list,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.store.GetThread(r.Context(), chi.URLParam(r, "threadID"))
	if errors.Is(err, threads.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to load thread", err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "name is required")
		return
	}
	thread, err := s.store.RenameThread(r.Context(), chi.URLParam(r, "threadID"), req.Name)
	if errors.Is(err, threads.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to rename thread", err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteThread(r.Context(), chi.URLParam(r, "threadID"))
	if errors.Is(err, threads.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to delete thread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, threads.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
			return
		}
		s.internalError(w, r, "failed to load thread", err)
		return
	}
	steps, err := s.store.Steps(r.Context(), threadID)
	if err != nil {
		s.internalError(w, r, "failed to load steps", err)
		return
	}
	if steps == nil {
		steps = []*models.Step{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  steps,
	})
}

type feedbackRequest struct {
	ForID    string `json:"for_id"`
	ThreadID string `json:"thread_id"`
	Value    int    `json:"value"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	fb, err := s.store.AddFeedback(r.Context(), &models.Feedback{
		ForID:    req.ForID,
		ThreadID: req.ThreadID,
		Value:    req.Value,
		Comment:  req.Comment,
	})
	if errors.Is(err, threads.ErrStepNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Step not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(r.Context(), msg, "error", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, msg)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
