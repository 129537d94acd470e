package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/axonhq/axon/internal/sandbox"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// ExecuteRequest runs code in a persistent session VM.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	ExecType  string `json:"exec_type"`
	Timeout   int    `json:"timeout"`
}

// ExecuteResponse is the structured execution result.
type ExecuteResponse struct {
	Success       bool              `json:"success"`
	SessionID     string            `json:"session_id"`
	Outputs       []protocol.Output `json:"outputs"`
	Error         string            `json:"error,omitempty"`
	ExecutionTime float64           `json:"execution_time"`
	CellID        string            `json:"cell_id,omitempty"`
}

// SessionDetail is one session snapshot tagged with its pod.
type SessionDetail struct {
	sandbox.SessionInfo
	PodName string `json:"pod_name"`
}

// SessionListResponse lists the sessions live on this pod.
type SessionListResponse struct {
	Sessions []SessionDetail `json:"sessions"`
	Total    int             `json:"total"`
	PodName  string          `json:"pod_name"`
}

// FileWriteRequest writes a file into the session VM. Encoding "base64"
// selects the binary path; anything else writes UTF-8 text.
type FileWriteRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// FileReadResponse returns file content from the session VM.
type FileReadResponse struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Error    string `json:"error,omitempty"`
}

// InstallRequest pip-installs packages into the session VM.
type InstallRequest struct {
	Packages []string `json:"packages"`
}

// HealthResponse reports pod capacity for the liveness probe.
type HealthResponse struct {
	Status         string  `json:"status"`
	PodName        string  `json:"pod_name"`
	PoolAvailable  int     `json:"pool_available"`
	PoolSize       int     `json:"pool_size"`
	ActiveSessions int     `json:"active_sessions"`
	MaxSessions    int     `json:"max_sessions"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

type statusResponse struct {
	Status    string             `json:"status"`
	SessionID string             `json:"session_id"`
	Result    *protocol.Response `json:"result,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if body.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}
	if len(body.SessionID) > 256 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id exceeds 256 characters")
		return
	}
	if len(body.Code) > s.maxCodeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			fmt.Sprintf("Code exceeds %d byte limit", s.maxCodeBytes))
		return
	}

	timeout := body.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	if timeout > s.maxTimeoutSecs {
		timeout = s.maxTimeoutSecs
	}

	greq := &protocol.Request{Timeout: timeout}
	switch body.ExecType {
	case "", "python":
		greq.Type = protocol.TypePython
		greq.Code = body.Code
	case "bash":
		greq.Type = protocol.TypeBash
		greq.Command = body.Code
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			fmt.Sprintf("unknown exec_type %q", body.ExecType))
		return
	}

	resp, err := s.manager.Execute(r.Context(), body.SessionID, greq)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:       resp.Success,
		SessionID:     body.SessionID,
		Outputs:       buildOutputs(resp),
		Error:         resp.Error,
		ExecutionTime: resp.ExecutionTime,
		CellID:        resp.CellID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.Sessions()
	details := make([]SessionDetail, 0, len(infos))
	for _, info := range infos {
		details = append(details, SessionDetail{SessionInfo: info, PodName: s.podName})
	}
	writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions: details,
		Total:    len(details),
		PodName:  s.podName,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	info, ok := s.manager.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("Session '%s' not found", id))
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{SessionInfo: info, PodName: s.podName})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.DestroySession(r.Context(), id); err != nil {
		if errors.Is(err, sandbox.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("Session '%s' not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "destroyed", SessionID: id})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	resp, err := s.manager.ResetSession(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "reset", SessionID: id, Result: resp})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	resp, err := s.manager.Execute(r.Context(), id, &protocol.Request{Type: protocol.TypeGetState})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body FileWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path is required")
		return
	}
	if len(body.Path) > 4096 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path exceeds 4096 characters")
		return
	}

	reqType := protocol.TypeWriteFile
	if body.Encoding == "base64" {
		reqType = protocol.TypeWriteFileB
	}
	resp, err := s.manager.Execute(r.Context(), id, &protocol.Request{
		Type:    reqType,
		Path:    body.Path,
		Content: body.Content,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	s.readFile(w, r, protocol.TypeReadFile, "utf-8")
}

func (s *Server) handleReadFileBinary(w http.ResponseWriter, r *http.Request) {
	s.readFile(w, r, protocol.TypeReadFileB, "base64")
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request, reqType protocol.RequestType, encoding string) {
	id := chi.URLParam(r, "sessionID")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path query parameter is required")
		return
	}
	resp, err := s.manager.Execute(r.Context(), id, &protocol.Request{Type: reqType, Path: path})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileReadResponse{
		Success:  resp.Success,
		Path:     path,
		Content:  resp.Output,
		Encoding: encoding,
		Size:     len(resp.Output),
		Error:    resp.Error,
	})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if len(body.Packages) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "packages must not be empty")
		return
	}
	resp, err := s.manager.Execute(r.Context(), id, &protocol.Request{
		Type:     protocol.TypeInstall,
		Packages: body.Packages,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := s.manager.PoolReady()
	active := s.manager.Count()
	maxSessions := s.cfg.Limits.MaxSessionsPerPod

	status := "healthy"
	switch {
	case available == 0 && active >= maxSessions:
		status = "unhealthy"
	case available < s.cfg.Pool.Size/2:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         status,
		PodName:        s.podName,
		PoolAvailable:  available,
		PoolSize:       s.cfg.Pool.Size,
		ActiveSessions: active,
		MaxSessions:    maxSessions,
		UptimeSeconds:  math.Round(time.Since(s.startTime).Seconds()*10) / 10,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.manager.PoolReady() > 0 {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "No VMs available in pool")
}

// writeManagerError maps session-manager failures onto HTTP statuses: a
// full session table is the caller's problem (429), anything else means
// this pod cannot take the work right now (503).
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	if errors.Is(err, sandbox.ErrSessionLimit) {
		writeError(w, http.StatusTooManyRequests, ErrCodeSessionLimit, err.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
}

// buildOutputs normalizes a guest response to the structured output
// list, synthesizing blocks from the flat fields when the guest sent
// none.
func buildOutputs(resp *protocol.Response) []protocol.Output {
	if len(resp.Outputs) > 0 {
		return resp.Outputs
	}
	outputs := []protocol.Output{}
	if resp.Output != "" {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputText, Content: resp.Output})
	}
	if resp.Stderr != "" {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputStderr, Content: resp.Stderr, Name: "stderr"})
	}
	if resp.Error != "" && !resp.Success {
		outputs = append(outputs, protocol.Output{Type: protocol.OutputError, Content: resp.Error})
	}
	return outputs
}
