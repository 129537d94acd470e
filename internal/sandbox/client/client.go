// Package client is the chat-server side of the sandbox service. It
// routes each session to a stable pod by hashing the session ID, so a
// session's persistent VM is always reached through the same replica,
// and fans health and session listings out across all pods. Each pod
// gets its own circuit breaker; a pod that keeps failing is skipped
// until its recovery probe succeeds.
package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axonhq/axon/internal/backoff"
	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

const (
	// callTimeout bounds requests whose context carries no deadline.
	callTimeout = 120 * time.Second

	// executeGrace is added to the guest timeout when Execute has to
	// supply its own deadline.
	executeGrace = 30 * time.Second
)

// StatusError is a non-2xx reply from the sandbox service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Service error %d: %s", e.StatusCode, e.Body)
}

// ExecuteResponse mirrors the service's execute reply.
type ExecuteResponse struct {
	Success       bool              `json:"success"`
	SessionID     string            `json:"session_id"`
	Outputs       []protocol.Output `json:"outputs"`
	Error         string            `json:"error,omitempty"`
	ExecutionTime float64           `json:"execution_time"`
	CellID        string            `json:"cell_id,omitempty"`
}

// SessionDetail is one session snapshot from a pod listing.
type SessionDetail struct {
	SessionID   string `json:"session_id"`
	VMID        string `json:"vm_id"`
	VMState     string `json:"vm_state"`
	ExecCount   int    `json:"exec_count"`
	AgeSeconds  int64  `json:"age_seconds"`
	IdleSeconds int64  `json:"idle_seconds"`
	PodName     string `json:"pod_name"`
}

// SessionList is one pod's session listing.
type SessionList struct {
	Sessions []SessionDetail `json:"sessions"`
	Total    int             `json:"total"`
	PodName  string          `json:"pod_name"`
}

// Health is one pod's health report.
type Health struct {
	Status         string  `json:"status"`
	PodName        string  `json:"pod_name"`
	PoolAvailable  int     `json:"pool_available"`
	PoolSize       int     `json:"pool_size"`
	ActiveSessions int     `json:"active_sessions"`
	MaxSessions    int     `json:"max_sessions"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// FileRead is the service's file read reply for both text and binary
// reads; Encoding tells them apart.
type FileRead struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Error    string `json:"error,omitempty"`
}

type resetReply struct {
	Status    string             `json:"status"`
	SessionID string             `json:"session_id"`
	Result    *protocol.Response `json:"result"`
}

// Client talks to one or more sandbox pods.
type Client struct {
	endpoints []string
	breakers  []*backoff.Breaker
	authToken string
	http      *http.Client
	logger    *observability.Logger
}

// New builds a routing client over cfg.Endpoints. With no endpoints
// configured it targets a single local service on cfg.Port.
func New(cfg config.SandboxConfig, logger *observability.Logger) *Client {
	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		if trimmed := strings.TrimRight(strings.TrimSpace(e), "/"); trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	if len(endpoints) == 0 {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 8080
		}
		endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", host, port))
	}

	breakers := make([]*backoff.Breaker, len(endpoints))
	for i, ep := range endpoints {
		breakers[i] = backoff.NewBreaker(backoff.BreakerConfig{
			Name: ep,
			OnStateChange: func(name, from, to string) {
				logger.Warn(context.Background(), "sandbox pod circuit changed",
					"pod", name, "from", from, "to", to)
			},
		})
	}

	return &Client{
		endpoints: endpoints,
		breakers:  breakers,
		authToken: cfg.AuthToken,
		http: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Replicas reports how many pods the client routes over.
func (c *Client) Replicas() int {
	return len(c.endpoints)
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// route hashes a session ID to a pod index. The full MD5 digest is
// reduced mod the replica count so the mapping is stable across
// restarts and client instances.
func (c *Client) route(sessionID string) int {
	if len(c.endpoints) == 1 {
		return 0
	}
	digest := md5.Sum([]byte(sessionID))
	n := new(big.Int).SetBytes(digest[:])
	return int(n.Mod(n, big.NewInt(int64(len(c.endpoints)))).Int64())
}

// Execute runs code in the session's VM on its home pod.
func (c *Client) Execute(ctx context.Context, sessionID, code, execType string, timeoutSeconds int) (*ExecuteResponse, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+executeGrace)
		defer cancel()
	}

	payload := map[string]any{
		"session_id": sessionID,
		"code":       code,
		"exec_type":  execType,
		"timeout":    timeoutSeconds,
	}
	var out ExecuteResponse
	if err := c.doJSON(ctx, http.MethodPost, c.route(sessionID), "/v1/execute", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunPython satisfies the code-interpreter tool contract.
func (c *Client) RunPython(ctx context.Context, sessionID, code string, timeoutSeconds int) (*protocol.Response, error) {
	out, err := c.Execute(ctx, sessionID, code, "python", timeoutSeconds)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{
		Success:       out.Success,
		Outputs:       out.Outputs,
		Error:         out.Error,
		ExecutionTime: out.ExecutionTime,
		CellID:        out.CellID,
	}, nil
}

// Sessions lists sessions across all pods. Unreachable pods are
// logged and skipped.
func (c *Client) Sessions(ctx context.Context) []SessionList {
	results := make([]SessionList, 0, len(c.endpoints))
	for i := range c.endpoints {
		var list SessionList
		if err := c.doJSON(ctx, http.MethodGet, i, "/v1/sessions", nil, &list); err != nil {
			c.logger.Warn(ctx, "sandbox pod session listing failed", "pod", c.endpoints[i], "error", err)
			continue
		}
		results = append(results, list)
	}
	return results
}

// Health probes all pods. Unreachable pods are logged and skipped.
func (c *Client) Health(ctx context.Context) []Health {
	results := make([]Health, 0, len(c.endpoints))
	for i := range c.endpoints {
		var h Health
		if err := c.doJSON(ctx, http.MethodGet, i, "/v1/health", nil, &h); err != nil {
			c.logger.Warn(ctx, "sandbox pod health check failed", "pod", c.endpoints[i], "error", err)
			continue
		}
		results = append(results, h)
	}
	return results
}

// DestroySession tears down the session's VM on its home pod.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.route(sessionID), "/v1/sessions/"+sessionID, nil, nil)
}

// ResetSession clears interpreter state, keeping the VM.
func (c *Client) ResetSession(ctx context.Context, sessionID string) (*protocol.Response, error) {
	var out resetReply
	if err := c.doJSON(ctx, http.MethodPost, c.route(sessionID), "/v1/sessions/"+sessionID+"/reset", nil, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// GetState fetches the interpreter's bound variables and exec count.
func (c *Client) GetState(ctx context.Context, sessionID string) (*protocol.Response, error) {
	var out protocol.Response
	if err := c.doJSON(ctx, http.MethodGet, c.route(sessionID), "/v1/sessions/"+sessionID+"/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteFile writes a file into the session VM. Encoding "base64"
// selects the binary path.
func (c *Client) WriteFile(ctx context.Context, sessionID, path, content, encoding string) (*protocol.Response, error) {
	payload := map[string]any{"path": path, "content": content, "encoding": encoding}
	var out protocol.Response
	if err := c.doJSON(ctx, http.MethodPost, c.route(sessionID), "/v1/sessions/"+sessionID+"/files/write", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadFile reads a text file from the session VM.
func (c *Client) ReadFile(ctx context.Context, sessionID, path string) (*FileRead, error) {
	return c.readFile(ctx, sessionID, path, "/files/read")
}

// ReadFileBinary reads a file as base64 from the session VM.
func (c *Client) ReadFileBinary(ctx context.Context, sessionID, path string) (*FileRead, error) {
	return c.readFile(ctx, sessionID, path, "/files/read_binary")
}

func (c *Client) readFile(ctx context.Context, sessionID, path, route string) (*FileRead, error) {
	var out FileRead
	target := "/v1/sessions/" + sessionID + route + "?path=" + url.QueryEscape(path)
	if err := c.doJSON(ctx, http.MethodGet, c.route(sessionID), target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstallPackages pip-installs packages into the session VM.
func (c *Client) InstallPackages(ctx context.Context, sessionID string, packages []string) (*protocol.Response, error) {
	payload := map[string]any{"packages": packages}
	var out protocol.Response
	if err := c.doJSON(ctx, http.MethodPost, c.route(sessionID), "/v1/sessions/"+sessionID+"/install", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON performs one request against a pod, feeding the outcome into
// that pod's breaker. Only transport failures and 5xx replies count
// against the breaker; 4xx means the pod is fine and the request was
// not.
func (c *Client) doJSON(ctx context.Context, method string, pod int, path string, body, out any) error {
	br := c.breakers[pod]
	if err := br.Allow(); err != nil {
		return fmt.Errorf("pod %s: %w", c.endpoints[pod], err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoints[pod]+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		br.Record(err)
		return fmt.Errorf("Connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
		if resp.StatusCode >= 500 {
			br.Record(statusErr)
		} else {
			br.Record(nil)
		}
		return statusErr
	}
	br.Record(nil)

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
