// Package sandbox binds interpreter sessions to pooled microVMs and
// enforces the per-pod session budget. Each session owns one VM for its
// whole life: acquire on first use, execute in place, destroy on reset
// timeout or explicit teardown. VMs are never shared across sessions
// and never rebound after release.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

var (
	// ErrSessionLimit is returned when a new session would exceed the
	// per-pod cap.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionNotFound is returned by operations that require an
	// existing session.
	ErrSessionNotFound = errors.New("session not found")

	errManagerClosed = errors.New("session manager is closed")
)

// binding ties a session ID to its VM. The vm field is immutable after
// publish; timestamps and the exec counter are mutated only under the
// manager lock.
type binding struct {
	sessionID string
	vm        Machine
	createdAt time.Time
	lastUsed  time.Time
	execCount int
}

// SessionInfo is a point-in-time snapshot of a live session.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	VMID        string `json:"vm_id"`
	VMState     string `json:"vm_state"`
	ExecCount   int    `json:"exec_count"`
	AgeSeconds  int64  `json:"age_seconds"`
	IdleSeconds int64  `json:"idle_seconds"`
}

func (b *binding) snapshot(now time.Time) SessionInfo {
	return SessionInfo{
		SessionID:   b.sessionID,
		VMID:        b.vm.ID(),
		VMState:     b.vm.State().String(),
		ExecCount:   b.execCount,
		AgeSeconds:  int64(math.Round(now.Sub(b.createdAt).Seconds())),
		IdleSeconds: int64(math.Round(now.Sub(b.lastUsed).Seconds())),
	}
}

// Manager owns the session table and the VM pool behind it. All
// bookkeeping happens under a single mutex; the lock is dropped around
// pool acquisition and guest execution so a slow boot or a long-running
// cell never blocks listing or health checks.
type Manager struct {
	cfg     config.SandboxConfig
	pool    Pool
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*binding
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a session manager over the given pool. Zero or
// negative limits fall back to safe defaults so a partially populated
// config cannot disable eviction.
func NewManager(cfg config.SandboxConfig, pool Pool, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Pool.EvictInterval.Duration() <= 0 {
		cfg.Pool.EvictInterval = config.Duration(time.Minute)
	}
	if cfg.Pool.IdleTimeout.Duration() <= 0 {
		cfg.Pool.IdleTimeout = config.Duration(30 * time.Minute)
	}
	if cfg.Limits.MaxSessionsPerPod <= 0 {
		cfg.Limits.MaxSessionsPerPod = 50
	}
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*binding),
	}
}

// Start warms the pool and begins the idle-eviction loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return err
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.cleanupLoop()
	m.logger.Info(ctx, "session manager started",
		"pool_ready", m.pool.Ready(),
		"max_sessions", m.cfg.Limits.MaxSessionsPerPod,
		"idle_timeout", m.cfg.Pool.IdleTimeout.Duration().String(),
	)
	return nil
}

// Execute runs a request inside the VM bound to sessionID, creating the
// binding on first use. Transport failures are folded into the response
// so callers see a uniform shape; the session survives and counts the
// attempt either way.
func (m *Manager) Execute(ctx context.Context, sessionID string, req *protocol.Request) (*protocol.Response, error) {
	b, err := m.getOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, execErr := b.vm.Execute(ctx, req)
	elapsed := time.Since(start)

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; ok && cur == b {
		cur.execCount++
		cur.lastUsed = time.Now()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSandboxExecute(string(req.Type), elapsed.Seconds())
	}

	if execErr != nil {
		m.logger.Error(ctx, "sandbox execution failed",
			"session_id", sessionID,
			"vm_id", b.vm.ID(),
			"exec_type", string(req.Type),
			"error", execErr,
		)
		if m.metrics != nil {
			m.metrics.RecordError("sandbox", "execution")
		}
		return &protocol.Response{
			ID:      req.ID,
			Success: false,
			Error:   fmt.Sprintf("execution failed: %v", execErr),
		}, nil
	}
	return resp, nil
}

// ResetSession clears interpreter state without recycling the VM. A
// missing session is created first, so reset on a fresh ID yields a
// clean session rather than an error.
func (m *Manager) ResetSession(ctx context.Context, sessionID string) (*protocol.Response, error) {
	return m.Execute(ctx, sessionID, &protocol.Request{Type: protocol.TypeReset})
}

// DestroySession tears down the session's VM and frees its slot.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.release(ctx, b)
	m.logger.Info(ctx, "session destroyed", "session_id", sessionID, "vm_id", b.vm.ID(), "exec_count", b.execCount)
	return nil
}

// Sessions returns snapshots of all live sessions, ordered by ID.
func (m *Manager) Sessions() []SessionInfo {
	now := time.Now()
	m.mu.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, b := range m.sessions {
		infos = append(infos, b.snapshot(now))
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Session returns a snapshot of one session.
func (m *Manager) Session(sessionID string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return b.snapshot(time.Now()), true
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PoolReady reports how many warm VMs are waiting unbound.
func (m *Manager) PoolReady() int {
	return m.pool.Ready()
}

// Close evicts every session and shuts the pool down. The pool closes
// before bindings are released so the releases do not boot replacements.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	bindings := make([]*binding, 0, len(m.sessions))
	for _, b := range m.sessions {
		bindings = append(bindings, b)
	}
	m.sessions = make(map[string]*binding)
	stopped := m.stop != nil
	m.mu.Unlock()

	if stopped {
		close(m.stop)
		<-m.done
	}

	err := m.pool.Close(ctx)
	for _, b := range bindings {
		m.release(ctx, b)
	}
	m.logger.Info(ctx, "session manager stopped", "sessions_closed", len(bindings))
	return err
}

// getOrCreate returns the live binding for sessionID, replacing a dead
// VM or acquiring a fresh one as needed.
func (m *Manager) getOrCreate(ctx context.Context, sessionID string) (*binding, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if b, ok := m.sessions[sessionID]; ok {
		if b.vm.Alive() {
			b.lastUsed = time.Now()
			m.mu.Unlock()
			return b, nil
		}
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.logger.Warn(ctx, "session VM died, recreating", "session_id", sessionID, "vm_id", b.vm.ID())
		m.release(ctx, b)
		return m.bind(ctx, sessionID)
	}
	m.mu.Unlock()
	return m.bind(ctx, sessionID)
}

// bind acquires a VM and publishes the session. The lock is dropped
// during acquisition, so the cap and closed state are re-checked before
// publishing; a racer that bound the same ID first wins and the fresh
// VM goes back to the pool.
func (m *Manager) bind(ctx context.Context, sessionID string) (*binding, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if len(m.sessions) >= m.cfg.Limits.MaxSessionsPerPod {
		n := len(m.sessions)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d): end an existing session first", ErrSessionLimit, n)
	}
	m.mu.Unlock()

	vm, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire VM: %w", err)
	}

	now := time.Now()
	fresh := &binding{sessionID: sessionID, vm: vm, createdAt: now, lastUsed: now}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.release(ctx, fresh)
		return nil, errManagerClosed
	}
	if b, ok := m.sessions[sessionID]; ok && b.vm.Alive() {
		m.mu.Unlock()
		m.release(ctx, fresh)
		return b, nil
	}
	if len(m.sessions) >= m.cfg.Limits.MaxSessionsPerPod {
		n := len(m.sessions)
		m.mu.Unlock()
		m.release(ctx, fresh)
		return nil, fmt.Errorf("%w (%d): end an existing session first", ErrSessionLimit, n)
	}
	m.sessions[sessionID] = fresh
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TrackVMBindings(1)
	}
	m.logger.Info(ctx, "session bound to VM", "session_id", sessionID, "vm_id", vm.ID())
	return fresh, nil
}

// release hands a binding's VM back to the pool for destruction.
func (m *Manager) release(ctx context.Context, b *binding) {
	m.pool.Release(ctx, b.vm)
	if m.metrics != nil {
		m.metrics.TrackVMBindings(-1)
	}
}

func (m *Manager) cleanupLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Pool.EvictInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired(context.Background())
		}
	}
}

func (m *Manager) evictExpired(ctx context.Context) {
	idleLimit := m.cfg.Pool.IdleTimeout.Duration()
	now := time.Now()

	m.mu.Lock()
	var expired []*binding
	for id, b := range m.sessions {
		if now.Sub(b.lastUsed) > idleLimit {
			expired = append(expired, b)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, b := range expired {
		m.logger.Info(ctx, "session expired, destroying VM",
			"session_id", b.sessionID,
			"vm_id", b.vm.ID(),
			"idle", now.Sub(b.lastUsed).Truncate(time.Second).String(),
		)
		m.release(ctx, b)
	}
}
