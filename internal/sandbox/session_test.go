package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/firecracker"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeVM struct {
	id string

	mu      sync.Mutex
	alive   bool
	execErr error
	reqs    []*protocol.Request
}

func newFakeVM(id string) *fakeVM {
	return &fakeVM{id: id, alive: true}
}

func (v *fakeVM) ID() string { return v.id }

func (v *fakeVM) State() firecracker.State {
	if v.Alive() {
		return firecracker.StateReady
	}
	return firecracker.StateDead
}

func (v *fakeVM) Alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.alive
}

func (v *fakeVM) kill() {
	v.mu.Lock()
	v.alive = false
	v.mu.Unlock()
}

func (v *fakeVM) failWith(err error) {
	v.mu.Lock()
	v.execErr = err
	v.mu.Unlock()
}

func (v *fakeVM) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	v.mu.Lock()
	v.reqs = append(v.reqs, req)
	err := v.execErr
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &protocol.Response{ID: req.ID, Success: true, Output: "ok"}, nil
}

func (v *fakeVM) requests() []*protocol.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*protocol.Request(nil), v.reqs...)
}

type fakePool struct {
	mu         sync.Mutex
	seq        int
	acquired   []*fakeVM
	released   []Machine
	acquireErr error
	closed     bool
}

func (p *fakePool) Start(ctx context.Context) error { return nil }

func (p *fakePool) Acquire(ctx context.Context) (Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.seq++
	vm := newFakeVM(fmt.Sprintf("vm-%02d", p.seq))
	p.acquired = append(p.acquired, vm)
	return vm, nil
}

func (p *fakePool) Release(ctx context.Context, m Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, m)
}

func (p *fakePool) Ready() int { return 2 }

func (p *fakePool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePool) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquired)
}

func (p *fakePool) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.released)
}

func (p *fakePool) releasedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.released))
	for _, m := range p.released {
		ids = append(ids, m.ID())
	}
	return ids
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func testManager(t *testing.T, mutate func(*config.SandboxConfig)) (*Manager, *fakePool) {
	t.Helper()
	cfg := config.SandboxConfig{}
	cfg.Pool.AcquireTimeout = config.Duration(time.Second)
	cfg.Pool.IdleTimeout = config.Duration(30 * time.Minute)
	cfg.Pool.EvictInterval = config.Duration(time.Minute)
	cfg.Limits.MaxSessionsPerPod = 2
	if mutate != nil {
		mutate(&cfg)
	}
	pool := &fakePool{}
	m := NewManager(cfg, pool, testLogger(), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, pool
}

func pythonReq(code string) *protocol.Request {
	return &protocol.Request{Type: protocol.TypePython, Code: code}
}

func TestManagerBindsSessionOnFirstExecute(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	resp, err := m.Execute(ctx, "sess-a", pythonReq("1+1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if got := m.Count(); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}
	if got := pool.acquireCount(); got != 1 {
		t.Fatalf("pool acquires = %d, want 1", got)
	}
}

func TestManagerReusesVMAcrossExecutes(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Execute(ctx, "sess-a", pythonReq("x")); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if got := pool.acquireCount(); got != 1 {
		t.Fatalf("pool acquires = %d, want 1", got)
	}
	info, ok := m.Session("sess-a")
	if !ok {
		t.Fatal("session missing after executes")
	}
	if info.ExecCount != 3 {
		t.Fatalf("exec count = %d, want 3", info.ExecCount)
	}
}

func TestManagerSeparateSessionsGetSeparateVMs(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := m.Execute(ctx, "sess-b", pythonReq("b")); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	infoA, _ := m.Session("sess-a")
	infoB, _ := m.Session("sess-b")
	if infoA.VMID == infoB.VMID {
		t.Fatalf("sessions share VM %s", infoA.VMID)
	}
}

func TestManagerEnforcesSessionLimit(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := m.Execute(ctx, "sess-b", pythonReq("b")); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	_, err := m.Execute(ctx, "sess-c", pythonReq("c"))
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
	if !strings.Contains(err.Error(), "end an existing session first") {
		t.Fatalf("limit error missing guidance: %v", err)
	}

	// An existing session still works at the cap.
	if _, err := m.Execute(ctx, "sess-a", pythonReq("a2")); err != nil {
		t.Fatalf("execute at cap: %v", err)
	}
}

func TestManagerRecreatesDeadVM(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	before, _ := m.Session("sess-a")
	pool.acquired[0].kill()

	resp, err := m.Execute(ctx, "sess-a", pythonReq("again"))
	if err != nil {
		t.Fatalf("execute after death: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success after recreate, got %q", resp.Error)
	}
	after, _ := m.Session("sess-a")
	if after.VMID == before.VMID {
		t.Fatalf("dead VM %s was not replaced", before.VMID)
	}
	if ids := pool.releasedIDs(); len(ids) != 1 || ids[0] != before.VMID {
		t.Fatalf("dead VM not released to pool, released=%v", ids)
	}
}

func TestManagerWrapsTransportError(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("warm")); err != nil {
		t.Fatalf("warmup execute: %v", err)
	}
	pool.acquired[0].failWith(errors.New("vsock: connection reset"))

	resp, err := m.Execute(ctx, "sess-a", pythonReq("boom"))
	if err != nil {
		t.Fatalf("transport error should fold into response, got %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if !strings.Contains(resp.Error, "execution failed:") {
		t.Fatalf("response error = %q", resp.Error)
	}

	// The attempt still counts and the session survives.
	info, ok := m.Session("sess-a")
	if !ok {
		t.Fatal("session dropped after transport error")
	}
	if info.ExecCount != 2 {
		t.Fatalf("exec count = %d, want 2", info.ExecCount)
	}
}

func TestManagerDestroySession(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.DestroySession(ctx, "sess-a"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("session count = %d after destroy, want 0", got)
	}
	if got := pool.releaseCount(); got != 1 {
		t.Fatalf("pool releases = %d, want 1", got)
	}

	err := m.DestroySession(ctx, "sess-a")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerResetSendsResetRequest(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("x = 1")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := m.ResetSession(ctx, "sess-a"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	reqs := pool.acquired[0].requests()
	if len(reqs) != 2 || reqs[1].Type != protocol.TypeReset {
		t.Fatalf("expected trailing reset request, got %+v", reqs)
	}

	// Reset on an unknown session binds a fresh one.
	if _, err := m.ResetSession(ctx, "sess-b"); err != nil {
		t.Fatalf("reset fresh session: %v", err)
	}
	if got := m.Count(); got != 2 {
		t.Fatalf("session count = %d, want 2", got)
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	m, pool := testManager(t, func(cfg *config.SandboxConfig) {
		cfg.Pool.EvictInterval = config.Duration(20 * time.Millisecond)
		cfg.Pool.IdleTimeout = config.Duration(50 * time.Millisecond)
	})
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 }, "idle session eviction")
	if got := pool.releaseCount(); got != 1 {
		t.Fatalf("pool releases = %d, want 1", got)
	}
}

func TestManagerSnapshotFields(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	info, ok := m.Session("sess-a")
	if !ok {
		t.Fatal("session missing")
	}
	if info.SessionID != "sess-a" {
		t.Errorf("session id = %q", info.SessionID)
	}
	if info.VMID != pool.acquired[0].ID() {
		t.Errorf("vm id = %q, want %q", info.VMID, pool.acquired[0].ID())
	}
	if info.VMState != "ready" {
		t.Errorf("vm state = %q, want ready", info.VMState)
	}
	if info.ExecCount != 1 {
		t.Errorf("exec count = %d, want 1", info.ExecCount)
	}
	if info.AgeSeconds != 0 || info.IdleSeconds != 0 {
		t.Errorf("fresh session age=%d idle=%d, want 0/0", info.AgeSeconds, info.IdleSeconds)
	}
}

func TestManagerSessionsSortedByID(t *testing.T) {
	m, _ := testManager(t, func(cfg *config.SandboxConfig) {
		cfg.Limits.MaxSessionsPerPod = 5
	})
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if _, err := m.Execute(ctx, id, pythonReq("x")); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}
	infos := m.Sessions()
	if len(infos) != 3 {
		t.Fatalf("sessions = %d, want 3", len(infos))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if infos[i].SessionID != want {
			t.Fatalf("sessions[%d] = %q, want %q", i, infos[i].SessionID, want)
		}
	}
}

func TestManagerCloseDestroysEverything(t *testing.T) {
	m, pool := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "sess-a", pythonReq("a")); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := m.Execute(ctx, "sess-b", pythonReq("b")); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pool.isClosed() {
		t.Fatal("pool not closed")
	}
	if got := pool.releaseCount(); got != 2 {
		t.Fatalf("pool releases = %d, want 2", got)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("session count = %d after close, want 0", got)
	}

	if _, err := m.Execute(ctx, "sess-c", pythonReq("c")); err == nil {
		t.Fatal("execute after close should fail")
	}

	// Close is idempotent.
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestManagerAcquireFailureSurfaces(t *testing.T) {
	m, pool := testManager(t, nil)
	pool.acquireErr = firecracker.ErrPoolExhausted

	_, err := m.Execute(context.Background(), "sess-a", pythonReq("a"))
	if !errors.Is(err, firecracker.ErrPoolExhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("session count = %d after failed bind, want 0", got)
	}
}
