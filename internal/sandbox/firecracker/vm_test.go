//go:build linux

package firecracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// testVM builds a VM around an in-process guest, skipping the boot path.
func testVM(t *testing.T, client *VsockClient) *VM {
	t.Helper()
	return &VM{
		id:     "vm-test",
		cid:    7,
		state:  StateReady,
		client: client,
		grace:  200 * time.Millisecond,
		logger: testLogger(),
	}
}

func TestVMExecuteMovesThroughBusy(t *testing.T) {
	gate := make(chan struct{})
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		<-gate
		return &protocol.Response{Success: true, Output: "done"}
	})
	vm := testVM(t, client)

	type outcome struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := vm.Execute(context.Background(), &protocol.Request{Type: protocol.TypePython, Code: "x = 1", Timeout: 5})
		done <- outcome{resp, err}
	}()

	waitFor(t, func() bool { return vm.State() == StateBusy }, "VM to go busy")
	close(gate)

	got := <-done
	if got.err != nil {
		t.Fatalf("execute: %v", got.err)
	}
	if !got.resp.Success || got.resp.Output != "done" {
		t.Errorf("resp = %+v", got.resp)
	}
	if state := vm.State(); state != StateReady {
		t.Errorf("state after execute = %s, want ready", state)
	}
}

func TestVMExecuteRejectsWrongState(t *testing.T) {
	vm := &VM{id: "vm-dead", state: StateDead, logger: testLogger()}
	_, err := vm.Execute(context.Background(), &protocol.Request{Type: protocol.TypePing})
	if err == nil {
		t.Fatal("expected error for dead VM")
	}
	if !strings.Contains(err.Error(), "not available (state=dead)") {
		t.Errorf("err = %v", err)
	}
}

func TestVMExecuteGuestSilenceReturnsFailure(t *testing.T) {
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		return nil // agent hangs
	})
	vm := testVM(t, client)

	resp, err := vm.Execute(context.Background(), &protocol.Request{Type: protocol.TypeBash, Command: "true", Timeout: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Error("expected failure response")
	}
	if resp.Error != "Guest agent did not respond within 1s" {
		t.Errorf("error = %q", resp.Error)
	}
	if state := vm.State(); state != StateReady {
		t.Errorf("state = %s, want ready for the next attempt", state)
	}
}

func TestVMExecuteCallerCancellation(t *testing.T) {
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		return nil
	})
	vm := testVM(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := vm.Execute(ctx, &protocol.Request{Type: protocol.TypePython, Code: "x", Timeout: 30})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want caller deadline", err)
	}
}

func TestVMDestroyShutsDownGuestAndRemovesWorkDir(t *testing.T) {
	var mu sync.Mutex
	var seen []protocol.RequestType
	client := startFakeGuest(t, func(req *protocol.Request) *protocol.Response {
		mu.Lock()
		seen = append(seen, req.Type)
		mu.Unlock()
		return &protocol.Response{Success: true}
	})

	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "rootfs.ext4"), []byte("disk"), 0o644); err != nil {
		t.Fatalf("seed work dir: %v", err)
	}

	vm := testVM(t, client)
	vm.workDir = workDir

	if err := vm.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if state := vm.State(); state != StateDead {
		t.Errorf("state = %s, want dead", state)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}

	mu.Lock()
	if len(seen) != 1 || seen[0] != protocol.TypeShutdown {
		t.Errorf("guest saw %v, want one shutdown", seen)
	}
	mu.Unlock()

	if client.Err() == nil {
		t.Error("client should be closed after destroy")
	}

	// Second destroy is a no-op.
	if err := vm.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestVMAlive(t *testing.T) {
	ready := &VM{state: StateReady}
	if !ready.Alive() {
		t.Error("ready VM should be alive")
	}

	busy := &VM{state: StateBusy}
	if !busy.Alive() {
		t.Error("busy VM should be alive")
	}

	creating := &VM{state: StateCreating}
	if creating.Alive() {
		t.Error("creating VM should not be alive")
	}

	exited := make(chan struct{})
	close(exited)
	crashed := &VM{state: StateReady, exited: exited}
	if crashed.Alive() {
		t.Error("VM with a dead process should not be alive")
	}
}
