//go:build linux

package firecracker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

const (
	// agentWaitTimeout bounds how long boot waits for the guest agent to
	// answer its first ping.
	agentWaitTimeout = 30 * time.Second

	connectRetryInterval = 500 * time.Millisecond

	// quickCallTimeout is used for pings and the soft shutdown request.
	quickCallTimeout = 3 * time.Second

	// termWait and killWait pace the SIGTERM → SIGKILL teardown ladder.
	termWait = 5 * time.Second
	killWait = 2 * time.Second

	// defaultExecTimeout applies when a request carries no timeout, in
	// seconds.
	defaultExecTimeout = 30

	// guestGrace pads the host-side wait past the guest-enforced timeout.
	guestGrace = 10 * time.Second
)

// VM is one Firecracker microVM running the guest agent.
type VM struct {
	id  string
	cid uint32

	workDir   string
	vsockPath string
	createdAt time.Time
	grace     time.Duration

	mu      sync.RWMutex
	state   State
	machine *firecracker.Machine
	cmd     *exec.Cmd
	client  *VsockClient

	// exited is closed when the hypervisor process exits.
	exited chan struct{}

	logger *observability.Logger
}

// bootVM allocates a work directory, clones the base rootfs, launches the
// hypervisor, and waits for the guest agent to answer a ping.
func bootVM(ctx context.Context, cfg config.SandboxConfig, cid uint32, logger *observability.Logger) (*VM, error) {
	vm := &VM{
		id:        newVMID(),
		cid:       cid,
		state:     StateCreating,
		createdAt: time.Now(),
		grace:     guestGrace,
		exited:    make(chan struct{}),
		logger:    logger,
	}

	logger.Info(ctx, "creating VM", "vm_id", vm.id, "cid", cid)

	workDir, err := os.MkdirTemp(cfg.VM.WorkDir, "fc-"+vm.id+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	vm.workDir = workDir
	vm.vsockPath = filepath.Join(workDir, fmt.Sprintf("vsock_%d.sock", protocol.GuestPort))

	rootfs := filepath.Join(workDir, "rootfs.ext4")
	if err := copyRootfs(cfg.VM.RootfsPath, rootfs); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(workDir, "firecracker.sock")
	fcConfig := firecracker.Config{
		SocketPath:      socketPath,
		LogPath:         filepath.Join(workDir, "firecracker.log"),
		LogLevel:        "Warning",
		KernelImagePath: cfg.VM.KernelPath,
		KernelArgs:      cfg.VM.BootArgs,
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   firecracker.String(rootfs),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(cfg.VM.VcpuCount),
			MemSizeMib: firecracker.Int64(cfg.VM.MemSizeMib),
			Smt:        firecracker.Bool(false),
		},
		VsockDevices: []firecracker.VsockDevice{{
			Path: vm.vsockPath,
			CID:  cid,
		}},
	}

	cmd := firecracker.VMCommandBuilder{}.
		WithBin(cfg.VM.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)
	vm.cmd = cmd

	machine, err := firecracker.NewMachine(ctx, fcConfig, firecracker.WithProcessRunner(cmd))
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("create machine: %w", err)
	}
	vm.machine = machine

	// Start launches the hypervisor, waits for its API socket, applies
	// the machine configuration, and issues InstanceStart.
	if err := machine.Start(ctx); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start machine: %w", err)
	}

	go func() {
		_ = machine.Wait(context.Background())
		close(vm.exited)
	}()

	client, err := vm.waitForAgent(ctx)
	if err != nil {
		_ = vm.Destroy(context.Background())
		return nil, err
	}

	vm.mu.Lock()
	vm.client = client
	vm.state = StateReady
	vm.mu.Unlock()

	logger.Info(ctx, "VM ready", "vm_id", vm.id, "cid", cid)
	return vm, nil
}

// waitForAgent dials the vsock socket until the guest agent answers. The
// UNIX socket appears as soon as the vsock device is configured, but the
// agent inside the guest may not be listening yet.
func (vm *VM) waitForAgent(ctx context.Context) (*VsockClient, error) {
	deadline := time.Now().Add(agentWaitTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-vm.exited:
			return nil, fmt.Errorf("vm %s: firecracker exited during boot", vm.id)
		default:
		}

		client, err := DialGuest(ctx, vm.vsockPath, protocol.GuestPort)
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, quickCallTimeout)
			_, perr := client.Ping(pctx)
			cancel()
			if perr == nil {
				return client, nil
			}
			lastErr = perr
			client.Close()
		} else {
			lastErr = err
		}
		time.Sleep(connectRetryInterval)
	}
	return nil, fmt.Errorf("vm %s: guest agent not reachable after %s: %w", vm.id, agentWaitTimeout, lastErr)
}

// ID returns the VM identifier.
func (vm *VM) ID() string { return vm.id }

// CID returns the guest vsock context id.
func (vm *VM) CID() uint32 { return vm.cid }

// WorkDir returns the VM's scratch directory on the host.
func (vm *VM) WorkDir() string { return vm.workDir }

// State returns the current lifecycle state.
func (vm *VM) State() State {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.state
}

// Alive reports whether the VM can serve requests.
func (vm *VM) Alive() bool {
	if vm.exitedNow() {
		return false
	}
	s := vm.State()
	return s == StateReady || s == StateBusy
}

// Execute forwards one request to the guest agent. The VM moves Ready →
// Busy for the duration and back to Ready after, so a session can issue
// many requests against the same VM.
func (vm *VM) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	vm.mu.Lock()
	if vm.state != StateReady && vm.state != StateBusy {
		state := vm.state
		vm.mu.Unlock()
		return nil, fmt.Errorf("vm %s not available (state=%s)", vm.id, state)
	}
	if vm.client == nil {
		vm.mu.Unlock()
		return nil, fmt.Errorf("vm %s has no guest connection", vm.id)
	}
	vm.state = StateBusy
	client := vm.client
	vm.mu.Unlock()

	defer func() {
		vm.mu.Lock()
		if vm.state == StateBusy {
			vm.state = StateReady
		}
		vm.mu.Unlock()
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+vm.grace)
	defer cancel()

	resp, err := client.Call(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The guest enforces the timeout itself; hitting the host
			// deadline means the agent stopped answering.
			return &protocol.Response{
				Success: false,
				Error:   fmt.Sprintf("Guest agent did not respond within %ds", timeout),
			}, nil
		}
		return nil, err
	}
	return resp, nil
}

// Destroy tears the VM down: best-effort guest shutdown, SIGTERM to the
// hypervisor, SIGKILL if it lingers, then the work directory is removed.
// Destroy is idempotent.
func (vm *VM) Destroy(ctx context.Context) error {
	vm.mu.Lock()
	if vm.state == StateStopping || vm.state == StateDead {
		vm.mu.Unlock()
		return nil
	}
	vm.state = StateStopping
	client := vm.client
	vm.client = nil
	machine := vm.machine
	vm.machine = nil
	cmd := vm.cmd
	vm.cmd = nil
	vm.mu.Unlock()

	vm.logger.Info(ctx, "destroying VM", "vm_id", vm.id)

	if client != nil {
		sctx, cancel := context.WithTimeout(ctx, quickCallTimeout)
		_, _ = client.Call(sctx, &protocol.Request{Type: protocol.TypeShutdown})
		cancel()
		client.Close()
	}

	if (machine != nil || cmd != nil) && !vm.exitedNow() {
		if machine != nil {
			// StopVMM sends SIGTERM to the hypervisor.
			_ = machine.StopVMM()
		} else if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		if !vm.waitExit(termWait) {
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			vm.waitExit(killWait)
		}
	}

	var rmErr error
	if vm.workDir != "" {
		rmErr = os.RemoveAll(vm.workDir)
	}

	vm.mu.Lock()
	vm.state = StateDead
	vm.mu.Unlock()
	return rmErr
}

func (vm *VM) exitedNow() bool {
	select {
	case <-vm.exited:
		return true
	default:
		return false
	}
}

func (vm *VM) waitExit(d time.Duration) bool {
	select {
	case <-vm.exited:
		return true
	case <-time.After(d):
		return false
	}
}

// newVMID returns a short random id like "a1b2c3d4e5f6".
func newVMID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}

// copyRootfs clones the base image into the work directory. A reflink is
// attempted first so copy-on-write filesystems skip the full copy.
func copyRootfs(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := reflink(in, out); err == nil {
		return out.Close()
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// reflink clones src into dst with FICLONE where the filesystem supports
// it.
func reflink(src, dst *os.File) error {
	const ficlone = 0x40049409
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, dst.Fd(), ficlone, src.Fd())
	if errno != 0 {
		return errno
	}
	return nil
}
