//go:build linux

package firecracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
)

// bootTimeout bounds one background VM boot, including the guest agent
// wait.
const bootTimeout = 90 * time.Second

// Pool keeps a queue of pre-booted VMs so acquisition is cheap. Released
// VMs are destroyed, never requeued; a replacement boot is scheduled in
// the background. Guest CIDs are allocated monotonically and never reused
// within a pool lifetime.
type Pool struct {
	cfg     config.SandboxConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	ready   chan *VM
	nextCID atomic.Uint32

	// boot builds one VM; swapped out in tests.
	boot func(ctx context.Context, cid uint32) (*VM, error)

	mu      sync.Mutex
	started bool
	closed  bool

	wg sync.WaitGroup
}

// NewPool builds a pool sized from cfg.Pool. Start must be called before
// Acquire.
func NewPool(cfg config.SandboxConfig, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	capacity := cfg.Pool.Size
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		ready:   make(chan *VM, capacity),
	}
	p.nextCID.Store(guestCIDBase)
	p.boot = func(ctx context.Context, cid uint32) (*VM, error) {
		return bootVM(ctx, cfg, cid, logger)
	}
	return p
}

// Start pre-boots the warm pool. Individual boot failures are logged, not
// fatal; replacements are retried on later releases.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	size := p.cfg.Pool.Size
	p.logger.Info(ctx, "starting VM pool", "size", size)

	var wg sync.WaitGroup
	var booted atomic.Int32
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.addVM(ctx); err != nil {
				p.logger.Error(ctx, "failed to boot warm VM", "error", err)
			} else {
				booted.Add(1)
			}
		}()
	}
	wg.Wait()

	p.logger.Info(ctx, "VM pool started", "ready", booted.Load(), "size", size)
	return ctx.Err()
}

// Acquire pops a warm VM, waiting up to the configured acquire timeout. A
// VM that died while queued is destroyed and replaced, and the wait
// continues.
func (p *Pool) Acquire(ctx context.Context) (*VM, error) {
	timeout := p.cfg.Pool.AcquireTimeout.Duration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case vm := <-p.ready:
			p.gauge()
			if !vm.Alive() {
				p.logger.Warn(ctx, "discarding dead pooled VM",
					"vm_id", vm.ID(), "state", vm.State().String())
				p.Release(ctx, vm)
				continue
			}
			return vm, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s (pool size %d)", ErrPoolExhausted, timeout, p.cfg.Pool.Size)
		}
	}
}

// Release destroys a used VM and schedules a replacement boot in the
// background. Pooled VMs are never reused across sessions.
func (p *Pool) Release(ctx context.Context, vm *VM) {
	if vm != nil {
		p.destroy(ctx, vm)
	}
	p.replenish()
}

// Ready returns the number of warm VMs waiting in the queue.
func (p *Pool) Ready() int { return len(p.ready) }

// Close drains the queue and destroys every pooled VM. In-flight
// replacement boots are waited for first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	destroyed := 0
	for {
		select {
		case vm := <-p.ready:
			p.destroy(ctx, vm)
			destroyed++
		default:
			p.gauge()
			p.logger.Info(ctx, "VM pool stopped", "destroyed", destroyed)
			return nil
		}
	}
}

// addVM boots one VM with the next CID and enqueues it.
func (p *Pool) addVM(ctx context.Context) error {
	cid := p.nextCID.Add(1)
	vm, err := p.boot(ctx, cid)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordVMLifecycle("boot_failed")
		}
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordVMLifecycle("created")
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(ctx, vm)
		return nil
	}

	select {
	case p.ready <- vm:
		p.gauge()
	default:
		p.logger.Warn(ctx, "pool full, destroying surplus VM", "vm_id", vm.ID())
		p.destroy(ctx, vm)
	}
	return nil
}

// replenish boots a replacement in the background when the pool is live.
func (p *Pool) replenish() {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
		defer cancel()
		if err := p.addVM(ctx); err != nil {
			p.logger.Error(ctx, "failed to boot replacement VM", "error", err)
		}
	}()
}

func (p *Pool) destroy(ctx context.Context, vm *VM) {
	if err := vm.Destroy(ctx); err != nil {
		p.logger.Warn(ctx, "VM teardown left residue", "vm_id", vm.ID(), "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordVMLifecycle("destroyed")
	}
}

func (p *Pool) gauge() {
	if p.metrics != nil {
		p.metrics.TrackVMPool(len(p.ready))
	}
}
