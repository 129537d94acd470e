//go:build !linux

package firecracker

import (
	"context"
	"errors"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// ErrNotSupported is returned on platforms without Firecracker.
var ErrNotSupported = errors.New("firecracker is only supported on linux")

// VM is a placeholder on non-Linux platforms.
type VM struct{}

func (vm *VM) ID() string      { return "" }
func (vm *VM) CID() uint32     { return 0 }
func (vm *VM) WorkDir() string { return "" }
func (vm *VM) State() State    { return StateDead }
func (vm *VM) Alive() bool     { return false }

func (vm *VM) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return nil, ErrNotSupported
}

func (vm *VM) Destroy(ctx context.Context) error { return nil }

// Pool is a placeholder on non-Linux platforms.
type Pool struct{}

// NewPool builds a placeholder pool; Start reports ErrNotSupported.
func NewPool(cfg config.SandboxConfig, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	return &Pool{}
}

func (p *Pool) Start(ctx context.Context) error { return ErrNotSupported }

func (p *Pool) Acquire(ctx context.Context) (*VM, error) { return nil, ErrNotSupported }

func (p *Pool) Release(ctx context.Context, vm *VM) {}

func (p *Pool) Ready() int { return 0 }

func (p *Pool) Close(ctx context.Context) error { return nil }
