package sandbox

import (
	"context"

	"github.com/axonhq/axon/internal/config"
	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/internal/sandbox/firecracker"
	"github.com/axonhq/axon/internal/sandbox/protocol"
)

// Machine is the slice of a pooled VM that the session layer drives. The
// concrete implementation is firecracker.VM.
type Machine interface {
	ID() string
	State() firecracker.State
	Alive() bool
	Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// Pool hands out warm machines and reclaims used ones. Release destroys
// the machine and schedules a replacement; machines are never rebound.
type Pool interface {
	Start(ctx context.Context) error
	Acquire(ctx context.Context) (Machine, error)
	Release(ctx context.Context, m Machine)
	Ready() int
	Close(ctx context.Context) error
}

// NewFirecrackerPool wraps the concrete microVM pool in the Pool
// interface.
func NewFirecrackerPool(cfg config.SandboxConfig, logger *observability.Logger, metrics *observability.Metrics) Pool {
	return fcPool{firecracker.NewPool(cfg, logger, metrics)}
}

type fcPool struct {
	*firecracker.Pool
}

func (p fcPool) Acquire(ctx context.Context) (Machine, error) {
	vm, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return vm, nil
}

func (p fcPool) Release(ctx context.Context, m Machine) {
	vm, _ := m.(*firecracker.VM)
	p.Pool.Release(ctx, vm)
}
