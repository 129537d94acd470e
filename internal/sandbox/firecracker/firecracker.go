// Package firecracker boots and manages the Firecracker microVMs that back
// the code interpreter. Each VM runs the guest agent from cmd/axon-guest and
// is reached over a vsock connection speaking the protocol package framing.
//
// VMs are single-tenant: the pool hands a warm VM to exactly one session and
// destroys it when the session ends. Only the vsock client is portable; the
// VM and pool implementations require Linux.
package firecracker

import "errors"

// guestCIDBase is the first vsock context id handed out by a pool. CIDs 0-2
// are reserved by the hypervisor.
const guestCIDBase = 3

// ErrPoolExhausted is returned by Acquire when no VM becomes available
// within the acquire timeout.
var ErrPoolExhausted = errors.New("no VM available: pool exhausted")

// State is the lifecycle state of a microVM.
type State int32

const (
	StateCreating State = iota
	StateReady
	StateBusy
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
