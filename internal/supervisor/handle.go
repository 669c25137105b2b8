package supervisor

import (
	"sync"
	"time"

	"github.com/dyluth/paddock/pkg/wire"
)

// HealthState is the health of one launched process.
type HealthState string

const (
	// HealthStarting indicates the process was spawned but has not yet
	// signalled readiness (first heartbeat).
	HealthStarting HealthState = "starting"

	// HealthReady indicates the process is heartbeating on schedule.
	HealthReady HealthState = "ready"

	// HealthDegraded indicates the process missed its heartbeat threshold
	// but has not exited. It returns to ready if heartbeats resume.
	HealthDegraded HealthState = "degraded"

	// HealthDead indicates the process exited. Terminal.
	HealthDead HealthState = "dead"
)

// ProcessHandle pairs a launched process with its health state and
// last-heartbeat timestamp. Owned by the Supervisor; never shared outside it.
type ProcessHandle struct {
	spec wire.ProcessSpec
	proc Process

	mu            sync.Mutex
	state         HealthState
	lastHeartbeat time.Time
	launchedAt    time.Time
}

// Name returns the process name from its descriptor.
func (h *ProcessHandle) Name() string {
	return h.spec.Name
}

// State returns the current health state.
func (h *ProcessHandle) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastHeartbeat returns the time of the most recent heartbeat, zero if none
// arrived yet.
func (h *ProcessHandle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

// markHeartbeat records a heartbeat and reports whether the handle
// transitioned back to ready from starting or degraded.
func (h *ProcessHandle) markHeartbeat(at time.Time) (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHeartbeat = at
	if h.state == HealthStarting || h.state == HealthDegraded {
		h.state = HealthReady
		return true
	}
	return false
}

// transition moves the handle to state and reports whether anything changed.
// Dead is terminal: no transition out of it is possible.
func (h *ProcessHandle) transition(state HealthState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == state || h.state == HealthDead {
		return false
	}
	h.state = state
	return true
}
