// Package supervisor launches, monitors, and tears down the external
// processes that constitute one environment instance: robot drivers, sensor
// nodes, safety monitors.
//
// Launch is all-or-nothing: every process must signal readiness (its first
// heartbeat on the control bus) within its timeout, or everything already
// started is terminated and the launch fails. After a successful launch a
// background monitor tracks heartbeats and process exits, emitting health
// events; it never swallows a failure silently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/paddock/pkg/wire"
)

// ErrLaunchTimeout indicates a process did not signal readiness in time.
// The failed launch leaves no live processes behind.
var ErrLaunchTimeout = errors.New("process did not signal readiness in time")

// missThreshold is how many heartbeat intervals may elapse without a
// heartbeat before a handle is degraded.
const missThreshold = 3

// HealthEvent reports a handle's health transition to the instance owner.
type HealthEvent struct {
	Process string
	State   HealthState
	Reason  string
	At      time.Time
}

// Supervisor owns the process handles of one environment instance.
type Supervisor struct {
	client   *wire.Client
	launcher Launcher

	mu      sync.Mutex
	handles map[string]*ProcessHandle
	order   []string // launch order, for deterministic iteration
	grace   time.Duration

	events chan HealthEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	terminated bool
}

// New creates a supervisor for the client's instance using the given
// launcher.
func New(client *wire.Client, launcher Launcher) *Supervisor {
	return &Supervisor{
		client:   client,
		launcher: launcher,
		handles:  make(map[string]*ProcessHandle),
		events:   make(chan HealthEvent, 16),
	}
}

// Events returns the health event stream. Events are dropped (with a log
// line) if the consumer falls behind; the handle states remain authoritative.
func (s *Supervisor) Events() <-chan HealthEvent {
	return s.events
}

// Launch starts every process in the spec and waits for each one's readiness
// signal. All-or-nothing: on any failure every process already started is
// terminated and the first error is returned, wrapping ErrLaunchTimeout for
// readiness timeouts.
//
// On success the background health monitor is running and Events() is live.
func (s *Supervisor) Launch(ctx context.Context, spec wire.EnvironmentSpec) error {
	s.mu.Lock()
	if len(s.handles) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already launched")
	}
	s.grace = spec.GraceTimeout
	s.mu.Unlock()

	// The monitor context outlives the launch call; it ends at Terminate.
	monCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Subscribe before starting anything so no readiness heartbeat is lost.
	hbSub, err := s.client.SubscribeHeartbeats(monCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}

	launchDeadline := time.Now().Add(spec.LaunchTimeout)

	for _, ps := range spec.Processes {
		proc, err := s.launcher.Start(ctx, s.client.InstanceName(), ps)
		if err != nil {
			s.rollback(ctx, hbSub, cancel)
			return err
		}
		h := &ProcessHandle{
			spec:       ps,
			proc:       proc,
			state:      HealthStarting,
			launchedAt: time.Now(),
		}
		s.mu.Lock()
		s.handles[ps.Name] = h
		s.order = append(s.order, ps.Name)
		s.mu.Unlock()
		log.Printf("[INFO] Launched process '%s' for instance '%s'", ps.Name, s.client.InstanceName())
	}

	if err := s.awaitReadiness(ctx, hbSub, launchDeadline); err != nil {
		s.rollback(ctx, hbSub, cancel)
		return err
	}

	s.wg.Add(1)
	go s.monitor(monCtx, hbSub)

	return nil
}

// awaitReadiness consumes heartbeats until every handle is ready, a
// per-process ready timeout lapses, the overall launch deadline passes, a
// process dies, or the caller's context is cancelled.
func (s *Supervisor) awaitReadiness(ctx context.Context, hbSub *wire.Subscription[wire.Heartbeat], deadline time.Time) error {
	check := time.NewTicker(10 * time.Millisecond)
	defer check.Stop()

	for {
		if s.Ready() {
			return nil
		}

		s.mu.Lock()
		for _, name := range s.order {
			h := s.handles[name]
			if h.State() != HealthStarting {
				continue
			}
			procDeadline := h.launchedAt.Add(h.spec.ReadyTimeout)
			if time.Now().After(procDeadline) || time.Now().After(deadline) {
				s.mu.Unlock()
				return fmt.Errorf("process %q: %w", name, ErrLaunchTimeout)
			}
			select {
			case <-h.proc.Done():
				s.mu.Unlock()
				return fmt.Errorf("process %q exited before signalling readiness: %w", name, ErrLaunchTimeout)
			default:
			}
		}
		s.mu.Unlock()

		select {
		case hb, ok := <-hbSub.Events():
			if !ok {
				return fmt.Errorf("heartbeat subscription closed during launch")
			}
			s.handleHeartbeat(hb)
		case <-check.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rollback terminates everything started so far after a failed launch.
// Failures here are logged; the launch error already describes the cause.
func (s *Supervisor) rollback(ctx context.Context, hbSub *wire.Subscription[wire.Heartbeat], cancel context.CancelFunc) {
	hbSub.Close()
	cancel()

	s.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for _, name := range s.order {
		handles = append(handles, s.handles[name])
	}
	s.handles = make(map[string]*ProcessHandle)
	s.order = nil
	grace := s.grace
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.proc.Stop(ctx, grace); err != nil {
			log.Printf("[WARN] Failed to stop process '%s' during rollback: %v", h.Name(), err)
		}
		h.transition(HealthDead)
	}
}

// monitor is the background health loop: it applies heartbeats, degrades
// handles that miss their threshold, and marks exited processes dead.
func (s *Supervisor) monitor(ctx context.Context, hbSub *wire.Subscription[wire.Heartbeat]) {
	defer s.wg.Done()
	defer hbSub.Close()

	// Watch each process for exit.
	s.mu.Lock()
	for _, name := range s.order {
		h := s.handles[name]
		s.wg.Add(1)
		go func(h *ProcessHandle) {
			defer s.wg.Done()
			select {
			case <-h.proc.Done():
				if h.transition(HealthDead) {
					s.emit(HealthEvent{Process: h.Name(), State: HealthDead, Reason: "process exited", At: time.Now()})
				}
			case <-ctx.Done():
			}
		}(h)
	}
	s.mu.Unlock()

	tick := time.NewTicker(s.minHeartbeatInterval() / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case hb, ok := <-hbSub.Events():
			if !ok {
				return
			}
			s.handleHeartbeat(hb)

		case err, ok := <-hbSub.Errors():
			if !ok {
				return
			}
			log.Printf("[ERROR] Heartbeat subscription error: %v", err)

		case <-tick.C:
			s.checkHeartbeatDeadlines()
		}
	}
}

func (s *Supervisor) handleHeartbeat(hb wire.Heartbeat) {
	s.mu.Lock()
	h, ok := s.handles[hb.Process]
	s.mu.Unlock()
	if !ok {
		// Heartbeat from a process this instance does not own; ignore.
		return
	}
	if h.markHeartbeat(time.Now()) {
		s.emit(HealthEvent{Process: h.Name(), State: HealthReady, Reason: "heartbeat", At: time.Now()})
	}
}

func (s *Supervisor) checkHeartbeatDeadlines() {
	s.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for _, name := range s.order {
		handles = append(handles, s.handles[name])
	}
	s.mu.Unlock()

	now := time.Now()
	for _, h := range handles {
		if h.State() != HealthReady {
			continue
		}
		if now.Sub(h.LastHeartbeat()) > time.Duration(missThreshold)*h.spec.HeartbeatInterval {
			if h.transition(HealthDegraded) {
				s.emit(HealthEvent{Process: h.Name(), State: HealthDegraded, Reason: "missed heartbeats", At: now})
			}
		}
	}
}

func (s *Supervisor) emit(ev HealthEvent) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[WARN] Dropping health event for process '%s' (consumer too slow)", ev.Process)
	}
}

func (s *Supervisor) minHeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := time.Second
	for _, h := range s.handles {
		if h.spec.HeartbeatInterval < min {
			min = h.spec.HeartbeatInterval
		}
	}
	return min
}

// Ready reports whether every handle is ready.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return false
	}
	for _, h := range s.handles {
		if h.State() != HealthReady {
			return false
		}
	}
	return true
}

// States returns a snapshot of every handle's health state.
func (s *Supervisor) States() map[string]HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]HealthState, len(s.handles))
	for name, h := range s.handles {
		states[name] = h.State()
	}
	return states
}

// Terminate gracefully stops every owned process, escalating to a forced
// kill after the grace timeout. Guarantees no orphaned process remains after
// return. Idempotent.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for _, name := range s.order {
		handles = append(handles, s.handles[name])
	}
	grace := s.grace
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *ProcessHandle) {
			defer wg.Done()
			if err := h.proc.Stop(ctx, grace); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to stop process %q: %w", h.Name(), err)
				}
				errMu.Unlock()
			}
			h.transition(HealthDead)
		}(h)
	}
	wg.Wait()
	s.wg.Wait()

	return firstErr
}
