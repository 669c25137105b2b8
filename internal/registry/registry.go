// Package registry maps environment identifiers to their running instances.
// It is the sole authority for identifier lookup and the owner of every
// instance's lifecycle: unregistered → launching → ready → (degraded ↔
// ready) → closing → closed.
//
// Distinct identifiers can be created and destroyed concurrently without
// interference; operations on the same identifier are serialized. Each
// instance mirrors a discovery record to Redis so other processes can list
// it, but the in-memory registry remains the single source of truth.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/paddock/internal/supervisor"
	"github.com/dyluth/paddock/pkg/wire"
)

var (
	// ErrDuplicateIdentifier indicates the identifier is already registered.
	ErrDuplicateIdentifier = errors.New("environment identifier already registered")

	// ErrUnknownIdentifier indicates the identifier is not registered or is
	// already closed.
	ErrUnknownIdentifier = errors.New("unknown environment identifier")
)

// State is the lifecycle state of an environment instance.
type State string

const (
	StateLaunching State = "launching"
	StateReady     State = "ready"
	StateDegraded  State = "degraded"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
)

// Instance is the runtime state of one registered environment: its spec, its
// supervised processes, its channel binding, and its lifecycle state.
type Instance struct {
	Spec      wire.EnvironmentSpec
	CreatedAt time.Time

	client  *wire.Client
	sup     *supervisor.Supervisor
	binding *wire.Binding

	mu    sync.Mutex
	state State

	// done is closed when the instance begins closing; it unblocks any
	// in-flight step or reset promptly.
	done chan struct{}

	// opMu serializes create/destroy work on this identifier.
	opMu sync.Mutex

	wg sync.WaitGroup
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Ready reports whether the instance may accept a step: either fully ready,
// or degraded by a transient observation timeout while every process handle
// is still healthy (the documented retry path). A dead or silent process
// keeps the instance unsteppable.
func (in *Instance) Ready() bool {
	switch in.State() {
	case StateReady:
		return true
	case StateDegraded:
		return in.sup.Ready()
	default:
		return false
	}
}

// Recover promotes a degraded instance back to ready once its handles are
// healthy again. Called by the step protocol after a successful observation.
func (in *Instance) Recover() {
	in.promote()
}

// Degrade forces the instance to degraded with a reason, unless it is
// already closing or closed. Used by the step protocol on observation
// timeouts and by the health monitor on process failures.
func (in *Instance) Degrade(reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != StateReady {
		return
	}
	in.state = StateDegraded
	log.Printf("[WARN] Instance '%s' degraded: %s", in.Spec.ID, reason)
	in.writeStateLocked()
}

// promote returns the instance to ready, only from degraded and only when
// every process handle is ready again.
func (in *Instance) promote() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != StateDegraded || !in.sup.Ready() {
		return
	}
	in.state = StateReady
	log.Printf("[INFO] Instance '%s' recovered to ready", in.Spec.ID)
	in.writeStateLocked()
}

// Binding returns the instance's channel binding.
func (in *Instance) Binding() *wire.Binding {
	return in.binding
}

// Done is closed when the instance begins closing. Blocking operations
// select on it so close() interrupts them promptly.
func (in *Instance) Done() <-chan struct{} {
	return in.done
}

// ProcessStates returns the health of every owned process handle.
func (in *Instance) ProcessStates() map[string]supervisor.HealthState {
	return in.sup.States()
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = s
	in.writeStateLocked()
}

// writeStateLocked mirrors the state to the Redis discovery record,
// best-effort. Callers hold in.mu.
func (in *Instance) writeStateLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := in.client.UpdateInstanceState(ctx, string(in.state)); err != nil {
		log.Printf("[WARN] Failed to mirror state for instance '%s': %v", in.Spec.ID, err)
	}
}

// watchHealth consumes the supervisor's health events and keeps the
// instance's lifecycle state consistent with its process handles: a dead or
// degraded handle forces degraded, recovery of every handle restores ready.
func (in *Instance) watchHealth() {
	defer in.wg.Done()
	for {
		select {
		case <-in.done:
			return
		case ev, ok := <-in.sup.Events():
			if !ok {
				return
			}
			switch ev.State {
			case supervisor.HealthDead, supervisor.HealthDegraded:
				in.Degrade(fmt.Sprintf("process %s: %s", ev.Process, ev.Reason))
			case supervisor.HealthReady:
				in.promote()
			}
		}
	}
}

// Registry is the process-wide environment table. Create one with New,
// tear it down with Close.
type Registry struct {
	redisOpts *redis.Options
	launcher  supervisor.Launcher

	mu        sync.Mutex
	instances map[string]*Instance
}

// New creates an empty registry. Instances launched through it use the given
// Redis options for their control bus and the given launcher for their
// processes.
func New(redisOpts *redis.Options, launcher supervisor.Launcher) *Registry {
	return &Registry{
		redisOpts: redisOpts,
		launcher:  launcher,
		instances: make(map[string]*Instance),
	}
}

// Create registers the identifier, launches the spec's processes, and binds
// the control channels. Fails with ErrDuplicateIdentifier if the identifier
// is already registered, or with the supervisor's launch error (wrapping
// supervisor.ErrLaunchTimeout on readiness timeout) after full rollback.
func (r *Registry) Create(ctx context.Context, spec wire.EnvironmentSpec) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	in := &Instance{
		Spec:      spec,
		CreatedAt: time.Now(),
		state:     StateLaunching,
		done:      make(chan struct{}),
	}

	// Reserve the identifier first so concurrent creates of the same name
	// fail fast; the launch itself happens outside the registry lock so
	// distinct identifiers launch concurrently.
	r.mu.Lock()
	if _, exists := r.instances[spec.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateIdentifier, spec.ID)
	}
	r.instances[spec.ID] = in
	r.mu.Unlock()

	in.opMu.Lock()
	defer in.opMu.Unlock()

	if err := r.launch(ctx, in); err != nil {
		in.setStateClosedLocal()
		r.mu.Lock()
		delete(r.instances, spec.ID)
		r.mu.Unlock()
		return nil, err
	}

	return in, nil
}

// launch wires up the client, supervisor and binding for an instance.
func (r *Registry) launch(ctx context.Context, in *Instance) error {
	client, err := wire.NewClient(r.redisOpts, in.Spec.ID)
	if err != nil {
		return err
	}
	in.client = client

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("control bus not reachable: %w", err)
	}

	rec := wire.InstanceRecord{
		Name:        in.Spec.ID,
		State:       string(StateLaunching),
		Processes:   len(in.Spec.Processes),
		CreatedAtMs: in.CreatedAt.UnixMilli(),
	}
	if err := client.WriteInstanceRecord(ctx, rec); err != nil {
		client.Close()
		return err
	}

	// Bind channels before launching so the first observation cannot be
	// missed.
	binding, err := wire.NewBinding(ctx, client, in.Spec.ActionSchema)
	if err != nil {
		client.DeleteInstanceRecord(ctx)
		client.Close()
		return err
	}
	in.binding = binding

	in.sup = supervisor.New(client, r.launcher)
	if err := in.sup.Launch(ctx, in.Spec); err != nil {
		binding.Close()
		client.DeleteInstanceRecord(ctx)
		client.Close()
		return err
	}

	in.setState(StateReady)
	log.Printf("[INFO] Instance '%s' ready (%d processes)", in.Spec.ID, len(in.Spec.Processes))

	in.wg.Add(1)
	go in.watchHealth()

	return nil
}

// setStateClosedLocal marks a failed instance closed without touching Redis
// (its record, if any, was already cleaned up).
func (in *Instance) setStateClosedLocal() {
	in.mu.Lock()
	in.state = StateClosed
	in.mu.Unlock()
	close(in.done)
}

// Get looks up a registered instance. Fails with ErrUnknownIdentifier if the
// identifier is absent or already closed.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	in, ok := r.instances[id]
	r.mu.Unlock()
	if !ok || in.State() == StateClosed {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	return in, nil
}

// Destroy terminates an instance's processes and bindings and removes it
// from the registry. Idempotent: destroying an unknown or already-closed
// identifier is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	in.opMu.Lock()
	defer in.opMu.Unlock()

	if in.State() == StateClosed {
		return nil
	}

	in.setState(StateClosing)
	close(in.done) // interrupt in-flight step/reset promptly

	var firstErr error
	if err := in.sup.Terminate(ctx); err != nil {
		firstErr = err
	}
	in.binding.Close()
	in.wg.Wait()

	if err := in.client.DeleteInstanceRecord(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	in.mu.Lock()
	in.state = StateClosed
	in.mu.Unlock()
	in.client.Close()

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()

	log.Printf("[INFO] Instance '%s' closed", id)
	return firstErr
}

// Close destroys every registered instance. Used at runtime teardown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
