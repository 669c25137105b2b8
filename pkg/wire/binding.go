package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBindingClosed indicates the binding was closed while (or before) an
	// operation was in progress.
	ErrBindingClosed = errors.New("channel binding closed")

	// ErrActionInFlight indicates SendAction was called while a previous
	// action was still awaiting acknowledgement.
	ErrActionInFlight = errors.New("action still awaiting acknowledgement")
)

// Binding is the training-side end of the duplex data path for one
// environment instance: schema-checked actions out, sequence-ordered
// observations in.
//
// A background receiver maintains a latest-observation slot; readers always
// see a complete observation because the slot is replaced wholesale under the
// mutex (single-writer, copy-on-read). Observations older than the newest one
// seen are discarded, so ReceiveObservation never goes backwards.
//
// The binding enforces at-most-one in-flight unacknowledged action: a second
// SendAction before the matching ReceiveObservation returns an error.
type Binding struct {
	client *Client
	schema ActionSchema

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once

	sendMu   sync.Mutex
	outSeq   uint64
	inflight bool

	mu           sync.Mutex
	latest       Observation
	latestAt     time.Time
	haveLatest   bool
	lastConsumed uint64
	notify       chan struct{}
}

// NewBinding creates a binding over the given client and starts the
// background observation receiver. Caller must call Close() when done.
func NewBinding(ctx context.Context, client *Client, schema ActionSchema) (*Binding, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	recvCtx, cancel := context.WithCancel(ctx)
	sub, err := client.SubscribeObservations(recvCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	b := &Binding{
		client: client,
		schema: schema,
		cancel: cancel,
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}

	go b.receive(recvCtx, sub)

	return b, nil
}

// receive is the single writer of the latest-observation slot.
func (b *Binding) receive(ctx context.Context, sub *Subscription[Observation]) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-sub.Events():
			if !ok {
				return
			}

			b.mu.Lock()
			if b.haveLatest && obs.Seq <= b.latest.Seq {
				// Stale or duplicate delivery; the ordering guarantee
				// requires dropping it.
				b.mu.Unlock()
				continue
			}
			b.latest = obs
			b.latestAt = time.Now()
			b.haveLatest = true
			b.mu.Unlock()

			select {
			case b.notify <- struct{}{}:
			default:
			}
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			// Malformed payloads are skipped; the step protocol surfaces
			// the gap as an observation timeout.
			_ = err
		}
	}
}

// SendAction validates the action against the schema, stamps it with the
// next outbound sequence number, and publishes it. Non-blocking from the
// caller's perspective: the send does not wait for a response.
//
// The distinguished reset action (reset=true) carries no action vector and
// bypasses the schema check.
func (b *Binding) SendAction(ctx context.Context, values []float64, reset bool) (ActionMessage, error) {
	select {
	case <-b.closed:
		return ActionMessage{}, ErrBindingClosed
	default:
	}

	if !reset {
		if err := b.schema.Check(values); err != nil {
			return ActionMessage{}, err
		}
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if b.inflight {
		return ActionMessage{}, fmt.Errorf("action %d: %w", b.outSeq, ErrActionInFlight)
	}

	b.outSeq++
	msg := ActionMessage{
		ID:       uuid.New().String(),
		Seq:      b.outSeq,
		Values:   values,
		Reset:    reset,
		SentAtMs: time.Now().UnixMilli(),
	}
	if reset {
		msg.Values = nil
	}

	if err := b.client.PublishAction(ctx, msg); err != nil {
		b.outSeq--
		return ActionMessage{}, err
	}

	b.inflight = true
	return msg, nil
}

// ReceiveObservation blocks until an observation newer than the last
// consumed one is available, up to timeout. Returns the observation and its
// freshness timestamp (when the receiver took delivery of it).
//
// Fails with ErrObservationTimeout if nothing fresh arrives in time, with
// the context error if ctx is cancelled, or with ErrBindingClosed if the
// binding is closed mid-wait. Any return acknowledges the in-flight action.
func (b *Binding) ReceiveObservation(ctx context.Context, timeout time.Duration) (Observation, time.Time, error) {
	defer b.ack()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.haveLatest && b.latest.Seq > b.lastConsumed {
			obs := b.latest
			at := b.latestAt
			b.lastConsumed = obs.Seq
			b.mu.Unlock()
			return obs, at, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-timer.C:
			return Observation{}, time.Time{}, fmt.Errorf("%w after %v", ErrObservationTimeout, timeout)
		case <-ctx.Done():
			return Observation{}, time.Time{}, ctx.Err()
		case <-b.closed:
			return Observation{}, time.Time{}, ErrBindingClosed
		}
	}
}

func (b *Binding) ack() {
	b.sendMu.Lock()
	b.inflight = false
	b.sendMu.Unlock()
}

// AbandonAction clears the in-flight action without consuming its
// observation. Used when a caller aborts between SendAction and
// ReceiveObservation (cancellation mid-settle); the action may still reach
// the controller, and its late response is handled by the ordinary sequence
// ordering on the next receive. Safe to call with nothing in flight.
func (b *Binding) AbandonAction() {
	b.ack()
}

// LastConsumedSeq returns the sequence number of the most recently returned
// observation.
func (b *Binding) LastConsumedSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConsumed
}

// Close stops the background receiver and unblocks any in-flight
// ReceiveObservation. Safe to call multiple times.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.cancel()
	})
	return nil
}
