package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the control bus.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new control-bus client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: paddock instance identifier (must be a valid name)
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if err := ValidateInstanceName(instanceName); err != nil {
		return nil, err
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishAction publishes an action message on the instance's action channel.
// The send is fire-and-forget: it does not wait for a response.
func (c *Client) PublishAction(ctx context.Context, msg ActionMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	if err := c.rdb.Publish(ctx, ActionChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish action: %w", err)
	}
	return nil
}

// PublishObservation publishes an observation on the instance's observation
// channel. Called from the controller side of the bus.
func (c *Client) PublishObservation(ctx context.Context, obs Observation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}
	if err := c.rdb.Publish(ctx, ObservationChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish observation: %w", err)
	}
	return nil
}

// PublishHeartbeat publishes a process heartbeat. The first heartbeat after
// launch is the process's readiness signal.
func (c *Client) PublishHeartbeat(ctx context.Context, hb Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	if err := c.rdb.Publish(ctx, HeartbeatChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription delivering decoded
// messages of type T. Caller must call Close() when done to clean up
// resources.
type Subscription[T any] struct {
	events <-chan T
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded messages.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (s *Subscription[T]) Events() <-chan T {
	return s.events
}

// Errors returns the channel of subscription errors. Errors include JSON
// unmarshaling failures; the subscription continues after errors - messages
// are skipped.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription[T]) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// subscribe subscribes to a channel and decodes each payload into T.
// Events are delivered on a buffered channel (size 16) to keep a slow
// consumer from blocking the receive loop; Redis Pub/Sub is at-most-once, so
// a consistently slow consumer drops messages upstream regardless.
func subscribe[T any](ctx context.Context, rdb *redis.Client, channel string) *Subscription[T] {
	pubsub := rdb.Subscribe(ctx, channel)

	eventsChan := make(chan T, 16)
	errorsChan := make(chan error, 16)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var decoded T
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal message on %s: %w", channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- decoded:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription[T]{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}
}

// SubscribeActions subscribes to the instance's action channel.
// Used by controller processes to receive the next action to apply.
func (c *Client) SubscribeActions(ctx context.Context) (*Subscription[ActionMessage], error) {
	return subscribe[ActionMessage](ctx, c.rdb, ActionChannel(c.instanceName)), nil
}

// SubscribeObservations subscribes to the instance's observation channel.
// Used by the training side; normally consumed through a Binding.
func (c *Client) SubscribeObservations(ctx context.Context) (*Subscription[Observation], error) {
	return subscribe[Observation](ctx, c.rdb, ObservationChannel(c.instanceName)), nil
}

// SubscribeHeartbeats subscribes to the instance's heartbeat channel.
// Used by the process supervisor's health monitor.
func (c *Client) SubscribeHeartbeats(ctx context.Context) (*Subscription[Heartbeat], error) {
	return subscribe[Heartbeat](ctx, c.rdb, HeartbeatChannel(c.instanceName)), nil
}

// InstanceRecord is the discovery record mirrored to Redis for one running
// instance. It exists so `paddock list` can see instances owned by other
// processes; the in-memory registry remains the sole lifecycle authority.
type InstanceRecord struct {
	Name        string
	State       string
	Processes   int
	CreatedAtMs int64
}

// WriteInstanceRecord writes (or overwrites) this instance's discovery
// record.
func (c *Client) WriteInstanceRecord(ctx context.Context, rec InstanceRecord) error {
	key := InstanceKey(c.instanceName)
	err := c.rdb.HSet(ctx, key, map[string]interface{}{
		"name":          rec.Name,
		"state":         rec.State,
		"processes":     rec.Processes,
		"created_at_ms": rec.CreatedAtMs,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to write instance record: %w", err)
	}
	return nil
}

// UpdateInstanceState updates only the lifecycle state field of the record.
func (c *Client) UpdateInstanceState(ctx context.Context, state string) error {
	if err := c.rdb.HSet(ctx, InstanceKey(c.instanceName), "state", state).Err(); err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	return nil
}

// ReadInstanceRecord retrieves this instance's discovery record.
// Returns redis.Nil (check with IsNotFound) if the record does not exist.
func (c *Client) ReadInstanceRecord(ctx context.Context) (InstanceRecord, error) {
	return readRecord(ctx, c.rdb, InstanceKey(c.instanceName))
}

// DeleteInstanceRecord removes this instance's discovery record.
// Deleting a missing record is a no-op.
func (c *Client) DeleteInstanceRecord(ctx context.Context) error {
	if err := c.rdb.Del(ctx, InstanceKey(c.instanceName)).Err(); err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}
	return nil
}

// ListInstanceRecords scans for the discovery records of every instance on
// this Redis server, across all namespaces.
func (c *Client) ListInstanceRecords(ctx context.Context) ([]InstanceRecord, error) {
	var records []InstanceRecord
	iter := c.rdb.Scan(ctx, 0, InstanceKeyPattern(), 0).Iterator()
	for iter.Next(ctx) {
		rec, err := readRecord(ctx, c.rdb, iter.Val())
		if err != nil {
			if IsNotFound(err) {
				continue // record deleted between scan and read
			}
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan instance records: %w", err)
	}
	return records, nil
}

func readRecord(ctx context.Context, rdb *redis.Client, key string) (InstanceRecord, error) {
	data, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("failed to read instance record: %w", err)
	}
	if len(data) == 0 {
		return InstanceRecord{}, redis.Nil
	}
	rec := InstanceRecord{
		Name:  data["name"],
		State: data["state"],
	}
	rec.Processes, _ = strconv.Atoi(data["processes"])
	rec.CreatedAtMs, _ = strconv.ParseInt(data["created_at_ms"], 10, 64)
	return rec, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
