package wire

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})

	t.Run("rejects invalid instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "Bad_Name")
		assert.Error(t, err)
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPublishSubscribeActions(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeActions(ctx)
	require.NoError(t, err)
	defer sub.Close()

	msg := ActionMessage{
		ID:       "msg-1",
		Seq:      7,
		Values:   []float64{0.5, -0.5},
		SentAtMs: time.Now().UnixMilli(),
	}
	require.NoError(t, client.PublishAction(ctx, msg))

	select {
	case got := <-sub.Events():
		assert.Equal(t, msg.Seq, got.Seq)
		assert.Equal(t, msg.Values, got.Values)
		assert.False(t, got.Reset)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action")
	}
}

func TestPublishSubscribeObservations(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeObservations(ctx)
	require.NoError(t, err)
	defer sub.Close()

	obs := Observation{
		Seq:          3,
		Values:       []float64{1.0, 2.0, 3.0},
		CapturedAtMs: time.Now().UnixMilli(),
	}
	require.NoError(t, client.PublishObservation(ctx, obs))

	select {
	case got := <-sub.Events():
		assert.Equal(t, obs.Seq, got.Seq)
		assert.Equal(t, obs.Values, got.Values)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observation")
	}
}

func TestPublishSubscribeHeartbeats(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeHeartbeats(ctx)
	require.NoError(t, err)
	defer sub.Close()

	hb := Heartbeat{Process: "driver", SentAtMs: time.Now().UnixMilli()}
	require.NoError(t, client.PublishHeartbeat(ctx, hb))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "driver", got.Process)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestSubscriptionSkipsMalformedPayloads(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeObservations(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// miniredis only delivers to subscribers it has already registered;
	// retry the publish until it reports a receiver so the malformed
	// payload is not lost to the subscribe race.
	require.Eventually(t, func() bool {
		return mr.Publish(ObservationChannel("test-instance"), "not json") > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 1}))

	// The malformed payload surfaces on Errors(); the valid one still
	// arrives on Events().
	gotErr := false
	for {
		select {
		case <-sub.Errors():
			gotErr = true
		case got := <-sub.Events():
			assert.Equal(t, uint64(1), got.Seq)
			// The error is enqueued before the event, but on a separate
			// channel; drain it here in case select picked the event first.
			select {
			case <-sub.Errors():
				gotErr = true
			default:
			}
			assert.True(t, gotErr)
			return
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for observation after malformed payload")
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	client, _ := setupTestClient(t)

	sub, err := client.SubscribeActions(context.Background())
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close()) // safe to call twice
}

func TestInstanceRecords(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("read missing record returns not found", func(t *testing.T) {
		_, err := client.ReadInstanceRecord(ctx)
		assert.True(t, IsNotFound(err))
	})

	t.Run("write then read round trips", func(t *testing.T) {
		rec := InstanceRecord{
			Name:        "test-instance",
			State:       "ready",
			Processes:   2,
			CreatedAtMs: 1700000000000,
		}
		require.NoError(t, client.WriteInstanceRecord(ctx, rec))

		got, err := client.ReadInstanceRecord(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("update state changes only state", func(t *testing.T) {
		require.NoError(t, client.UpdateInstanceState(ctx, "degraded"))

		got, err := client.ReadInstanceRecord(ctx)
		require.NoError(t, err)
		assert.Equal(t, "degraded", got.State)
		assert.Equal(t, 2, got.Processes)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, client.DeleteInstanceRecord(ctx))
		require.NoError(t, client.DeleteInstanceRecord(ctx))

		_, err := client.ReadInstanceRecord(ctx)
		assert.True(t, IsNotFound(err))
	})
}

func TestListInstanceRecords(t *testing.T) {
	_, mr := setupTestClient(t)
	ctx := context.Background()

	names := []string{"arm-left", "arm-right", "reacher"}
	for _, name := range names {
		c, err := NewClient(&redis.Options{Addr: mr.Addr()}, name)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		require.NoError(t, c.WriteInstanceRecord(ctx, InstanceRecord{
			Name:      name,
			State:     "ready",
			Processes: 1,
		}))
	}

	probe, err := NewClient(&redis.Options{Addr: mr.Addr()}, "probe")
	require.NoError(t, err)
	defer probe.Close()

	records, err := probe.ListInstanceRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.Name] = true
	}
	for _, name := range names {
		assert.True(t, seen[name], "missing record for %s", name)
	}
}
