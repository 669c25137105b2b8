//go:build integration

package wire

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return addr, cleanup
}

// TestBindingRoundTrip_RealRedis drives an action/observation cycle through a
// real Redis server, with an in-process controller echoing each action's
// sequence number.
func TestBindingRoundTrip_RealRedis(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trainSide, err := NewClient(&redis.Options{Addr: addr}, "integration")
	require.NoError(t, err)
	defer trainSide.Close()

	ctrlSide, err := NewClient(&redis.Options{Addr: addr}, "integration")
	require.NoError(t, err)
	defer ctrlSide.Close()

	binding, err := NewBinding(ctx, trainSide, ActionSchema{Dim: 2})
	require.NoError(t, err)
	defer binding.Close()

	// Controller: echo each action back as an observation with the same
	// sequence number.
	actions, err := ctrlSide.SubscribeActions(ctx)
	require.NoError(t, err)
	defer actions.Close()

	go func() {
		for msg := range actions.Events() {
			obs := Observation{
				Seq:           msg.Seq,
				Values:        msg.Values,
				ResetComplete: msg.Reset,
				CapturedAtMs:  time.Now().UnixMilli(),
			}
			if err := ctrlSide.PublishObservation(ctx, obs); err != nil {
				return
			}
		}
	}()

	// Let both subscriptions establish.
	time.Sleep(500 * time.Millisecond)

	for i := 0; i < 10; i++ {
		action := []float64{float64(i), -float64(i)}
		msg, err := binding.SendAction(ctx, action, false)
		require.NoError(t, err)

		obs, _, err := binding.ReceiveObservation(ctx, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, msg.Seq, obs.Seq)
		assert.Equal(t, action, obs.Values)
	}

	assert.Equal(t, uint64(10), binding.LastConsumedSeq())
}

// TestInstanceRecords_RealRedis verifies discovery record round trips and
// cross-namespace listing against a real server.
func TestInstanceRecords_RealRedis(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, name := range []string{"rig-a", "rig-b"} {
		client, err := NewClient(&redis.Options{Addr: addr}, name)
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.WriteInstanceRecord(ctx, InstanceRecord{
			Name:        name,
			State:       "ready",
			Processes:   1,
			CreatedAtMs: time.Now().UnixMilli(),
		}))
	}

	probe, err := NewClient(&redis.Options{Addr: addr}, "probe")
	require.NoError(t, err)
	defer probe.Close()

	records, err := probe.ListInstanceRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
