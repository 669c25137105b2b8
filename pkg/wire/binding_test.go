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

func setupTestBinding(t *testing.T, schema ActionSchema) (*Binding, *Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	binding, err := NewBinding(context.Background(), client, schema)
	require.NoError(t, err)
	t.Cleanup(func() { binding.Close() })

	// Give the background receiver a moment to establish its subscription.
	time.Sleep(50 * time.Millisecond)

	return binding, client, mr
}

func TestNewBinding(t *testing.T) {
	t.Run("rejects invalid schema", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		defer mr.Close()

		client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
		require.NoError(t, err)
		defer client.Close()

		_, err = NewBinding(context.Background(), client, ActionSchema{Dim: 0})
		assert.Error(t, err)
	})
}

func TestSendAction(t *testing.T) {
	ctx := context.Background()
	schema := ActionSchema{Dim: 2, Low: []float64{-1, -1}, High: []float64{1, 1}}

	t.Run("stamps monotonic sequence numbers", func(t *testing.T) {
		binding, client, _ := setupTestBinding(t, schema)

		sub, err := client.SubscribeActions(ctx)
		require.NoError(t, err)
		defer sub.Close()
		time.Sleep(50 * time.Millisecond)

		msg1, err := binding.SendAction(ctx, []float64{0.1, 0.2}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), msg1.Seq)
		assert.NotEmpty(t, msg1.ID)

		// Acknowledge before the next send.
		require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 1}))
		_, _, err = binding.ReceiveObservation(ctx, time.Second)
		require.NoError(t, err)

		msg2, err := binding.SendAction(ctx, []float64{0.3, 0.4}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), msg2.Seq)
		assert.NotEqual(t, msg1.ID, msg2.ID)
	})

	t.Run("rejects schema violations", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		_, err := binding.SendAction(ctx, []float64{5, 0}, false)
		assert.ErrorIs(t, err, ErrSchemaViolation)

		_, err = binding.SendAction(ctx, []float64{0.1}, false)
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})

	t.Run("rejects second in-flight action", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		_, err := binding.SendAction(ctx, []float64{0.1, 0.2}, false)
		require.NoError(t, err)

		_, err = binding.SendAction(ctx, []float64{0.3, 0.4}, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrActionInFlight)
	})

	t.Run("abandoning the in-flight action frees the slot", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		_, err := binding.SendAction(ctx, []float64{0.1, 0.2}, false)
		require.NoError(t, err)

		binding.AbandonAction()

		msg, err := binding.SendAction(ctx, []float64{0.3, 0.4}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), msg.Seq)
	})

	t.Run("abandon with nothing in flight is safe", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)
		binding.AbandonAction()

		_, err := binding.SendAction(ctx, []float64{0.1, 0.2}, false)
		assert.NoError(t, err)
	})

	t.Run("reset bypasses schema and carries no values", func(t *testing.T) {
		binding, client, _ := setupTestBinding(t, schema)

		sub, err := client.SubscribeActions(ctx)
		require.NoError(t, err)
		defer sub.Close()
		time.Sleep(50 * time.Millisecond)

		msg, err := binding.SendAction(ctx, nil, true)
		require.NoError(t, err)
		assert.True(t, msg.Reset)
		assert.Nil(t, msg.Values)
	})

	t.Run("fails after close", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)
		binding.Close()

		_, err := binding.SendAction(ctx, []float64{0.1, 0.2}, false)
		assert.ErrorIs(t, err, ErrBindingClosed)
	})
}

func TestReceiveObservation(t *testing.T) {
	ctx := context.Background()
	schema := ActionSchema{Dim: 2}

	t.Run("returns newest observation", func(t *testing.T) {
		binding, client, _ := setupTestBinding(t, schema)

		require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 1, Values: []float64{1}}))

		obs, at, err := binding.ReceiveObservation(ctx, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), obs.Seq)
		assert.False(t, at.IsZero())
	})

	t.Run("never goes backwards", func(t *testing.T) {
		binding, client, _ := setupTestBinding(t, schema)

		require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 5}))

		obs, _, err := binding.ReceiveObservation(ctx, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), obs.Seq)

		// An older observation arriving late must be discarded.
		require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 3}))
		time.Sleep(100 * time.Millisecond)

		_, _, err = binding.ReceiveObservation(ctx, 200*time.Millisecond)
		assert.ErrorIs(t, err, ErrObservationTimeout)
		assert.Equal(t, uint64(5), binding.LastConsumedSeq())
	})

	t.Run("same observation is not delivered twice", func(t *testing.T) {
		binding, client, _ := setupTestBinding(t, schema)

		require.NoError(t, client.PublishObservation(ctx, Observation{Seq: 1}))

		_, _, err := binding.ReceiveObservation(ctx, 2*time.Second)
		require.NoError(t, err)

		_, _, err = binding.ReceiveObservation(ctx, 200*time.Millisecond)
		assert.ErrorIs(t, err, ErrObservationTimeout)
	})

	t.Run("times out when nothing arrives", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		start := time.Now()
		_, _, err := binding.ReceiveObservation(ctx, 150*time.Millisecond)
		assert.ErrorIs(t, err, ErrObservationTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("timeout acknowledges the in-flight action", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		_, err := binding.SendAction(ctx, []float64{0, 0}, false)
		require.NoError(t, err)

		_, _, err = binding.ReceiveObservation(ctx, 100*time.Millisecond)
		assert.ErrorIs(t, err, ErrObservationTimeout)

		// A fresh send is allowed again after the failed receive.
		_, err = binding.SendAction(ctx, []float64{0, 0}, false)
		assert.NoError(t, err)
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, _, err := binding.ReceiveObservation(cctx, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("close unblocks a waiting receive", func(t *testing.T) {
		binding, _, _ := setupTestBinding(t, schema)

		errCh := make(chan error, 1)
		go func() {
			_, _, err := binding.ReceiveObservation(ctx, 5*time.Second)
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		binding.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrBindingClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("receive did not unblock on close")
		}
	})
}

func TestBindingCloseIdempotent(t *testing.T) {
	binding, _, _ := setupTestBinding(t, ActionSchema{Dim: 1})
	assert.NoError(t, binding.Close())
	assert.NoError(t, binding.Close())
}
