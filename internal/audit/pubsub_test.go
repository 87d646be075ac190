package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const testChannel = "washline.security"

func newFakePubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "washline-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func countTopics(t *testing.T, client *pubsub.Client) int {
	t.Helper()
	n := 0
	it := client.Topics(context.Background())
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func countSubscriptions(t *testing.T, client *pubsub.Client) int {
	t.Helper()
	n := 0
	it := client.Subscriptions(context.Background())
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestPubSubBusResolvesTopicOnce(t *testing.T) {
	srv, client := newFakePubSub(t)
	ctx := context.Background()

	bus, err := newPubSubBus(ctx, client, testChannel, "-sub")
	require.NoError(t, err)
	defer bus.Close()

	for i := 0; i < 2; i++ {
		id, err := bus.Publish(ctx, testChannel, []byte(`{"kind":"login_failed"}`), map[string]string{"kind": "login_failed"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	assert.Len(t, srv.Messages(), 2)
	assert.Equal(t, 1, countTopics(t, client))

	// A second replica finds the existing topic.
	again, err := newPubSubBus(ctx, client, testChannel, "-sub")
	require.NoError(t, err)
	again.topic.Stop()
	assert.Equal(t, 1, countTopics(t, client))
}

func TestPubSubBusRejectsOtherChannels(t *testing.T) {
	_, client := newFakePubSub(t)
	ctx := context.Background()

	bus, err := newPubSubBus(ctx, client, testChannel, "-sub")
	require.NoError(t, err)
	defer bus.Close()

	_, err = bus.Publish(ctx, "other.channel", []byte("{}"), nil)
	assert.Error(t, err)
	assert.Error(t, bus.Subscribe(ctx, "other.channel", func(context.Context, Message) error { return nil }))

	_, err = newPubSubBus(ctx, client, " ", "-sub")
	assert.Error(t, err)
}

func TestPubSubBusTailsUsePrivateSubscriptions(t *testing.T) {
	_, client := newFakePubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := newPubSubBus(context.Background(), client, testChannel, "-sub")
	require.NoError(t, err)
	defer bus.Close()

	const tails = 2
	received := make(chan Message, tails)
	results := make(chan error, tails)
	var wg sync.WaitGroup
	for i := 0; i < tails; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- bus.Subscribe(ctx, testChannel, func(_ context.Context, msg Message) error {
				received <- msg
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		return countSubscriptions(t, client) == tails
	}, 5*time.Second, 20*time.Millisecond)

	_, err = bus.Publish(context.Background(), testChannel, []byte(`{"kind":"role_drift"}`), map[string]string{"kind": "role_drift"})
	require.NoError(t, err)

	for i := 0; i < tails; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, `{"kind":"role_drift"}`, string(msg.Data))
			assert.Equal(t, "role_drift", msg.Attributes["kind"])
		case <-time.After(5 * time.Second):
			t.Fatalf("tail %d did not receive the event", i)
		}
	}

	cancel()
	wg.Wait()
	close(results)
	for err := range results {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 0, countSubscriptions(t, client))
}
