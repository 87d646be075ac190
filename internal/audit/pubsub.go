package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/washline/apiserver/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// tailSubscriptionTTL lets Pub/Sub reap a tail subscription whose process
// died before it could delete it. One day is the service minimum.
const tailSubscriptionTTL = 24 * time.Hour

const subscriptionCleanupTimeout = 10 * time.Second

// PubSubBus publishes security events to one Google Cloud Pub/Sub topic.
// The topic is resolved once and reused; every tail gets its own
// short-lived subscription so concurrent tails each see every event.
type PubSubBus struct {
	client             *pubsub.Client
	topic              *pubsub.Topic
	subscriptionSuffix string
}

// NewPubSubBus connects to Pub/Sub using cfg and makes sure the topic for
// channel exists.
func NewPubSubBus(ctx context.Context, cfg config.PubSubConfig, channel string) (*PubSubBus, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	bus, err := newPubSubBus(ctx, client, channel, cfg.SubscriptionSuffix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return bus, nil
}

func newPubSubBus(ctx context.Context, client *pubsub.Client, channel, suffix string) (*PubSubBus, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("pubsub channel is required")
	}

	topic := client.Topic(channel)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up pubsub topic %q: %w", channel, err)
	}
	if !exists {
		created, err := client.CreateTopic(ctx, channel)
		switch {
		case err == nil:
			topic = created
		case status.Code(err) == codes.AlreadyExists:
			// Another replica won the race; the handle above is still good.
		default:
			return nil, fmt.Errorf("create pubsub topic %q: %w", channel, err)
		}
	}

	return &PubSubBus{
		client:             client,
		topic:              topic,
		subscriptionSuffix: suffix,
	}, nil
}

// Publish sends data to the bus topic and waits for the server id.
func (b *PubSubBus) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if err := b.checkChannel(channel); err != nil {
		return "", err
	}
	result := b.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return result.Get(ctx)
}

// Subscribe creates a private subscription on the bus topic, receives from
// it until ctx is done and then deletes it.
func (b *PubSubBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if err := b.checkChannel(channel); err != nil {
		return err
	}

	id := channel + b.subscriptionSuffix + "-" + uuid.NewString()
	sub, err := b.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:            b.topic,
		ExpirationPolicy: tailSubscriptionTTL,
	})
	if err != nil {
		return fmt.Errorf("create pubsub subscription: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), subscriptionCleanupTimeout)
		defer cancel()
		_ = sub.Delete(cleanupCtx)
	}()

	sub.ReceiveSettings.NumGoroutines = 1
	err = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := Message{ID: m.ID, Data: m.Data, Attributes: m.Attributes}
		if err := handler(ctx, msg); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Close flushes pending publishes and closes the client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	return b.client.Close()
}

func (b *PubSubBus) checkChannel(channel string) error {
	if channel != b.topic.ID() {
		return fmt.Errorf("pubsub bus serves channel %q, not %q", b.topic.ID(), channel)
	}
	return nil
}
