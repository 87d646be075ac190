package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/washline/apiserver/config"
)

// ErrNoBus is returned when an operation needs a bus and none is configured.
var ErrNoBus = errors.New("no event bus configured")

// Message is a broker-agnostic delivery.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a delivery. Returning an error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Bus is a publish/subscribe transport for security events.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// NewBus builds the bus selected by cfg.Events.Backend. It returns a nil
// Bus when publishing is disabled.
func NewBus(ctx context.Context, cfg config.Config) (Bus, error) {
	switch cfg.Events.Backend {
	case "", config.EventsBackendNone:
		return nil, nil
	case config.EventsBackendRabbitMQ:
		return NewRabbitMQBus(cfg.RabbitMQ)
	case config.EventsBackendPubSub:
		return NewPubSubBus(ctx, cfg.PubSub, cfg.Events.Channel)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}
