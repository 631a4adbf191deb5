package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-agentbus/pkg/config"
)

// NewBroker builds the message broker selected by the settings.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
