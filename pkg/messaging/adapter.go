package messaging

import (
	"context"
	"errors"

	"github.com/jwalitptl/consent-api/pkg/logger"
)

// ChannelPublisher publishes every event type on one broker channel, wrapped in a Message
// so subscribers can dispatch on Type.
type ChannelPublisher struct {
	broker  Broker
	channel string
}

func NewChannelPublisher(broker Broker, channel string) *ChannelPublisher {
	return &ChannelPublisher{broker: broker, channel: channel}
}

func (p *ChannelPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	return p.broker.Publish(ctx, p.channel, Message{
		Type:    eventType,
		Payload: payload,
	})
}

func (p *ChannelPublisher) Close() error {
	return p.broker.Close()
}

// LogPublisher stands in for a broker when none is configured. Events are logged and
// dropped.
type LogPublisher struct {
	logger *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	p.logger.Debug("event published without broker", "event_type", eventType)
	return nil
}
