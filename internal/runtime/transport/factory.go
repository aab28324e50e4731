// Package transport builds the Watermill publisher and subscriber pair the
// service consumes from and dispatches to.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/behaviorflow/internal/runtime/config"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Start, when set, is called once the router has subscribed every
	// consumer handler. Transports that serve their subscriptions (http)
	// start listening here.
	Start func() error
}

// Close closes the subscriber, then the publisher. A pair sharing one
// underlying pub/sub is closed once.
func (t Transport) Close() error {
	var subErr, pubErr error
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		pubErr = t.Publisher.Close()
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

// Factory abstracts how behaviorflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in factory selecting the transport from
// Config.PubSubSystem.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	switch strings.ToLower(conf.PubSubSystem) {
	case "", "channel", "gochannel":
		return channelTransport(conf, logger)
	case "kafka":
		return kafkaTransport(conf, logger)
	case "nats":
		return natsTransport(conf, logger)
	case "rabbitmq", "amqp":
		return rabbitTransport(conf, logger)
	case "aws":
		return awsTransport(ctx, conf, logger)
	case "http":
		return httpTransport(conf, logger)
	case "io":
		return ioTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("%w: %q", errspkg.ErrUnsupportedTransport, conf.PubSubSystem)
	}
}
