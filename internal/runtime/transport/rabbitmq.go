package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/behaviorflow/internal/runtime/config"
)

var (
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// amqpConfig maps every destination to a durable queue of the same name, so
// a queue is consumed competitively rather than fanned out. Prefetch matches
// the worker count.
func amqpConfig(conf *config.Config) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(conf.RabbitMQURL)
	cfg.Consume.Qos.PrefetchCount = conf.WorkerCount()
	return cfg
}

func rabbitTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   conf.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	cfg := amqpConfig(conf)
	publisher, err := AmqpPublisherFactory(cfg, logger, conn)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := AmqpSubscriberFactory(cfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
