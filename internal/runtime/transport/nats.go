package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/behaviorflow/internal/runtime/config"
)

// natsQueueGroup load-balances a queue between every service instance.
const natsQueueGroup = "behaviorflow"

var (
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("behaviorflow"),
		natsgo.MaxReconnects(-1),
	}
}

func natsTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	marshaler := &nats.NATSMarshaler{}

	publisher, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:         conf.NATSURL,
		NatsOptions: natsOptions(),
		Marshaler:   marshaler,
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:              conf.NATSURL,
		QueueGroupPrefix: natsQueueGroup,
		SubscribersCount: conf.WorkerCount(),
		NatsOptions:      natsOptions(),
		Unmarshaler:      marshaler,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
