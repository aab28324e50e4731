package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/behaviorflow/internal/runtime/config"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
)

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// kafkaMarshaler keys records by correlation id so every message of one
// conversation lands on the same partition and keeps its order.
var kafkaMarshaler = kafka.NewWithPartitioningMarshaler(kafkaPartitionKey)

func kafkaPartitionKey(_ string, msg *message.Message) (string, error) {
	if id := msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID); id != "" {
		return id, nil
	}
	return msg.UUID, nil
}

func kafkaTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:     conf.KafkaBrokers,
		Marshaler:   kafkaMarshaler,
		OTELEnabled: true,
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := KafkaSubscriberFactory(kafka.SubscriberConfig{
		Brokers:       conf.KafkaBrokers,
		Unmarshaler:   kafkaMarshaler,
		ConsumerGroup: conf.KafkaConsumerGroup,
		OTELEnabled:   true,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
