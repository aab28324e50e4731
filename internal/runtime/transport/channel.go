package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/behaviorflow/internal/runtime/config"
)

// GoChannelFactory builds the in-process pub/sub. The returned publisher and
// subscriber are the same value.
var GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func channelTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pub, sub := GoChannelFactory(channelConfig(conf), logger)
	return Transport{Publisher: pub, Subscriber: sub}, nil
}

// channelConfig buffers one delivery per worker.
func channelConfig(conf *config.Config) gochannel.Config {
	return gochannel.Config{OutputChannelBuffer: int64(conf.WorkerCount())}
}
