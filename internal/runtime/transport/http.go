package transport

import (
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/behaviorflow/internal/runtime/config"
)

var (
	HTTPPublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
	HTTPSubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, cfg, logger)
	}
)

// httpServer is implemented by the watermill-http subscriber. Its routes
// exist only once every topic is subscribed, so the server is started from
// Transport.Start.
type httpServer interface {
	StartHTTPServer() error
}

// httpTransport POSTs each message to HTTPPublisherURL + topic and receives
// on HTTPServerAddress, one route per subscribed topic.
func httpTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := HTTPPublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: httpMarshaler(conf.HTTPPublisherURL),
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := HTTPSubscriberFactory(conf.HTTPServerAddress, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Start: func() error {
			srv, ok := subscriber.(httpServer)
			if !ok {
				return nil
			}
			logger.Info("Starting HTTP subscriber", watermill.LogFields{"address": conf.HTTPServerAddress})
			if err := srv.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return err
			}
			return nil
		},
	}, nil
}

func httpMarshaler(baseURL string) http.MarshalMessageFunc {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		return http.DefaultMarshalMessageFunc(baseURL+topic, msg)
	}
}
