package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/behaviorflow/internal/runtime/config"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	transportpkg "github.com/drblury/behaviorflow/internal/runtime/transport"
)

type publishedMessage struct {
	topic string
	msg   *message.Message
}

type testPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	closed    int
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, len(p.published))
	for i, m := range p.published {
		topics[i] = m.topic
	}
	return topics
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]*message.Message, len(p.published))
	for i, m := range p.published {
		msgs[i] = m.msg
	}
	return msgs
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type testValidator struct{ err error }

func (v *testValidator) Validate(_ any) error { return v.err }

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func staticTransport(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

// newTestService builds a Service over a recording publisher. Metrics use a
// private registry so tests do not collide on the default one.
func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) (*Service, *testPublisher) {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{}
	}
	pub := &testPublisher{}
	if deps.TransportFactory == nil {
		deps.TransportFactory = staticTransport(pub, &testSubscriber{})
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	svc, err := NewService(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, pub
}
