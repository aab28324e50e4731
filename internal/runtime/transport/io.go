package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/behaviorflow/internal/runtime/config"
	"github.com/drblury/behaviorflow/internal/runtime/jsoncodec"
)

const (
	defaultIOFile = "messages.log"
	ioPollDelay   = 100 * time.Millisecond
)

var (
	IOPublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &filePublisher{path: path, logger: logger}, nil
	}
	IOSubscriberFactory = func(path string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &fileSubscriber{path: path, logger: logger, closing: make(chan struct{})}, nil
	}
)

// ioTransport appends every published message as one JSON line to IOFile
// and tails the same file for subscriptions. Each subscription replays the
// file from the start.
func ioTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	path := conf.IOFile
	if path == "" {
		path = defaultIOFile
	}

	publisher, err := IOPublisherFactory(path, logger)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := IOSubscriberFactory(path, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

type fileRecord struct {
	Topic    string            `json:"topic"`
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

type filePublisher struct {
	path   string
	logger watermill.LoggerAdapter
	mu     sync.Mutex
}

func (p *filePublisher) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(fileRecord{
			Topic:    topic,
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *filePublisher) Close() error { return nil }

type fileSubscriber struct {
	path      string
	logger    watermill.LoggerAdapter
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *fileSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(out)
		defer f.Close()

		go func() {
			select {
			case <-s.closing:
				cancel()
			case <-ctx.Done():
			}
		}()

		s.tail(ctx, bufio.NewReader(f), topic, out)
	}()
	return out, nil
}

func (s *fileSubscriber) tail(ctx context.Context, reader *bufio.Reader, topic string, out chan<- *message.Message) {
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ioPollDelay):
				continue
			}
		}
		if err != nil {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"path": s.path})
			return
		}

		line := pending
		pending = nil
		var rec fileRecord
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed message line", err, watermill.LogFields{"path": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}
		if !s.deliver(ctx, rec, out) {
			return
		}
	}
}

// deliver sends rec until it is acked, redelivering after a nack. It
// returns false once ctx is done.
func (s *fileSubscriber) deliver(ctx context.Context, rec fileRecord, out chan<- *message.Message) bool {
	for {
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Redelivering nacked message", watermill.LogFields{"uuid": rec.UUID})
		case <-ctx.Done():
			return false
		}
	}
}

// Close ends every subscription and waits for their output channels to close.
func (s *fileSubscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
