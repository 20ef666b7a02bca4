package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNoMessage is returned by Fetch when nothing arrived in time.
var ErrNoMessage = errors.New("no message")

// Message is one delivered job. jetstream.Msg satisfies it.
type Message interface {
	Data() []byte
	Ack() error
	// Term tells the server never to redeliver the message.
	Term() error
}

// Transport carries serialized jobs from the API to workers. Every message
// is delivered at most once.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	// Fetch waits for the next message. It returns ErrNoMessage when its
	// poll interval passes without one and ctx.Err() once ctx is done.
	Fetch(ctx context.Context) (Message, error)
}

// JetStreamConfig names the stream, subject and durable consumer.
type JetStreamConfig struct {
	Stream   string
	Subject  string
	Consumer string
	// AckWait bounds how long a worker may hold a job before the server
	// considers it lost. It must exceed the longest job timeout.
	AckWait time.Duration
	MaxAge  time.Duration
}

// JetStreamTransport is a work queue stream with one durable pull consumer
// shared by every worker.
type JetStreamTransport struct {
	js       jetstream.JetStream
	subject  string
	consumer jetstream.Consumer
	maxWait  time.Duration
}

// NewJetStreamTransport creates or updates the stream and its consumer.
func NewJetStreamTransport(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStreamTransport, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "agentab plan jobs",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Name:          cfg.Consumer,
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		AckWait:       cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &JetStreamTransport{
		js:       js,
		subject:  cfg.Subject,
		consumer: consumer,
		maxWait:  5 * time.Second,
	}, nil
}

func (t *JetStreamTransport) Publish(ctx context.Context, data []byte) error {
	if _, err := t.js.Publish(ctx, t.subject, data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (t *JetStreamTransport) Fetch(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := t.consumer.Next(jetstream.FetchMaxWait(t.maxWait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoMessage, err)
	}
	return msg, nil
}

// MemoryTransport is an in-process Transport used when NATS is disabled.
// Messages do not survive a restart.
type MemoryTransport struct {
	ch      chan *memoryMessage
	maxWait time.Duration
}

// NewMemoryTransport returns a transport buffering up to size messages.
func NewMemoryTransport(size int) *MemoryTransport {
	return &MemoryTransport{ch: make(chan *memoryMessage, size), maxWait: time.Second}
}

func (t *MemoryTransport) Publish(ctx context.Context, data []byte) error {
	msg := &memoryMessage{data: append([]byte(nil), data...)}
	select {
	case t.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to publish job: %w", ctx.Err())
	}
}

func (t *MemoryTransport) Fetch(ctx context.Context) (Message, error) {
	timer := time.NewTimer(t.maxWait)
	defer timer.Stop()
	select {
	case msg := <-t.ch:
		return msg, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryMessage struct {
	data []byte
}

func (m *memoryMessage) Data() []byte { return m.data }
func (m *memoryMessage) Ack() error   { return nil }
func (m *memoryMessage) Term() error  { return nil }
