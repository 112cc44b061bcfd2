package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
)

const headerKind = "kind"

// ErrOutboxFull is returned by KafkaPublisher.Deliver when the send queue is
// full; the notification is dropped.
var ErrOutboxFull = errors.New("dispatch: outbox queue full")

const outboxQueueSize = 1024

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications to the outbox topic that cmd/consumer
// drains for e-mail and push delivery. Messages are keyed by user so one
// user's notifications stay ordered.
//
// Deliver only enqueues. A single goroutine feeds the writer, so a slow or
// unreachable broker costs callers nothing but dropped notifications once
// the queue fills.
type KafkaPublisher struct {
	writer  messageWriter
	queue   chan kafka.Message
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	k := newPublisher(nil, outboxQueueSize, logger)
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion:   k.completed,
	}
	go k.pump()
	return k
}

// newPublisher builds a publisher without starting its pump.
func newPublisher(w messageWriter, queueSize int, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		queue:   make(chan kafka.Message, queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
		logger:  logging.Component(logger, "outbox"),
	}
}

func (k *KafkaPublisher) Deliver(_ context.Context, n models.Notification) error {
	msg, err := EncodeMessage(n)
	if err != nil {
		return err
	}
	select {
	case <-k.closing:
		return fmt.Errorf("dispatch.KafkaPublisher.Deliver: %w", io.ErrClosedPipe)
	default:
	}
	select {
	case k.queue <- msg:
		return nil
	default:
		observability.Notifications.WithLabelValues(string(n.Kind), "outbox_dropped").Inc()
		return fmt.Errorf("dispatch.KafkaPublisher.Deliver: %w", ErrOutboxFull)
	}
}

func (k *KafkaPublisher) pump() {
	defer close(k.done)
	for {
		select {
		case msg := <-k.queue:
			k.write(msg)
		case <-k.closing:
			for {
				select {
				case msg := <-k.queue:
					k.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (k *KafkaPublisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.completed([]kafka.Message{msg}, err)
	}
}

// completed runs once a batch is acknowledged or given up on, either from the
// writer's goroutine or from write when the message never reached a batch.
func (k *KafkaPublisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		kind := "unknown"
		for _, h := range m.Headers {
			if h.Key == headerKind {
				kind = string(h.Value)
			}
		}
		observability.Notifications.WithLabelValues(kind, "outbox_failed").Inc()
		k.logger.Error("outbox write failed", "key", string(m.Key), "kind", kind, "error", err)
	}
}

// Close flushes queued notifications and closes the writer.
func (k *KafkaPublisher) Close() error {
	var err error
	k.once.Do(func() {
		close(k.closing)
		<-k.done
		err = k.writer.Close()
	})
	return err
}

// EncodeMessage builds the outbox record for n.
func EncodeMessage(n models.Notification) (kafka.Message, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("dispatch.EncodeMessage: %w", err)
	}
	key := "broadcast"
	if !n.Broadcast() {
		key = strconv.FormatInt(n.UserID, 10)
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: headerKind, Value: []byte(n.Kind)}},
	}, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(m kafka.Message) (models.Notification, error) {
	var n models.Notification
	if err := json.Unmarshal(m.Value, &n); err != nil {
		return models.Notification{}, fmt.Errorf("dispatch.DecodeMessage: %w", err)
	}
	if n.ID == "" || n.Kind == "" {
		return models.Notification{}, fmt.Errorf("dispatch.DecodeMessage: missing id or kind")
	}
	return n, nil
}
