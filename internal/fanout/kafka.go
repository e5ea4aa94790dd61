package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaDialTimeout = 10 * time.Second
	kafkaBatchMax    = 100
	headerOrigin     = "wapipe-origin"
)

// KafkaWriter is the subset of *kafka.Writer used by the sink.
type KafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaReader is the subset of *kafka.Reader used by the relay.
type KafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys messages by conversation, so one
// conversation's events stay on one partition and keep their order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaDialTimeout,
			DualStack: true,
		},
	})
}

// NewKafkaReader builds a reader for the events topic. Each node uses its own
// group so that every node sees every event.
func NewKafkaReader(brokers []string, topic, nodeID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: "wapipe-" + nodeID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaDialTimeout,
			DualStack: true,
		},
	})
}

// KafkaSink mirrors events to Kafka from a background goroutine.
// Publish never blocks; when the queue is full the event is dropped and logged.
type KafkaSink struct {
	w      KafkaWriter
	nodeID string
	queue  chan Event
	done   chan struct{}
	once   sync.Once
}

func NewKafkaSink(w KafkaWriter, nodeID string, buffer int) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaSink{
		w:      w,
		nodeID: nodeID,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *KafkaSink) Publish(ev Event) {
	select {
	case s.queue <- ev:
	default:
		slog.Warn("fanout.kafka_queue_full", "event", ev.Name, "conversation", ev.ConversationID)
	}
}

// Run drains the queue until ctx is cancelled, writing in small batches.
func (s *KafkaSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			batch := []kafka.Message{s.encode(ev)}
		fill:
			for len(batch) < kafkaBatchMax {
				select {
				case ev := <-s.queue:
					batch = append(batch, s.encode(ev))
				default:
					break fill
				}
			}
			if err := s.w.WriteMessages(ctx, batch...); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("fanout.kafka_write_failed", "messages", len(batch), "error", err)
			}
		}
	}
}

func (s *KafkaSink) encode(ev Event) kafka.Message {
	data, _ := json.Marshal(ev)
	return kafka.Message{
		Key:     []byte(ev.TenantID + "|" + ev.ConversationID),
		Value:   data,
		Headers: []kafka.Header{{Key: headerOrigin, Value: []byte(s.nodeID)}},
		Time:    ev.At,
	}
}

// Close waits for Run to return and closes the writer.
func (s *KafkaSink) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		err = s.w.Close()
	})
	return err
}

// KafkaRelay republishes events written by other nodes to local subscribers.
type KafkaRelay struct {
	r      KafkaReader
	reg    *Registry
	nodeID string
}

func NewKafkaRelay(r KafkaReader, reg *Registry, nodeID string) *KafkaRelay {
	return &KafkaRelay{r: r, reg: reg, nodeID: nodeID}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (k *KafkaRelay) Run(ctx context.Context) error {
	defer k.r.Close()
	for {
		m, err := k.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		k.handle(m)
		if err := k.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("fanout.kafka_commit_failed", "offset", m.Offset, "error", err)
		}
	}
}

func (k *KafkaRelay) handle(m kafka.Message) {
	for _, h := range m.Headers {
		if h.Key == headerOrigin && string(h.Value) == k.nodeID {
			return
		}
	}
	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		slog.Warn("fanout.kafka_bad_event", "offset", m.Offset, "error", err)
		return
	}
	k.reg.PublishLocal(ev)
}
