package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

// KafkaChannel carries events over a Kafka topic. The group key is used
// as the message key so a hash balancer pins each group to one partition,
// which is what gives per-group ordering. Kafka has no native publish
// dedupe, so the channel keeps its own windowed dedupe index; the
// idempotency store upstream remains the first line of defense.
type KafkaChannel struct {
	brokers      []string
	topic        string
	writer       *kafka.Writer
	logger       *zap.Logger
	dedupeWindow time.Duration

	mu     sync.Mutex
	dedupe map[string]time.Time
	closed bool
}

// NewKafkaChannel creates a KafkaChannel. Writes are synchronous: a
// publish does not return until the leader has acknowledged the append.
func NewKafkaChannel(brokers []string, topic string, dedupeWindow time.Duration, logger *zap.Logger) *KafkaChannel {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: 1 * time.Second,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	return &KafkaChannel{
		brokers:      brokers,
		topic:        topic,
		writer:       writer,
		logger:       logger.Named("kafka-channel"),
		dedupeWindow: dedupeWindow,
		dedupe:       make(map[string]time.Time),
	}
}

func (c *KafkaChannel) seenRecently(groupKey, dedupeKey string) bool {
	if dedupeKey == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, seen := range c.dedupe {
		if now.Sub(seen) >= c.dedupeWindow {
			delete(c.dedupe, k)
		}
	}
	key := groupKey + "|" + dedupeKey
	if seen, ok := c.dedupe[key]; ok && now.Sub(seen) < c.dedupeWindow {
		return true
	}
	c.dedupe[key] = now
	return false
}

func (c *KafkaChannel) Publish(ctx context.Context, groupKey string, ev Event) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, cerrors.Transient("publish on closed kafka channel", nil)
	}
	c.mu.Unlock()

	if c.seenRecently(groupKey, ev.DedupeKey) {
		c.logger.Debug("suppressed duplicate publish",
			zap.String("group", groupKey), zap.String("dedupe_key", ev.DedupeKey))
		return 0, nil
	}

	val, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	msg := kafka.Message{
		Key:   []byte(groupKey),
		Value: val,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "dedupe_key", Value: []byte(ev.DedupeKey)},
			{Key: "region", Value: []byte(ev.Region)},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return 0, cerrors.Transient("kafka publish", err)
	}
	// Offsets are assigned broker-side; consumers derive the sequence from
	// the message offset.
	return 0, nil
}

func (c *KafkaChannel) Consume(ctx context.Context, groupKey string) (<-chan Envelope, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		Topic:       c.topic,
		GroupID:     "tulip-shard-" + groupKey,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("kafka fetch failed, retrying", zap.Error(err))
				continue
			}
			if string(msg.Key) != groupKey {
				// Another group sharing the partition; commit and move on.
				_ = reader.CommitMessages(ctx, msg)
				continue
			}

			var ev Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				c.logger.Error("undecodable kafka message",
					zap.Int64("offset", msg.Offset), zap.Error(err))
				_ = reader.CommitMessages(ctx, msg)
				continue
			}
			ev.Sequence = uint64(msg.Offset) + 1

			env := Envelope{
				Event: ev,
				ack: func(m kafka.Message) func(context.Context) error {
					return func(ctx context.Context) error {
						if err := reader.CommitMessages(ctx, m); err != nil {
							return cerrors.Transient("kafka commit", err)
						}
						return nil
					}
				}(msg),
			}
			select {
			case <-ctx.Done():
				return
			case out <- env:
			}
		}
	}()
	return out, nil
}

func (c *KafkaChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.writer.Close()
}
