package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// RetryConfig bounds the publish retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// KafkaTrail appends audit entries to a Kafka topic, keyed by request
// id so one request's history stays in one partition.
type KafkaTrail struct {
	writer *kafka.Writer
	retry  RetryConfig
}

func NewKafkaTrail(brokers []string, topic string, retry RetryConfig) *KafkaTrail {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 5
	}
	if retry.BaseDelay == 0 {
		retry.BaseDelay = 100 * time.Millisecond
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 10 * time.Second
	}

	return &KafkaTrail{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		retry: retry,
	}
}

func (t *KafkaTrail) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(entry.RequestID),
		Value: data,
	}

	var lastErr error
	for attempt := 0; attempt < t.retry.MaxAttempts; attempt++ {
		if err := t.writer.WriteMessages(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == t.retry.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(t.backoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during audit retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("appending audit entry for %s after %d attempts: %w",
		entry.RequestID, t.retry.MaxAttempts, lastErr)
}

func (t *KafkaTrail) Close() error {
	return t.writer.Close()
}

func (t *KafkaTrail) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * t.retry.BaseDelay
	if delay > t.retry.MaxDelay {
		delay = t.retry.MaxDelay
	}
	if t.retry.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}
	return delay
}
