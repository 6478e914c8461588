// Kafka queue notifier. When the deployment routes event requests through a
// queue instead of the REST surface, enqueue calls publish one message per
// event class to the configured topic.

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	producerRetries = 3
	batchTimeout    = 10 * time.Millisecond
)

// QueueNotifier publishes event requests to Kafka.
type QueueNotifier struct {
	writer *kafka.Writer
}

// NewQueueNotifier builds a notifier for the given broker address and topic.
func NewQueueNotifier(broker, topic string) *QueueNotifier {
	return &QueueNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: batchTimeout,
		},
	}
}

// Publish writes one event message keyed by event class, retrying with a
// linear backoff before giving up.
func (q *QueueNotifier) Publish(ctx context.Context, eventClass string, req EnqueueRequest) error {
	value, err := json.Marshal(struct {
		EventClass string `json:"event_class"`
		EnqueueRequest
	}{EventClass: eventClass, EnqueueRequest: req})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(eventClass),
		Value: value,
		Time:  time.Now(),
	}

	for attempt := 0; attempt < producerRetries; attempt++ {
		err = q.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return err
}

// Close flushes and closes the underlying writer.
func (q *QueueNotifier) Close() error { return q.writer.Close() }
