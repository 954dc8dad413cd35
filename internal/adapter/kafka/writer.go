// Package kafka announces completed partition loads to downstream consumers,
// typically the transformation scheduler that rebuilds derived models.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// LoadEvent describes one completed partition load.
type LoadEvent struct {
	Dataset     string    `json:"dataset"`
	Partition   string    `json:"partition"`
	Table       string    `json:"table"`
	Rows        int       `json:"rows"`
	CompletedAt time.Time `json:"completed_at"`
}

// Writer produces load events to a Kafka topic.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured events topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes and publishes load events in a single WriteMessages
// call.
func (w *Writer) Publish(ctx context.Context, events ...LoadEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish load events: %w", err)
	}
	w.logger.Debug("published load events", "count", len(events))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a LoadEvent into a Kafka message. The key is
// the (dataset, partition) pair so a compacted topic retains the latest load
// per partition.
func serializeToMessage(event LoadEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize load event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Dataset + "|" + event.Partition),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "dataset", Value: []byte(event.Dataset)},
			{Key: "completed_at", Value: []byte(event.CompletedAt.Format(time.RFC3339))},
		},
	}, nil
}
