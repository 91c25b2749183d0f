package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/failover-dialer/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubmissionPublisher publishes submission events keyed by destination.
type SubmissionPublisher struct {
	writer messageWriter
}

// NewSubmissionPublisher constructs a publisher for the given topic.
func NewSubmissionPublisher(k *Kafka, topic string) *SubmissionPublisher {
	return &SubmissionPublisher{writer: k.NewWriter(topic)}
}

// PublishSubmission emits one event.
func (p *SubmissionPublisher) PublishSubmission(ctx context.Context, record domain.SubmissionRecord) error {
	value, err := json.Marshal(NewSubmissionEvent(record))
	if err != nil {
		return fmt.Errorf("submission publisher: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(record.Destination),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "campaign", Value: []byte(record.Campaign)},
			{Key: "status", Value: []byte(record.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("submission publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *SubmissionPublisher) Close() error {
	return p.writer.Close()
}
