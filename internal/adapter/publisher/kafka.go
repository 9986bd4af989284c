package publisher

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

// KafkaPublisher writes each committed entry to one topic, keyed by
// operation id so retries of the same operation land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, entry domain.LedgerEntry) error {
	body, err := encode(entry)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.OperationID),
		Value: body,
		Time:  entry.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(entry.Kind)},
			{Key: "sequence", Value: []byte(sequenceHeader(entry))},
			{Key: "content-type", Value: []byte(contentType)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
