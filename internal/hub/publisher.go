package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/realtime"
)

// Publisher mirrors committed events to an external bus.
type Publisher interface {
	Publish(events []realtime.Envelope) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish([]realtime.Envelope) error { return nil }
func (NopPublisher) Close() error                      { return nil }

// KafkaPublisher writes each event to a topic keyed by session id, so one
// session's events stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaConfig returns the producer settings the hub uses.
func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "frontdesk-hub"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewKafkaPublisher dials the brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("hub: kafka brokers are required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("hub: kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = "frontdesk.sessions"
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(events []realtime.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, env := range events {
		value, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("hub: encode event %d: %w", env.Cursor, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(env.SessionID),
			Value: sarama.ByteEncoder(value),
		})
	}
	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("hub: publish %d events: %w", len(msgs), err)
	}
	log.Debug().Int("count", len(msgs)).Str("topic", p.topic).Msg("hub: events published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
