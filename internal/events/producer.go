package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"coursechat/pkg/types"
)

// TypeMessageSent is the event type of every delivered chat message.
const TypeMessageSent = "message.sent"

var ErrNoBrokers = errors.New("kafka brokers not configured")

// Envelope is the record value written to the topic.
type Envelope struct {
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Message    types.MessageEvent `json:"message"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer publishes message.sent events keyed by room, so one room's
// messages stay ordered within a partition.
type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewProducer creates a synchronous producer requiring acks from all replicas.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &Producer{writer: w, topic: topic, now: time.Now}, nil
}

// Name implements hub.Sink.
func (p *Producer) Name() string {
	return "kafka:" + p.topic
}

// HandleMessage writes one event.
func (p *Producer) HandleMessage(ctx context.Context, event types.MessageEvent) error {
	msg, err := p.encode(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// HandlePresence is a no-op; presence is not streamed.
func (p *Producer) HandlePresence(context.Context, types.PresenceEvent) error {
	return nil
}

func (p *Producer) encode(event types.MessageEvent) (kafkago.Message, error) {
	now := p.now().UTC()
	b, err := json.Marshal(Envelope{Type: TypeMessageSent, OccurredAt: now, Message: event})
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(event.RoomKey),
		Value: b,
		Time:  now,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(TypeMessageSent)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
