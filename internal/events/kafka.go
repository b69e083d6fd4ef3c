package events

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer used by the forwarder.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record value written to Kafka.
type Envelope struct {
	Topic   string      `json:"topic"`
	ChipID  string      `json:"chip_id"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Forwarder mirrors bus topics onto one Kafka topic keyed by chip id.
type Forwarder struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
}

func NewForwarder(w MessageWriter, topic string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{writer: w, topic: topic, timeout: timeout, now: time.Now}
}

// Attach subscribes the forwarder to every bus topic.
func (f *Forwarder) Attach(b *Bus) error {
	for _, topic := range Topics {
		if err := b.subscribeOrdered(topic, f.forward); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forwarder) forward(topic string, payload interface{}) {
	env := Envelope{Topic: topic, ChipID: chipOf(payload), At: f.now(), Payload: payload}
	value, err := jsoniter.Marshal(env)
	if err != nil {
		zap.L().Error("marshal event failed", zap.String("namespace", "events"), zap.String("topic", topic), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Topic: f.topic,
		Key:   []byte(env.ChipID),
		Value: value,
		Time:  env.At,
	})
	if err != nil {
		zap.L().Warn("forward event to kafka failed", zap.String("namespace", "events"), zap.String("topic", topic), zap.Error(err))
	}
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}

func chipOf(payload interface{}) string {
	switch ev := payload.(type) {
	case TrustChanged:
		return ev.ChipID
	case StatusChanged:
		return ev.ChipID
	case AlertOpened:
		return ev.Alert.ChipID
	case AlertResolved:
		return ev.Alert.ChipID
	}
	return ""
}
