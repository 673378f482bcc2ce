package events

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTaskEventTopic = "task_lifecycle_events"
)

// Emitter publishes task lifecycle events. Emit failures are logged, never
// returned: the event stream is observational and must not affect
// scheduling decisions.
type Emitter interface {
	EmitTaskEvent(ctx context.Context, payload TaskEventPayload)
	Close() error
}

// NewEmitterFromEnv builds a Kafka emitter from KAFKA_BROKERS and
// TASK_EVENT_TOPIC. With no brokers configured it returns a no-op emitter,
// so single-node deployments need no Kafka at all.
func NewEmitterFromEnv(log zerolog.Logger) Emitter {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		log.Info().Msg("KAFKA_BROKERS not set; task lifecycle events disabled")
		return NopEmitter{}
	}
	topic := os.Getenv("TASK_EVENT_TOPIC")
	if topic == "" {
		topic = DefaultTaskEventTopic
	}
	return NewKafkaEmitter(strings.Split(brokers, ","), topic, log)
}

// KafkaEmitter writes JSON lifecycle events to one Kafka topic.
type KafkaEmitter struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaEmitter configures the producer for the given brokers and topic.
func NewKafkaEmitter(brokers []string, topic string, log zerolog.Logger) *KafkaEmitter {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Info().Strs("brokers", brokers).Str("topic", topic).
		Msg("kafka task event producer configured")
	return &KafkaEmitter{writer: writer, log: log}
}

func (e *KafkaEmitter) EmitTaskEvent(ctx context.Context, payload TaskEventPayload) {
	if payload.At.IsZero() {
		payload.At = time.Now().UTC()
	}
	value, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Uint("task_id", payload.TaskID).Msg("failed to marshal task event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(payload.TaskID), 10)),
		Value: value,
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.writer.WriteMessages(writeCtx, msg); err != nil {
		e.log.Error().Err(err).Uint("task_id", payload.TaskID).
			Str("status", payload.Status).Msg("failed to publish task event")
		return
	}
	e.log.Debug().Uint("task_id", payload.TaskID).Str("status", payload.Status).
		Msg("task event published")
}

func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) EmitTaskEvent(context.Context, TaskEventPayload) {}
func (NopEmitter) Close() error                                    { return nil }
