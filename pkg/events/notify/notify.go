// Package notify provides event handlers that forward MSH events to logs,
// Redis and Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Handler types
const (
	TypeLog   = "log"
	TypeRedis = "redis"
	TypeKafka = "kafka"
)

// RegisterLog registers the log handler type
func RegisterLog(reg *events.Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	reg.Register(TypeLog, func(cfg pmode.HandlerConfig) (events.Handler, error) {
		level := slog.LevelInfo
		if l := cfg.Settings["level"]; l != "" {
			if err := level.UnmarshalText([]byte(l)); err != nil {
				return nil, fmt.Errorf("invalid log level: %w", err)
			}
		}
		return &LogHandler{logger: logger.With("handler", cfg.ID), level: level}, nil
	})
}

// LogHandler writes events to a structured logger
type LogHandler struct {
	logger *slog.Logger
	level  slog.Level
}

// Handle implements events.Handler
func (h *LogHandler) Handle(ctx context.Context, ev *events.Event) error {
	r := ev.Record()
	h.logger.Log(ctx, h.level, "message event",
		"event", r.Type,
		"message_id", r.MessageID,
		"pmode", r.PModeID,
		"state", r.State,
		"description", r.Description)
	return nil
}

// RedisHandler appends events to a Redis stream or publishes them on a channel
type RedisHandler struct {
	client  *redis.Client
	owned   bool
	stream  string
	channel string
	maxLen  int64
}

// RegisterRedis registers the redis handler type. Handlers use client unless
// their settings name another server with "addr". Settings:
//
//	stream   stream to append to (default msh:events)
//	channel  publish on this channel instead of appending to a stream
//	addr     Redis server address
func RegisterRedis(reg *events.Registry, client *redis.Client) {
	reg.Register(TypeRedis, func(cfg pmode.HandlerConfig) (events.Handler, error) {
		h := &RedisHandler{
			client:  client,
			stream:  cfg.Settings["stream"],
			channel: cfg.Settings["channel"],
			maxLen:  10000,
		}
		if addr := cfg.Settings["addr"]; addr != "" {
			h.client = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Settings["password"],
			})
			h.owned = true
		}
		if h.client == nil {
			return nil, errors.New("redis handler needs a client or addr")
		}
		if h.stream == "" && h.channel == "" {
			h.stream = "msh:events"
		}
		return h, nil
	})
}

// Handle implements events.Handler
func (h *RedisHandler) Handle(ctx context.Context, ev *events.Event) error {
	r := ev.Record()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if h.channel != "" {
		return h.client.Publish(ctx, h.channel, data).Err()
	}
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.stream,
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":       string(r.Type),
			"message_id": r.MessageID,
			"event":      string(data),
		},
	}).Err()
}

// Close closes the client when the handler created it
func (h *RedisHandler) Close() error {
	if h.owned {
		return h.client.Close()
	}
	return nil
}

// KafkaHandler writes events to a Kafka topic keyed by message id
type KafkaHandler struct {
	writer *kafka.Writer
}

// RegisterKafka registers the kafka handler type. Settings:
//
//	brokers  comma separated broker addresses (default from defaultBrokers)
//	topic    topic to write to (default msh-events)
func RegisterKafka(reg *events.Registry, defaultBrokers []string) {
	reg.Register(TypeKafka, func(cfg pmode.HandlerConfig) (events.Handler, error) {
		brokers := defaultBrokers
		if b := cfg.Settings["brokers"]; b != "" {
			brokers = strings.Split(b, ",")
		}
		if len(brokers) == 0 {
			return nil, errors.New("kafka handler needs brokers")
		}
		topic := cfg.Settings["topic"]
		if topic == "" {
			topic = "msh-events"
		}
		return &KafkaHandler{writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}}, nil
	})
}

// Handle implements events.Handler
func (h *KafkaHandler) Handle(ctx context.Context, ev *events.Event) error {
	r := ev.Record()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.MessageID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(r.Type)},
		},
	})
}

// Close flushes and closes the writer
func (h *KafkaHandler) Close() error {
	return h.writer.Close()
}
