package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	reg := events.NewRegistry()
	RegisterLog(reg, logger)
	proc := events.NewProcessor(reg, events.WithGlobalHandlers(pmode.HandlerConfig{ID: "audit", Type: TypeLog}))

	unit := model.NewUserMessageUnit("m@test", &model.UserMessage{})
	proc.Raise(context.Background(), events.New(events.MessageDelivered, unit, "delivered"), nil)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "MessageDelivered", entry["event"])
	assert.Equal(t, "m@test", entry["message_id"])
	assert.Equal(t, "audit", entry["handler"])
}

func TestLogHandler_InvalidLevel(t *testing.T) {
	reg := events.NewRegistry()
	RegisterLog(reg, nil)
	_, err := reg.Create(pmode.HandlerConfig{Type: TypeLog, Settings: map[string]string{"level": "loud"}})
	assert.Error(t, err)
}

func TestRedisHandler_Settings(t *testing.T) {
	reg := events.NewRegistry()
	RegisterRedis(reg, nil)

	_, err := reg.Create(pmode.HandlerConfig{Type: TypeRedis})
	assert.Error(t, err, "no client and no addr")

	h, err := reg.Create(pmode.HandlerConfig{Type: TypeRedis, Settings: map[string]string{"addr": "localhost:6379"}})
	require.NoError(t, err)
	rh := h.(*RedisHandler)
	assert.Equal(t, "msh:events", rh.stream)
	assert.NoError(t, rh.Close())
}

func TestKafkaHandler_Settings(t *testing.T) {
	reg := events.NewRegistry()
	RegisterKafka(reg, nil)

	_, err := reg.Create(pmode.HandlerConfig{Type: TypeKafka})
	assert.Error(t, err)

	h, err := reg.Create(pmode.HandlerConfig{Type: TypeKafka, Settings: map[string]string{"brokers": "k1:9092,k2:9092"}})
	require.NoError(t, err)
	kh := h.(*KafkaHandler)
	assert.Equal(t, "msh-events", kh.writer.Topic)
	assert.NoError(t, kh.Close())
}
