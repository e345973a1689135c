package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

func TestDocument_DenormalizesCurrentState(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	u := model.NewUserMessageUnit("m@test", &model.UserMessage{
		CollaborationInfo: &model.CollaborationInfo{Action: "submit"},
		Payloads:          []model.Payload{{ContentID: "cid:1", PayloadID: "p1"}},
	})
	u.CoreID = "core-1"
	u.Direction = model.DirectionOut
	u.States = []model.ProcessingState{
		{Name: model.StateSending, StartTime: base.Add(time.Second)},
		{Name: model.StateReceived, StartTime: base},
	}

	doc := toDocument(u)
	assert.Equal(t, "SENDING", doc.CurrentState)
	assert.Equal(t, base.Add(time.Second), doc.CurrentSince)
	assert.Equal(t, base, doc.CreatedAt)
	assert.Equal(t, "UserMessage", doc.Kind)

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var decoded unitDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	back := decoded.toUnit()
	assert.Equal(t, model.StateSending, back.CurrentState())
	require.NotNil(t, back.UserMessage())
	assert.Equal(t, "submit", back.UserMessage().CollaborationInfo.Action)
	assert.Equal(t, "p1", back.UserMessage().Payloads[0].PayloadID)
}

func TestDocument_SignalContent(t *testing.T) {
	u := model.NewSignalUnit("e@test", "m@test", &model.ErrorMessage{
		Errors: []model.EbmsError{model.ErrInvalidHeader.New("m@test", "bad")},
	})
	doc := toDocument(u)
	assert.Nil(t, doc.UserMessage)
	require.NotNil(t, doc.ErrorMessage)

	back := doc.toUnit()
	require.NotNil(t, back.ErrorMessage())
	assert.Equal(t, "EBMS:0009", back.ErrorMessage().Errors[0].ErrorCode)
}

func TestDocument_SubMillisecondStatesKeepOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	u := model.NewUserMessageUnit("m@test", &model.UserMessage{})
	u.CoreID = "core-2"
	u.States = []model.ProcessingState{{Name: model.StateReceived, StartTime: base}}
	for _, st := range []model.State{model.StateReadyForDelivery, model.StateOutForDelivery, model.StateDelivered} {
		u.States = append(u.States, model.ProcessingState{
			Name:      st,
			StartTime: model.NextStartTime(u.States, base.Add(200*time.Microsecond)),
		})
	}

	raw, err := bson.Marshal(toDocument(u))
	require.NoError(t, err)
	var decoded unitDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	back := decoded.toUnit()
	assert.Equal(t, model.StateDelivered, back.CurrentState())
	assert.Equal(t, decoded.CurrentState, string(back.CurrentState()))
	history := back.History()
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].StartTime.After(history[i-1].StartTime))
	}
}
