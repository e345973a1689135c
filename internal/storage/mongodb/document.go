package mongodb

import (
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

// unitDocument is the stored form of a message unit. The current state is
// denormalized so that state queries can use an index.
type unitDocument struct {
	ID             string          `bson:"_id"`
	Version        int64           `bson:"version"`
	MessageID      string          `bson:"message_id"`
	Timestamp      time.Time       `bson:"timestamp"`
	RefToMessageID string          `bson:"ref_to_message_id,omitempty"`
	Direction      string          `bson:"direction"`
	PModeID        string          `bson:"pmode_id,omitempty"`
	Kind           string          `bson:"kind"`
	States         []stateDocument `bson:"states"`
	CurrentState   string          `bson:"current_state"`
	CurrentSince   time.Time       `bson:"current_since"`
	CreatedAt      time.Time       `bson:"created_at"`

	UserMessage  *model.UserMessage  `bson:"user_message,omitempty"`
	PullRequest  *model.PullRequest  `bson:"pull_request,omitempty"`
	Receipt      *model.Receipt      `bson:"receipt,omitempty"`
	ErrorMessage *model.ErrorMessage `bson:"error_message,omitempty"`
}

// stateDocument keeps the start time twice. BSON datetimes only hold
// milliseconds, so ordering uses StartNanos.
type stateDocument struct {
	Name        string    `bson:"name"`
	StartTime   time.Time `bson:"start_time"`
	StartNanos  int64     `bson:"start_ns"`
	Description string    `bson:"description,omitempty"`
}

func newStateDocument(s model.ProcessingState) stateDocument {
	return stateDocument{
		Name:        string(s.Name),
		StartTime:   s.StartTime,
		StartNanos:  s.StartTime.UnixNano(),
		Description: s.Description,
	}
}

func (s stateDocument) toState() model.ProcessingState {
	start := s.StartTime
	if s.StartNanos != 0 {
		start = time.Unix(0, s.StartNanos).UTC()
	}
	return model.ProcessingState{
		Name:        model.State(s.Name),
		StartTime:   start,
		Description: s.Description,
	}
}

func toDocument(u *model.MessageUnit) *unitDocument {
	doc := &unitDocument{
		ID:             u.CoreID,
		Version:        u.Version,
		MessageID:      u.MessageID,
		Timestamp:      u.Timestamp,
		RefToMessageID: u.RefToMessageID,
		Direction:      string(u.Direction),
		PModeID:        u.PModeID,
		Kind:           string(u.Kind()),
	}
	for _, s := range u.States {
		doc.States = append(doc.States, newStateDocument(s))
	}
	cur := u.Current()
	doc.CurrentState = string(cur.Name)
	doc.CurrentSince = cur.StartTime
	if len(u.States) > 0 {
		doc.CreatedAt = u.History()[0].StartTime
	}

	switch c := u.Content.(type) {
	case *model.UserMessage:
		doc.UserMessage = c
	case *model.PullRequest:
		doc.PullRequest = c
	case *model.Receipt:
		doc.Receipt = c
	case *model.ErrorMessage:
		doc.ErrorMessage = c
	}
	return doc
}

func (d *unitDocument) toUnit() *model.MessageUnit {
	u := &model.MessageUnit{
		CoreID:         d.ID,
		Version:        d.Version,
		MessageID:      d.MessageID,
		Timestamp:      d.Timestamp,
		RefToMessageID: d.RefToMessageID,
		Direction:      model.Direction(d.Direction),
		PModeID:        d.PModeID,
	}
	for _, s := range d.States {
		u.States = append(u.States, s.toState())
	}
	switch model.Kind(d.Kind) {
	case model.KindUserMessage:
		if d.UserMessage == nil {
			d.UserMessage = &model.UserMessage{}
		}
		u.Content = d.UserMessage
	case model.KindPullRequest:
		u.Content = d.PullRequest
	case model.KindReceipt:
		u.Content = d.Receipt
	case model.KindErrorMessage:
		u.Content = d.ErrorMessage
	}
	return u
}
