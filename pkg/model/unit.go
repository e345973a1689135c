package model

import (
	"time"
)

// Direction indicates whether a unit was received or is being sent
type Direction string

const (
	// DirectionIn for units received from a peer MSH
	DirectionIn Direction = "IN"
	// DirectionOut for units created by this MSH
	DirectionOut Direction = "OUT"
	// DirectionAny matches both directions in repository queries
	DirectionAny Direction = ""
)

// Kind identifies the concrete variant of a message unit
type Kind string

const (
	KindUserMessage  Kind = "UserMessage"
	KindPullRequest  Kind = "PullRequest"
	KindReceipt      Kind = "Receipt"
	KindErrorMessage Kind = "ErrorMessage"
)

// Content is the variant specific part of a message unit.
// It is implemented only by the types in this package.
type Content interface {
	Kind() Kind
	clone() Content
}

// MessageUnit is the common envelope of all message units
type MessageUnit struct {
	// CoreID is the storage identity assigned by the repository
	CoreID string
	// Version is incremented on every update and used for optimistic locking
	Version int64

	MessageID      string
	Timestamp      time.Time
	RefToMessageID string
	Direction      Direction
	PModeID        string

	// States is the append-only processing state history
	States []ProcessingState

	Content Content
}

// Kind returns the variant of the unit, or "" when it has no content
func (u *MessageUnit) Kind() Kind {
	if u.Content == nil {
		return ""
	}
	return u.Content.Kind()
}

// UserMessage returns the content as a User Message, or nil
func (u *MessageUnit) UserMessage() *UserMessage {
	um, _ := u.Content.(*UserMessage)
	return um
}

// PullRequest returns the content as a Pull Request, or nil
func (u *MessageUnit) PullRequest() *PullRequest {
	pr, _ := u.Content.(*PullRequest)
	return pr
}

// Receipt returns the content as a Receipt, or nil
func (u *MessageUnit) Receipt() *Receipt {
	r, _ := u.Content.(*Receipt)
	return r
}

// ErrorMessage returns the content as an Error Message, or nil
func (u *MessageUnit) ErrorMessage() *ErrorMessage {
	e, _ := u.Content.(*ErrorMessage)
	return e
}

// IsSignal reports whether the unit is a signal message unit
func (u *MessageUnit) IsSignal() bool {
	switch u.Content.(type) {
	case *PullRequest, *Receipt, *ErrorMessage:
		return true
	}
	return false
}

// Current returns the processing state with the latest start time.
// The zero ProcessingState is returned for a unit without history.
func (u *MessageUnit) Current() ProcessingState {
	var cur ProcessingState
	for i, s := range u.States {
		if i == 0 || s.StartTime.After(cur.StartTime) {
			cur = s
		}
	}
	return cur
}

// CurrentState returns the name of the current processing state
func (u *MessageUnit) CurrentState() State {
	return u.Current().Name
}

// InState reports whether the current state is one of the given states
func (u *MessageUnit) InState(states ...State) bool {
	cur := u.CurrentState()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// History returns the state history ordered by start time
func (u *MessageUnit) History() []ProcessingState {
	return sortedStates(u.States)
}

// CountState returns how many times the unit entered the given state
func (u *MessageUnit) CountState(name State) int {
	n := 0
	for _, s := range u.States {
		if s.Name == name {
			n++
		}
	}
	return n
}

// LastEntered returns the most recent entry into the given state
func (u *MessageUnit) LastEntered(name State) (ProcessingState, bool) {
	var last ProcessingState
	found := false
	for _, s := range u.States {
		if s.Name == name && (!found || s.StartTime.After(last.StartTime)) {
			last = s
			found = true
		}
	}
	return last, found
}

// Clone returns a deep copy of the unit
func (u *MessageUnit) Clone() *MessageUnit {
	if u == nil {
		return nil
	}
	c := *u
	c.States = append([]ProcessingState(nil), u.States...)
	if u.Content != nil {
		c.Content = u.Content.clone()
	}
	return &c
}

// NewUserMessageUnit wraps a User Message in a unit
func NewUserMessageUnit(messageID string, um *UserMessage) *MessageUnit {
	return &MessageUnit{MessageID: messageID, Content: um}
}

// NewSignalUnit wraps signal content in a unit that references another message
func NewSignalUnit(messageID, refTo string, content Content) *MessageUnit {
	return &MessageUnit{MessageID: messageID, RefToMessageID: refTo, Content: content}
}
