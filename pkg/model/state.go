package model

import (
	"sort"
	"time"
)

// State is the name of a processing state
type State string

const (
	StateReceived          State = "RECEIVED"
	StateReadyToPush       State = "READY_TO_PUSH"
	StateAwaitingPull      State = "AWAITING_PULL"
	StateProcessing        State = "PROCESSING"
	StateSending           State = "SENDING"
	StateTransportFailure  State = "TRANSPORT_FAILURE"
	StateWaitingForReceipt State = "WAITING_FOR_RECEIPT"
	StateReadyForDelivery  State = "READY_FOR_DELIVERY"
	StateOutForDelivery    State = "OUT_FOR_DELIVERY"
	StateDelivered         State = "DELIVERED"
	StateDeliveryFailed    State = "DELIVERY_FAILED"
	StateFailure           State = "FAILURE"
	StateDuplicate         State = "DUPLICATE"
	// StateDone marks a signal that has been fully processed
	StateDone State = "DONE"
)

// IsTerminal reports whether no further transitions are expected
func (s State) IsTerminal() bool {
	switch s {
	case StateDelivered, StateDeliveryFailed, StateFailure, StateDuplicate, StateDone:
		return true
	}
	return false
}

// IsFailure reports whether the state records a failed exchange
func (s State) IsFailure() bool {
	return s == StateFailure || s == StateDeliveryFailed
}

// ProcessingState is one entry of a unit's state history
type ProcessingState struct {
	Name        State
	StartTime   time.Time
	Description string
}

func sortedStates(states []ProcessingState) []ProcessingState {
	out := append([]ProcessingState(nil), states...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// NextStartTime returns a start time for a new state that is strictly later
// than every entry in the history.
func NextStartTime(states []ProcessingState, now time.Time) time.Time {
	for _, s := range states {
		if !now.After(s.StartTime) {
			now = s.StartTime.Add(time.Nanosecond)
		}
	}
	return now
}
