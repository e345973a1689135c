// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the ebMS3/AS4 Message Service Handler.

The MSH runs message units through processing flows and keeps their state
in a storage.Repository. Every state change goes through Transition, which
only changes a unit whose current state is one of the expected states.

# Submitting and Sending

	m, err := msh.New(msh.Config{Repository: repo, PModes: pmodes})
	unit, err := m.Submit(ctx, model.NewUserMessageUnit("", um), [][]byte{data})
	err = m.Push(ctx, unit.CoreID)

Submit parks the unit in READY_TO_PUSH, or AWAITING_PULL when the P-Mode
uses the pull binding. Push resolves the endpoint, compresses attachments,
adds the WS-Security header and sends the message. A synchronous response
is processed like any received message.

# Receiving

	resp, err := m.Receive(ctx, contentType, body)

The inbound flow stores the units and then runs header validation,
security verification, custom validation, duplicate detection, delivery
and signal processing in that order. Receipts and Error signals are
returned in the response.

# Failure Handling

A flow that stops with an error moves all its units that did not reach a
terminal state to FAILURE. Problems that only affect one unit are reported
to the sender as ebMS errors and do not stop the flow for other units.
*/
package msh
