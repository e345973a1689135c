// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability implements AS4 reception awareness for sent User Messages.

A sent message waits in WAITING_FOR_RECEIPT, or in TRANSPORT_FAILURE when
the peer could not be reached. The Tracker releases it for another attempt
when the wait interval of the current attempt has passed, and fails it with
a MissingReceipt event when the last interval has passed.

# Wait Intervals

The intervals are configured on the P-Mode leg:

	receptionAwareness:
	  waitIntervals: [1m, 2m, 4m]

With n+1 intervals a message is sent at most n+1 times. Attempt k is the
k-th SENDING entry in the unit's history and waits interval k-1 from the
start of that entry.

# Running

	tracker := reliability.NewTracker(m)
	worker := reliability.NewWorker(tracker, 10*time.Second)
	worker.Start(ctx)
	defer worker.Stop()

Duplicate detection of received messages is part of the inbound flow in
package msh.
*/
package reliability
