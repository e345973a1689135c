// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package events notifies extensions about what happens to message units.

The MSH raises an Event at each significant step, for example when a message
was sent, a Receipt arrived or delivery failed. The Processor selects the
handlers for the event:

  - the handlers configured on the P-Mode leg of the unit that accept the
    event type, or, when there are none,
  - the global handlers that accept the event type.

Handlers are created from their configuration by factories held in a
Registry. Raising an event never fails and never blocks longer than the
handler timeout per handler. Errors, panics and timeouts are logged.

	reg := events.NewRegistry()
	notify.RegisterLog(reg, logger)
	proc := events.NewProcessor(reg, events.WithTimeout(2*time.Second))
	proc.Raise(ctx, events.New(events.MessageDelivered, unit, ""), pm)
*/
package events
