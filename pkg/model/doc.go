// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package model defines the message units handled by the MSH.

# Message Units

Every unit exchanged between MSHs shares a common envelope, [MessageUnit],
holding its identifiers, direction, P-Mode reference and processing state
history. The variant specific data is carried in [MessageUnit.Content], a
closed set of types:

  - [UserMessage]: business document with parties, collaboration info,
    properties and payload references
  - [PullRequest]: request for a message waiting on an MPC
  - [Receipt]: acknowledgement of a received User Message
  - [ErrorMessage]: one or more ebMS errors

Use a type switch on Content (or [MessageUnit.Kind]) to dispatch.

# Processing States

The state history of a unit is append-only. The current state is always the
entry with the latest start time, see [MessageUnit.Current].

# References

  - OASIS ebMS 3.0 Core, section 5: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
*/
package model
