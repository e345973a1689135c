// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for the MSH.

A P-Mode governs how the messages of one exchange agreement are processed:
the message exchange pattern and its binding, and per leg the endpoint,
business info, security, reception awareness, receipts, custom validation
and event handlers.

# Loading P-Modes

P-Modes are loaded from YAML:

	pmodes:
	  - id: orders
	    mep: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay
	    mepBinding: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push
	    legs:
	      - protocol:
	          address: https://partner.example.com/msh
	        businessInfo:
	          service: urn:example:orders
	          action: submit
	        receptionAwareness:
	          waitIntervals: [1m, 5m]

# Registry

The Registry is read on every message. Writers publish a new immutable
snapshot so that workers see added or removed P-Modes without a restart:

	reg := pmode.NewRegistry()
	if err := reg.LoadFile("pmodes.yaml"); err != nil {
	    return err
	}
	p, err := reg.Find(userMessage)
*/
package pmode
