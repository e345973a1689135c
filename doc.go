// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gomsh is an ebMS3/AS4 Message Service Handler.

# Overview

go-msh exchanges business documents with trading partners over the OASIS
ebMS 3.0 messaging protocol and its AS4 profile. Every message unit it
sends or receives is kept in a repository together with the history of its
processing states. The P-Mode of the exchange decides how a unit is
secured, whether a Receipt is expected, how often it is resent and how
received units are validated.

# Package Structure

	github.com/sirosfoundation/go-msh/pkg/model       - Message units, states and ebMS errors
	github.com/sirosfoundation/go-msh/pkg/pmode       - Processing Mode configuration
	github.com/sirosfoundation/go-msh/pkg/msh         - Message Service Handler pipeline
	github.com/sirosfoundation/go-msh/pkg/message     - SOAP envelope and MIME codec
	github.com/sirosfoundation/go-msh/pkg/security    - WS-Security headers with Ed25519 signatures
	github.com/sirosfoundation/go-msh/pkg/transport   - HTTPS transport with TLS 1.2/1.3
	github.com/sirosfoundation/go-msh/pkg/reliability - Reception awareness and resending
	github.com/sirosfoundation/go-msh/pkg/compression - GZIP payload compression
	github.com/sirosfoundation/go-msh/pkg/payload     - Payload content storage
	github.com/sirosfoundation/go-msh/pkg/events      - Event processing and notification
	github.com/sirosfoundation/go-msh/pkg/validation/header - ebMS header validation
	github.com/sirosfoundation/go-msh/pkg/validation/custom - Configurable payload validators
	github.com/sirosfoundation/go-msh/pkg/discovery   - BDXL and SMP endpoint discovery

The msh command in cmd/msh runs the handler as a server with its
background workers.

# Quick Start

	m, err := msh.New(msh.Config{
	    Repository: memory.New(),
	    PModes:     registry,
	    Payloads:   payload.NewMemoryProvider(),
	    Sender:     transport.NewHTTPSClient(nil),
	})

	u := model.NewUserMessageUnit("", &model.UserMessage{
	    Payloads: []model.Payload{{MimeType: "application/xml"}},
	})
	u.PModeID = "orders"
	stored, err := m.Submit(ctx, u, [][]byte{order})
	err = m.Push(ctx, stored.CoreID)

# References

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0

# License

BSD-2-Clause License
*/
package gomsh
