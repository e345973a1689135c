// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport sends AS4 messages over HTTPS.

The client defaults to TLS 1.2 with the eDelivery recommended ECDHE
AES-GCM cipher suites and allows TLS 1.3:

	client := transport.NewHTTPSClient(nil)
	res := client.Send(ctx, endpoint, contentType, body)
	if !res.Success() {
	    // the pipeline decides: TRANSPORT_FAILURE, resend later
	}

Send never returns an error value directly. The outcome, including a
synchronous response message, is reported in Result so that the state
machine and not the transport decides the disposition of the message.
*/
package transport
