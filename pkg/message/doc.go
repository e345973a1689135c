// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message is the wire codec of the MSH. It converts between message
units of package model and AS4 messages: a SOAP envelope carrying the
eb:Messaging header, an optional wsse:Security header, an optional SOAP Body
payload and MIME attachments packaged as multipart/related.

# Encoding

	data, contentType, err := message.Encode(&message.Message{
	    Units:    units,
	    Security: securityHeader,
	    Parts:    attachments,
	})

The ebMS header elements are written with the eb: prefix. Messages without
attachments are sent as a plain application/soap+xml envelope.

# Decoding

	m, err := message.Decode(r.Header.Get("Content-Type"), body)

Decode accepts SOAP 1.1 and 1.2 envelopes with any namespace prefixes. All
User Messages and signal message units of the eb:Messaging header are
returned; Pull Requests, Receipts and Errors become signal units. Decoding
failures wrap ErrInvalidMessage.

# Payload references

PartInfo references map to payload containment:

  - href="cid:..." is an attachment with that Content-ID
  - no href is the SOAP Body payload
  - any other href is an external payload

The MimeType and CompressionType part properties are lifted into
model.Payload.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package message
