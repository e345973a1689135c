// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security creates and verifies the WS-Security header of AS4
messages.

The MSH talks to the Processor interface only and sees the outcome of
verification as a Result with trust OK or NOK. Failure details are meant
for logs; the pipeline reports a generic FailedAuthentication error to the
peer.

# WSSProcessor

WSSProcessor builds a wsse:Security header with

  - a wsu:Timestamp with Created and Expires
  - a UsernameToken with text or digest password, nonce and creation time
  - a ds:Signature whose single reference is the SHA-256 digest of the
    eb:Messaging header as written by package message

Signature primitives are pluggable through Signer and Verifier:

	signer, err := security.LoadEd25519Signer("sender-key", "keys/sender.pem")
	ring := security.NewKeyRing()
	ring.AddFile("partner-key", "keys/partner.pub.pem")

	p := security.NewWSSProcessor(
	    security.WithSigner("", signer),
	    security.WithVerifier(ring),
	)

Verification rejects expired timestamps, unknown users, wrong passwords,
replayed nonces, untrusted signers and digests that do not match the
received eb:Messaging header. Encrypted content is not supported.
*/
package security
