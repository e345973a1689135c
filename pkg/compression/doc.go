// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for AS4.

The AS4 profile compresses each payload part separately and marks it with
the part property CompressionType=application/gzip, keeping the original
media type in the MimeType part property.

	c := compression.NewCompressor()
	compressed, err := c.Compress(payload)
	plain, err := c.Decompress(compressed)

Payloads that are streamed to payload storage use Writer instead.

Already compressed media types are left alone:

	if compression.ShouldCompress(mimeType) {
	    ...
	}
*/
package compression
