// Package compression implements GZIP payload compression per AS4 specification
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// CompressionTypeGzip is the standard GZIP compression
	CompressionTypeGzip = "application/gzip"

	// DefaultMaxDecompressedSize bounds the output of Decompress
	DefaultMaxDecompressedSize int64 = 100 << 20
)

// ErrTooLarge is returned when decompressed data exceeds the limit
var ErrTooLarge = errors.New("decompressed data exceeds limit")

// Compressor handles payload compression
type Compressor struct {
	level    int
	maxBytes int64
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return NewCompressorWithLevel(gzip.DefaultCompression)
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{level: level, maxBytes: DefaultMaxDecompressedSize}
}

// SetMaxDecompressedSize sets the largest output Decompress produces.
// Values <= 0 restore the default.
func (c *Compressor) SetMaxDecompressedSize(n int64) {
	if n <= 0 {
		n = DefaultMaxDecompressedSize
	}
	c.maxBytes = n
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.Writer(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data. It fails with ErrTooLarge rather than
// produce more than the configured maximum.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	if int64(len(out)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	return out, nil
}

// Writer returns a compressing writer on top of w. Closing it flushes the
// gzip trailer but does not close w.
func (c *Compressor) Writer(w io.Writer) (io.WriteCloser, error) {
	gw, err := gzip.NewWriterLevel(w, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gw, nil
}

// IsCompressed reports whether data starts with the gzip magic number
func IsCompressed(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	switch contentType {
	case "application/gzip", "application/x-gzip", "application/zip",
		"image/jpeg", "image/png", "video/mp4", "audio/mp3":
		return false
	}
	return true
}
