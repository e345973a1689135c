package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// Media types used on the wire
const (
	ContentTypeMultipartRelated = "multipart/related"
	ContentTypeSOAPXML          = "application/soap+xml"
	ContentTypeTextXML          = "text/xml"
)

// contentIDDomain is the right hand side of generated Content-IDs
const contentIDDomain = "msh.siros.org"

// Part is a MIME attachment carried next to the SOAP envelope
type Part struct {
	// ContentID without angle brackets or cid: prefix
	ContentID   string
	ContentType string
	Data        []byte
}

// NewContentID returns a fresh Content-ID
func NewContentID() string {
	return uuid.New().String() + "@" + contentIDDomain
}

// NormalizeContentID strips the cid: prefix and angle brackets
func NormalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	return strings.TrimSuffix(contentID, ">")
}

func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// writeMultipart packages the envelope and parts as multipart/related
func writeMultipart(envelope []byte, envelopeType string, parts []Part) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	boundary := generateBoundary()
	if err := w.SetBoundary(boundary); err != nil {
		return nil, "", fmt.Errorf("failed to set boundary: %w", err)
	}

	startID := NewContentID()
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", envelopeType+"; charset=UTF-8")
	h.Set("Content-Transfer-Encoding", "8bit")
	h.Set("Content-ID", "<"+startID+">")
	pw, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := pw.Write(envelope); err != nil {
		return nil, "", fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, p := range parts {
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", ct)
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Content-ID", "<"+NormalizeContentID(p.ContentID)+">")
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create payload part: %w", err)
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write payload part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	contentType := mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": boundary,
		"type":     envelopeType,
		"start":    "<" + startID + ">",
	})
	return buf.Bytes(), contentType, nil
}

// readMultipart splits a multipart/related body into the envelope and the
// attachments. The envelope is the start part, or the first part when the
// start parameter is absent.
func readMultipart(r io.Reader, params map[string]string) ([]byte, []Part, error) {
	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, fmt.Errorf("%w: boundary not found in content type", ErrInvalidMessage)
	}
	start := NormalizeContentID(params["start"])

	var envelope []byte
	var parts []Part
	reader := multipart.NewReader(r, boundary)
	first := true
	for {
		p, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to read part: %v", ErrInvalidMessage, err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to read part data: %v", ErrInvalidMessage, err)
		}
		cid := NormalizeContentID(p.Header.Get("Content-ID"))

		isEnvelope := envelope == nil && ((start == "" && first) || (start != "" && cid == start))
		first = false
		if isEnvelope {
			envelope = data
			continue
		}
		parts = append(parts, Part{
			ContentID:   cid,
			ContentType: p.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	if envelope == nil {
		return nil, nil, fmt.Errorf("%w: SOAP envelope not found in message", ErrInvalidMessage)
	}
	return envelope, parts, nil
}
