package minio

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sirosfoundation/go-msh/pkg/payload"
)

var _ payload.Provider = (*Provider)(nil)

func TestObjectName(t *testing.T) {
	p := &Provider{bucket: "b"}
	assert.Equal(t, "abc", p.object("abc"))

	p.prefix = "msh/payloads"
	assert.Equal(t, "msh/payloads/abc", p.object("abc"))
}
