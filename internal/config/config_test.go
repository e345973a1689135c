package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "file", cfg.Payloads.Type)
	assert.Equal(t, "msh.siros.org", cfg.MSH.MessageIDDomain)
	assert.Equal(t, "@hourly", cfg.Workers.Purge.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.Workers.Purge.Retention)
	assert.Equal(t, 5*time.Second, cfg.Events.Timeout)
	assert.Equal(t, "/metrics", cfg.Server.Metrics.Path)
}

func TestParse_MongoDBDefaultsToGridFS(t *testing.T) {
	t.Setenv("TEST_MONGODB_URI", "mongodb://db.test:27017")
	cfg, err := Parse([]byte(`
storage:
  type: mongodb
  mongodb:
    uri: ${TEST_MONGODB_URI}
`))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.test:27017", cfg.Storage.MongoDB.URI)
	assert.Equal(t, "gridfs", cfg.Payloads.Type)
	assert.Equal(t, "msh", cfg.Storage.MongoDB.Database)
	assert.EqualValues(t, 261120, cfg.Storage.MongoDB.GridFS.ChunkSizeBytes)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  address: "127.0.0.1:9090"
msh:
  strictHeaderValidation: true
payloads:
  type: minio
  minio:
    endpoint: s3.test:9000
    accessKey: key
    secretKey: secret
security:
  signingKeys:
    sign:
      keyId: sender-key
      path: /keys/sign.pem
  trustedKeys:
    partner-key: /keys/partner.pem
workers:
  send:
    enabled: true
    pollInterval: 2s
  purge:
    enabled: true
    schedule: "0 3 * * *"
    retention: 168h
discovery:
  endpoints:
    "urn:example:party": https://party.example.com/msh
  bdxl:
    enabled: true
    domain: bdxl.example.com
events:
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
  handlers:
    - id: audit
      type: kafka
      events: [MessageDelivered]
logging:
  level: debug
  format: json
pmodes:
  file: pmodes.yaml
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.True(t, cfg.MSH.StrictHeaderValidation)
	assert.Equal(t, "s3.test:9000", cfg.Payloads.Minio.Endpoint)
	assert.Equal(t, "msh-payloads", cfg.Payloads.Minio.Bucket)
	assert.Equal(t, "sender-key", cfg.Security.SigningKeys["sign"].KeyID)
	assert.Equal(t, "/keys/partner.pem", cfg.Security.TrustedKeys["partner-key"])
	assert.Equal(t, 2*time.Second, cfg.Workers.Send.PollInterval)
	assert.Equal(t, 168*time.Hour, cfg.Workers.Purge.Retention)
	assert.Equal(t, "https://party.example.com/msh", cfg.Discovery.Endpoints["urn:example:party"])
	assert.Equal(t, "bdxl.example.com", cfg.Discovery.BDXL.Domain)
	assert.Equal(t, time.Hour, cfg.Discovery.BDXL.CacheTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Kafka.Brokers)
	require.Len(t, cfg.Events.Handlers, 1)
	assert.True(t, cfg.Events.Handlers[0].Handles("MessageDelivered"))
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "pmodes.yaml", cfg.PModes.File)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown storage", "storage: {type: sqlite}", "storage.type"},
		{"mongodb without uri", "storage: {type: mongodb}", "storage.mongodb.uri"},
		{"gridfs without mongodb", "payloads: {type: gridfs}", "requires storage.type"},
		{"minio without endpoint", "payloads: {type: minio}", "payloads.minio.endpoint"},
		{"oauth2 without jwks", "server: {oauth2: {issuer: https://idp.test}}", "server.oauth2.jwksUrl"},
		{"tls without files", "server: {tls: {enabled: true}}", "server.tls"},
		{"signing key without path", "security: {signingKeys: {sign: {keyId: k}}}", "security.signingKeys.sign.path"},
		{"bad log format", "logging: {format: xml}", "logging.format"},
		{"bad log level", "logging: {level: trace}", "logging.level"},
		{"bdxl without domain", "discovery: {bdxl: {enabled: true}}", "discovery.bdxl.domain"},
		{"handler without type", "events: {handlers: [{id: x}]}", "events.handlers[0]"},
		{"not yaml", "server: [", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9999\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
