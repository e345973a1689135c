// Package config handles configuration loading for the MSH server.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and passwords to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (address, TLS, timeouts)
//   - msh: message handling settings (id domain, header validation)
//   - storage: repository backend (memory or mongodb)
//   - payloads: payload storage (file, gridfs or minio)
//   - security: signing keys and trusted verification keys
//   - workers: send, retry, pull and purge workers
//   - discovery: endpoints of legs without an address
//   - events: global event handlers, redis and kafka connections
//   - logging: log level and format
//   - pmodes: the P-Mode file
//
// # Example Configuration
//
//	server:
//	  address: ":8080"
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	payloads:
//	  type: gridfs
//	pmodes:
//	  file: /etc/msh/pmodes.yaml
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/pkg/payload/minio"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MSH       MSHConfig       `yaml:"msh"`
	Storage   StorageConfig   `yaml:"storage"`
	Payloads  PayloadsConfig  `yaml:"payloads"`
	Security  SecurityConfig  `yaml:"security"`
	Workers   WorkersConfig   `yaml:"workers"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	PModes    PModesConfig    `yaml:"pmodes"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// MaxBodyBytes limits the size of received messages
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	// OAuth2 protects the submission API when a JWKS URL is set
	OAuth2 OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config holds bearer token settings
type OAuth2Config struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwksUrl"`
}

// MSHConfig holds message handling settings
type MSHConfig struct {
	MessageIDDomain        string `yaml:"messageIdDomain"`
	StrictHeaderValidation bool   `yaml:"strictHeaderValidation"`
	// Retries bounds re-reads after concurrent modifications
	Retries int `yaml:"retries"`
	// SendTimeout bounds one HTTP exchange with a peer
	SendTimeout time.Duration `yaml:"sendTimeout"`
	// MaxPayloadSize bounds a received payload after decompression
	MaxPayloadSize int64 `yaml:"maxPayloadSize"`
}

// StorageConfig holds repository settings
type StorageConfig struct {
	// Type is "memory" or "mongodb"
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	GridFS     struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int32  `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PayloadsConfig holds payload storage settings
type PayloadsConfig struct {
	// Type is "file", "gridfs" or "minio"
	Type  string            `yaml:"type"`
	File  FilePayloadConfig `yaml:"file"`
	Minio minio.Config      `yaml:"minio"`
}

// FilePayloadConfig holds file system payload storage settings
type FilePayloadConfig struct {
	Dir string `yaml:"dir"`
}

// SecurityConfig holds key settings for message signing
type SecurityConfig struct {
	// SigningKeys maps a key alias used in P-Modes to an Ed25519 key
	SigningKeys map[string]KeyFile `yaml:"signingKeys"`
	// TrustedKeys maps a key id to the PEM file of a trusted public key
	TrustedKeys map[string]string `yaml:"trustedKeys"`
	// TimestampTTL is how long a received security header stays valid
	TimestampTTL time.Duration `yaml:"timestampTTL"`
}

// KeyFile references a private key
type KeyFile struct {
	// KeyID is published in signatures, the alias when empty
	KeyID string `yaml:"keyId"`
	Path  string `yaml:"path"`
}

// WorkersConfig holds background worker settings
type WorkersConfig struct {
	Send struct {
		Enabled      bool          `yaml:"enabled"`
		PollInterval time.Duration `yaml:"pollInterval"`
		BatchSize    int           `yaml:"batchSize"`
	} `yaml:"send"`
	Retry struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"retry"`
	Pull struct {
		Enabled     bool `yaml:"enabled"`
		Workers     int  `yaml:"workers"`
		MaxPerRound int  `yaml:"maxPerRound"`

		// RefreshInterval is how often the P-Mode set is re-read
		RefreshInterval time.Duration `yaml:"refreshInterval"`
	} `yaml:"pull"`
	Purge struct {
		Enabled   bool          `yaml:"enabled"`
		Schedule  string        `yaml:"schedule"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"purge"`
}

// DiscoveryConfig holds endpoint resolution settings for P-Mode legs
// without a protocol address
type DiscoveryConfig struct {
	// Endpoints maps receiver party ids to fixed endpoint URLs
	Endpoints map[string]string `yaml:"endpoints"`
	BDXL      struct {
		Enabled     bool   `yaml:"enabled"`
		Domain      string `yaml:"domain"`
		Environment string `yaml:"environment"`
		DNSServer   string `yaml:"dnsServer"`
		// SMPURL skips the DNS lookup
		SMPURL   string        `yaml:"smpUrl"`
		CacheTTL time.Duration `yaml:"cacheTTL"`
	} `yaml:"bdxl"`
}

// EventsConfig holds event processing settings
type EventsConfig struct {
	// Timeout bounds one event handler invocation
	Timeout  time.Duration         `yaml:"timeout"`
	Handlers []pmode.HandlerConfig `yaml:"handlers"`
	Redis    RedisConfig           `yaml:"redis"`
	Kafka    KafkaConfig           `yaml:"kafka"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// PModesConfig locates the P-Mode file
type PModesConfig struct {
	File string `yaml:"file"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 100 << 20
	}
	if c.Server.Metrics.Path == "" {
		c.Server.Metrics.Path = "/metrics"
	}
	if c.MSH.MessageIDDomain == "" {
		c.MSH.MessageIDDomain = "msh.siros.org"
	}
	if c.MSH.MaxPayloadSize == 0 {
		c.MSH.MaxPayloadSize = 100 << 20
	}
	if c.MSH.SendTimeout == 0 {
		c.MSH.SendTimeout = 30 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "msh"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Payloads.Type == "" {
		c.Payloads.Type = "file"
		if c.Storage.Type == "mongodb" {
			c.Payloads.Type = "gridfs"
		}
	}
	if c.Payloads.File.Dir == "" {
		c.Payloads.File.Dir = "payloads"
	}
	if c.Payloads.Minio.Bucket == "" {
		c.Payloads.Minio.Bucket = "msh-payloads"
	}
	if c.Security.TimestampTTL == 0 {
		c.Security.TimestampTTL = 5 * time.Minute
	}
	if c.Workers.Send.PollInterval == 0 {
		c.Workers.Send.PollInterval = 5 * time.Second
	}
	if c.Workers.Send.BatchSize == 0 {
		c.Workers.Send.BatchSize = 10
	}
	if c.Workers.Retry.Interval == 0 {
		c.Workers.Retry.Interval = 10 * time.Second
	}
	if c.Workers.Pull.Workers == 0 {
		c.Workers.Pull.Workers = 4
	}
	if c.Workers.Pull.MaxPerRound == 0 {
		c.Workers.Pull.MaxPerRound = 10
	}
	if c.Workers.Pull.RefreshInterval == 0 {
		c.Workers.Pull.RefreshInterval = 10 * time.Second
	}
	if c.Workers.Purge.Schedule == "" {
		c.Workers.Purge.Schedule = "@hourly"
	}
	if c.Workers.Purge.Retention == 0 {
		c.Workers.Purge.Retention = 30 * 24 * time.Hour
	}
	if c.Discovery.BDXL.CacheTTL == 0 {
		c.Discovery.BDXL.CacheTTL = time.Hour
	}
	if c.Events.Timeout == 0 {
		c.Events.Timeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'mongodb', got '%s'", c.Storage.Type)
	}

	switch c.Payloads.Type {
	case "file":
	case "gridfs":
		if c.Storage.Type != "mongodb" {
			return fmt.Errorf("payloads.type 'gridfs' requires storage.type 'mongodb'")
		}
	case "minio":
		if c.Payloads.Minio.Endpoint == "" {
			return fmt.Errorf("payloads.minio.endpoint is required when type is 'minio'")
		}
	default:
		return fmt.Errorf("payloads.type must be 'file', 'gridfs', or 'minio', got '%s'", c.Payloads.Type)
	}

	if o := c.Server.OAuth2; (o.Issuer != "" || o.Audience != "") && o.JWKSURL == "" {
		return fmt.Errorf("server.oauth2.jwksUrl is required when an issuer or audience is set")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	for alias, k := range c.Security.SigningKeys {
		if k.Path == "" {
			return fmt.Errorf("security.signingKeys.%s.path is required", alias)
		}
	}

	if b := c.Discovery.BDXL; b.Enabled && b.Domain == "" && b.SMPURL == "" {
		return fmt.Errorf("discovery.bdxl.domain or discovery.bdxl.smpUrl is required when BDXL is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got '%s'", c.Logging.Level)
	}

	for i, h := range c.Events.Handlers {
		if h.ID == "" || h.Type == "" {
			return fmt.Errorf("events.handlers[%d] needs an id and a type", i)
		}
	}
	return nil
}
