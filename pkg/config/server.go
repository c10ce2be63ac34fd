package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/dirsync/pkg/protocol"
)

// ServerConfig configures the sync server.
type ServerConfig struct {
	Listen   string         `yaml:"listen"`
	TLS      TLSConfig      `yaml:"tls"`
	Database DatabaseConfig `yaml:"database"`
	CA       CAConfig       `yaml:"ca"`
	Policy   PolicyConfig   `yaml:"policy"`
	Agents   AgentsConfig   `yaml:"agents"`
	Admin    AdminConfig    `yaml:"admin"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type TLSConfig struct {
	// CertFile and KeyFile are the serving certificate. When unset the
	// server issues its own from the CA for Hosts.
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
	// TrustProxyHeader accepts the client certificate from ProxyHeader,
	// set by a TLS-terminating proxy in front of the server.
	TrustProxyHeader bool   `yaml:"trust_proxy_header"`
	ProxyHeader      string `yaml:"proxy_header"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CAConfig struct {
	CertPath      string   `yaml:"cert_path"`
	KeyPath       string   `yaml:"key_path"`
	CommonName    string   `yaml:"common_name"`
	Organization  string   `yaml:"organization"`
	Validity      Duration `yaml:"validity"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type PolicyConfig struct {
	MinValidityDays     int      `yaml:"min_validity_days"`
	MaxValidityDays     int      `yaml:"max_validity_days"`
	DefaultValidityDays int      `yaml:"default_validity_days"`
	RenewalThreshold    Duration `yaml:"renewal_threshold"`
}

// AgentsConfig tunes agent-facing behavior. BootstrapSecret keys the HMAC
// of stored bootstrap tokens and must be shared by replicas.
type AgentsConfig struct {
	HeartbeatIntervalS  int           `yaml:"heartbeat_interval_s"`
	CollectionIntervalS int           `yaml:"collection_interval_s"`
	EnabledDataTypes    []string      `yaml:"enabled_data_types"`
	PartialSuccessTypes []string      `yaml:"partial_success_types"`
	RecencyWindow       Duration      `yaml:"recency_window"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryInitial        Duration      `yaml:"retry_initial"`
	RetryMax            Duration      `yaml:"retry_max"`
	MaxPayloadMB        int           `yaml:"max_payload_mb"`
	ClockSkew           Duration      `yaml:"clock_skew"`
	BootstrapTokenTTL   Duration      `yaml:"bootstrap_token_ttl"`
	BootstrapSecret     string        `yaml:"bootstrap_secret"`
	RegisterRatePerMin  int           `yaml:"register_rate_per_min"`
	LatestRelease       ReleaseConfig `yaml:"latest_release"`
}

type ReleaseConfig struct {
	Version string `yaml:"version"`
	URL     string `yaml:"url"`
}

type AdminConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	LockTTL   Duration `yaml:"lock_ttl"`
	KeyPrefix string   `yaml:"key_prefix"`
}

type EventsConfig struct {
	Backend  string `yaml:"backend"`
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Exchange string `yaml:"exchange"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8443",
		TLS: TLSConfig{
			Hosts:       []string{"localhost", "127.0.0.1"},
			ProxyHeader: "X-Client-Cert",
		},
		Database: DatabaseConfig{Path: "dirsync.db"},
		CA: CAConfig{
			CertPath:      "ca.crt",
			KeyPath:       "ca.key",
			CommonName:    "dirsync agent CA",
			Organization:  "dirsync",
			Validity:      Duration(10 * 365 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Policy: PolicyConfig{
			MinValidityDays:     1,
			MaxValidityDays:     365,
			DefaultValidityDays: 90,
			RenewalThreshold:    Duration(14 * 24 * time.Hour),
		},
		Agents: AgentsConfig{
			HeartbeatIntervalS:  60,
			CollectionIntervalS: 3600,
			EnabledDataTypes:    []string{"users", "groups", "policies"},
			PartialSuccessTypes: []string{"users", "groups"},
			RecencyWindow:       Duration(24 * time.Hour),
			MaxRetries:          5,
			RetryInitial:        Duration(30 * time.Second),
			RetryMax:            Duration(30 * time.Minute),
			MaxPayloadMB:        64,
			ClockSkew:           Duration(2 * time.Minute),
			BootstrapTokenTTL:   Duration(time.Hour),
			RegisterRatePerMin:  30,
		},
		Redis: RedisConfig{
			LockTTL:   Duration(30 * time.Second),
			KeyPrefix: "dirsync:lock:",
		},
		Events: EventsConfig{Backend: "none"},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// LoadServer reads the server config from path with DIRSYNC_* overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if listen := os.Getenv("DIRSYNC_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("DIRSYNC_DB_PATH"); db != "" {
		cfg.Database.Path = db
	}
	if token := os.Getenv("DIRSYNC_ADMIN_TOKEN"); token != "" {
		cfg.Admin.Token = token
	}
	if secret := os.Getenv("DIRSYNC_BOOTSTRAP_SECRET"); secret != "" {
		cfg.Agents.BootstrapSecret = secret
	}
	if addr := os.Getenv("DIRSYNC_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := os.Getenv("DIRSYNC_EVENTS_URL"); url != "" {
		cfg.Events.URL = url
	}
	if level := os.Getenv("DIRSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Admin.Token == "" && cfg.Admin.TokenFile != "" {
		data, err := os.ReadFile(cfg.Admin.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read admin token file: %w", err)
		}
		cfg.Admin.Token = strings.TrimSpace(string(data))
	}

	return cfg, nil
}

// Validate rejects unusable settings and fills zero values with defaults.
func (c *ServerConfig) Validate() error {
	def := DefaultServerConfig()
	if c.Listen == "" {
		return ErrMissingListen
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return &Error{"tls.cert_file and tls.key_file must be set together"}
	}
	if c.TLS.ProxyHeader == "" {
		c.TLS.ProxyHeader = def.TLS.ProxyHeader
	}
	if c.Database.Path == "" {
		return &Error{"database.path is required"}
	}
	if c.CA.CertPath == "" || c.CA.KeyPath == "" {
		return &Error{"ca.cert_path and ca.key_path are required"}
	}
	if c.CA.SweepInterval <= 0 {
		c.CA.SweepInterval = def.CA.SweepInterval
	}

	p := &c.Policy
	if p.MinValidityDays <= 0 {
		p.MinValidityDays = def.Policy.MinValidityDays
	}
	if p.MaxValidityDays < p.MinValidityDays {
		return &Error{"policy.max_validity_days must be >= policy.min_validity_days"}
	}
	if p.DefaultValidityDays == 0 {
		p.DefaultValidityDays = min(def.Policy.DefaultValidityDays, p.MaxValidityDays)
	}
	if p.DefaultValidityDays < p.MinValidityDays || p.DefaultValidityDays > p.MaxValidityDays {
		return &Error{"policy.default_validity_days must be within the validity bounds"}
	}
	if p.RenewalThreshold <= 0 {
		p.RenewalThreshold = def.Policy.RenewalThreshold
	}

	a := &c.Agents
	if a.HeartbeatIntervalS < 5 {
		return &Error{"agents.heartbeat_interval_s must be >= 5"}
	}
	if a.CollectionIntervalS < 60 {
		return &Error{"agents.collection_interval_s must be >= 60"}
	}
	if _, err := ParseDataTypes(a.EnabledDataTypes); err != nil {
		return &Error{"agents.enabled_data_types: " + err.Error()}
	}
	if len(a.EnabledDataTypes) == 0 {
		a.EnabledDataTypes = def.Agents.EnabledDataTypes
	}
	if _, err := ParseDataTypes(a.PartialSuccessTypes); err != nil {
		return &Error{"agents.partial_success_types: " + err.Error()}
	}
	if a.RecencyWindow <= 0 {
		a.RecencyWindow = def.Agents.RecencyWindow
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = def.Agents.MaxRetries
	}
	if a.RetryInitial <= 0 {
		a.RetryInitial = def.Agents.RetryInitial
	}
	if a.RetryMax < a.RetryInitial {
		a.RetryMax = a.RetryInitial
	}
	if a.MaxPayloadMB <= 0 {
		a.MaxPayloadMB = def.Agents.MaxPayloadMB
	}
	if a.ClockSkew <= 0 {
		a.ClockSkew = def.Agents.ClockSkew
	}
	if a.BootstrapTokenTTL <= 0 {
		a.BootstrapTokenTTL = def.Agents.BootstrapTokenTTL
	}

	switch c.Events.Backend {
	case "", "none":
		c.Events.Backend = "none"
	case "nats", "amqp":
		if c.Events.URL == "" {
			return &Error{"events.url is required for the " + c.Events.Backend + " backend"}
		}
	default:
		return &Error{fmt.Sprintf("events.backend %q is not supported", c.Events.Backend)}
	}

	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// ParseDataTypes parses data type names case-insensitively.
func ParseDataTypes(names []string) ([]protocol.DataType, error) {
	out := make([]protocol.DataType, 0, len(names))
	for _, name := range names {
		dt, err := protocol.ParseDataType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}
