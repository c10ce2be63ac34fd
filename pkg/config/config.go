package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/dirsync/pkg/protocol"
)

type AgentConfig struct {
	Server    UpstreamConfig  `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Agent     AgentInfoConfig `yaml:"agent"`
	Collector CollectorConfig `yaml:"collector"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// UpstreamConfig describes how the agent reaches the sync server.
type UpstreamConfig struct {
	URL             string `yaml:"url"`
	CAFile          string `yaml:"ca_file"`
	ServerName      string `yaml:"server_name"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type IdentityConfig struct {
	Path         string   `yaml:"path"`
	ValidityDays int      `yaml:"validity_days"`
	RenewBefore  Duration `yaml:"renew_before"`
}

// AgentInfoConfig overrides what the agent reports about itself at
// registration. Empty fields are discovered from the host.
type AgentInfoConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Domain      string `yaml:"domain"`
	MachineName string `yaml:"machine_name"`
}

type CollectorConfig struct {
	// ExportDir holds users.json, groups.json and policies.json exported
	// from the directory service.
	ExportDir     string `yaml:"export_dir"`
	Encoding      string `yaml:"encoding"`
	Compression   string `yaml:"compression"`
	HashAlgorithm string `yaml:"hash_algorithm"`
	MaxPending    int    `yaml:"max_pending"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: UpstreamConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  30,
			RetryInitialMs:  500,
			RetryMaxMs:      30000,
			RetryMaxRetries: 3,
		},
		Identity: IdentityConfig{
			Path:         "/var/lib/dirsync/identity.json",
			ValidityDays: 90,
			RenewBefore:  Duration(14 * 24 * time.Hour),
		},
		Agent: AgentInfoConfig{
			Type: string(protocol.AgentTypeDomainController),
		},
		Collector: CollectorConfig{
			ExportDir:     "/var/lib/dirsync/export",
			Encoding:      protocol.EncodingJSON,
			Compression:   protocol.CompressionZstd,
			HashAlgorithm: "sha256",
			MaxPending:    32,
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("DIRSYNC_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if caFile := os.Getenv("DIRSYNC_CA_FILE"); caFile != "" {
		cfg.Server.CAFile = caFile
	}
	if path := os.Getenv("DIRSYNC_IDENTITY_PATH"); path != "" {
		cfg.Identity.Path = path
	}
	if agentType := os.Getenv("DIRSYNC_AGENT_TYPE"); agentType != "" {
		cfg.Agent.Type = agentType
	}
	if dir := os.Getenv("DIRSYNC_EXPORT_DIR"); dir != "" {
		cfg.Collector.ExportDir = dir
	}
	if level := os.Getenv("DIRSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &Error{fmt.Sprintf("parse %s: %v", path, err)}
	}
	return nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") {
		return &Error{"server URL must be https"}
	}
	if c.Identity.Path == "" {
		return &Error{"identity.path is required"}
	}
	if _, err := protocol.ParseAgentType(c.Agent.Type); err != nil {
		return &Error{"agent.type: " + err.Error()}
	}
	switch c.Collector.Encoding {
	case "":
		c.Collector.Encoding = protocol.EncodingJSON
	case protocol.EncodingJSON, protocol.EncodingCBOR:
	default:
		return &Error{fmt.Sprintf("collector.encoding %q is not supported", c.Collector.Encoding)}
	}
	switch c.Collector.Compression {
	case "":
		c.Collector.Compression = protocol.CompressionNone
	case protocol.CompressionNone, protocol.CompressionZstd:
	default:
		return &Error{fmt.Sprintf("collector.compression %q is not supported", c.Collector.Compression)}
	}
	switch c.Collector.HashAlgorithm {
	case "":
		c.Collector.HashAlgorithm = "sha256"
	case "sha256", "blake3":
	default:
		return &Error{fmt.Sprintf("collector.hash_algorithm %q is not supported", c.Collector.HashAlgorithm)}
	}
	if c.Collector.MaxPending <= 0 {
		c.Collector.MaxPending = 32
	}
	if c.Identity.ValidityDays <= 0 {
		c.Identity.ValidityDays = 90
	}
	if c.Identity.RenewBefore <= 0 {
		c.Identity.RenewBefore = Duration(14 * 24 * time.Hour)
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 30000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 3
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Health.TimeDriftMaxS <= 0 {
		c.Health.TimeDriftMaxS = 120
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrMissingListen    = &Error{"listen address is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Duration is a time.Duration that reads "90d" style day counts as well
// as anything time.ParseDuration accepts.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses a duration with support for a day suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok && days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
