package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "sessiongate.yml"

// Config models sessiongate.yml.
type Config struct {
	Gate struct {
		Threshold           int    `yaml:"threshold" json:"threshold"`
		MajorsBlocking      bool   `yaml:"majors_blocking" json:"majors_blocking"`
		EscalateMajorsAfter int    `yaml:"escalate_majors_after" json:"escalate_majors_after"`
		ArtifactsDir        string `yaml:"artifacts_dir" json:"artifacts_dir"`
	} `yaml:"gate" json:"gate"`
	Scoring struct {
		Critical       int  `yaml:"critical" json:"critical"`
		Major          int  `yaml:"major" json:"major"`
		Warning        int  `yaml:"warning" json:"warning"`
		ZeroOnCritical bool `yaml:"zero_on_critical" json:"zero_on_critical"`
	} `yaml:"scoring" json:"scoring"`
	Retry struct {
		MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
		BaseDelayMS int `yaml:"base_delay_ms" json:"base_delay_ms"`
		MaxDelayMS  int `yaml:"max_delay_ms" json:"max_delay_ms"`
	} `yaml:"retry" json:"retry"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Store      struct {
		Driver      string `yaml:"driver" json:"driver"`
		SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns" json:"max_conns"`
	} `yaml:"store" json:"store"`
	Audit struct {
		Driver   string `yaml:"driver" json:"driver"`
		FilePath string `yaml:"file_path" json:"file_path"`
	} `yaml:"audit" json:"audit"`
	Staleness struct {
		Threshold string `yaml:"threshold" json:"threshold"`
	} `yaml:"staleness" json:"staleness"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Metrics  struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Path    string `yaml:"path" json:"path"`
	} `yaml:"metrics" json:"metrics"`
}

type ValidationConfig struct {
	ArtifactRequiredFields []string    `yaml:"artifact_required_fields" json:"artifact_required_fields"`
	FilenameFields         []string    `yaml:"filename_fields" json:"filename_fields"`
	FilenamePattern        string      `yaml:"filename_pattern" json:"filename_pattern"`
	CountPairs             []CountPair `yaml:"count_pairs" json:"count_pairs"`
	EstimateFields         []string    `yaml:"estimate_fields" json:"estimate_fields"`
	DenyPatterns           []string    `yaml:"deny_patterns" json:"deny_patterns"`
	AllowTerms             []string    `yaml:"allow_terms" json:"allow_terms"`
}

type CountPair struct {
	Field   string `yaml:"field" json:"field"`
	CountOf string `yaml:"count_of" json:"count_of"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

var (
	storeDrivers = map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	auditDrivers = map[string]bool{"store": true, "file": true}
	auditEvents  = map[string]bool{"created": true, "phase_closed": true, "session_closed": true, "gate_blocked": true}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 100 {
		return fmt.Errorf("config.gate.threshold must be between 0 and 100")
	}
	if c.Gate.EscalateMajorsAfter < 0 {
		return fmt.Errorf("config.gate.escalate_majors_after must not be negative")
	}
	if c.Scoring.Critical <= 0 || c.Scoring.Major <= 0 || c.Scoring.Warning <= 0 {
		return fmt.Errorf("config.scoring deductions must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("config.retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms")
	}
	if c.Validation.FilenamePattern != "" {
		if _, err := regexp.Compile(c.Validation.FilenamePattern); err != nil {
			return fmt.Errorf("config.validation.filename_pattern: %w", err)
		}
	}
	for _, p := range c.Validation.DenyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config.validation.deny_patterns %q: %w", p, err)
		}
	}
	for _, pair := range c.Validation.CountPairs {
		if pair.Field == "" || pair.CountOf == "" {
			return fmt.Errorf("config.validation.count_pairs entries need field and count_of")
		}
	}
	if !storeDrivers[c.Store.Driver] {
		return fmt.Errorf("config.store.driver %q must be one of sqlite, postgres, memory", c.Store.Driver)
	}
	if !auditDrivers[c.Audit.Driver] {
		return fmt.Errorf("config.audit.driver %q must be one of store, file", c.Audit.Driver)
	}
	if _, err := c.StaleAfter(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if !auditEvents[strings.TrimSpace(evt)] {
				return fmt.Errorf("config.webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("config.metrics.path must start with /")
	}
	return nil
}

// StaleAfter parses the staleness threshold; 0 disables staleness reporting.
func (c *Config) StaleAfter() (time.Duration, error) {
	if strings.TrimSpace(c.Staleness.Threshold) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Staleness.Threshold)
	if err != nil {
		return 0, fmt.Errorf("config.staleness.threshold: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config.staleness.threshold must not be negative")
	}
	return d, nil
}

// RetryDelays returns the backoff bounds.
func (c *Config) RetryDelays() (base, max time.Duration) {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond, time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it. Sections left
// out of data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `gate:
  threshold: 80
  majors_blocking: false
  # 0 disables escalation of accumulated majors.
  escalate_majors_after: 0
  artifacts_dir: .

scoring:
  critical: 25
  major: 5
  warning: 1
  zero_on_critical: true

retry:
  max_attempts: 3
  base_delay_ms: 10
  max_delay_ms: 200

validation:
  artifact_required_fields: []
  filename_fields: [output_ref, output_file]
  filename_pattern: '^[a-z0-9]+([._-][a-z0-9]+)*$'
  count_pairs:
    - field: task_count
      count_of: tasks
    - field: file_count
      count_of: files
  estimate_fields: [estimate, estimated_effort, estimated_time, effort, effort_estimate, time_estimate, duration, eta]
  deny_patterns:
    - '\b\d+(\.\d+)?\s*(-|to)\s*\d+(\.\d+)?\s*(minutes?|mins?|hours?|hrs?|days?|weeks?|months?|sprints?)\b'
    - '\b\d+(\.\d+)?\s*(minutes?|mins?|hours?|hrs?|h|days?|d|weeks?|wks?|months?|sprints?)\b'
    - '\b(hours?|days?|weeks?|months?|sprints?)\b'
  allow_terms: [ttl, timeout, cron, retention, expiry, backoff, rate limit, sla]

store:
  # sqlite | postgres | memory
  driver: sqlite
  sqlite_path: ""
  postgres_dsn: ""
  max_conns: 10

audit:
  # store | file
  driver: store
  file_path: ""

staleness:
  threshold: 24h

webhooks: []

metrics:
  enabled: true
  path: /metrics
`
