package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/strahe/assessor-sync/batch"
	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/engine"
	"github.com/strahe/assessor-sync/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASSESSOR_SYNC_"

type Config struct {
	AppName   string `json:"app_name" toml:"app_name"`
	LogLevel  string `json:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" toml:"log_format" validate:"omitempty,oneof=json console"`

	// Endpoints maps refs to connection URIs. Source and Target name the refs used
	// by the run command.
	Endpoints map[string]string    `json:"endpoints" toml:"endpoints" validate:"required,min=1,dive,keys,required,endkeys,required"`
	Source    string               `json:"source" toml:"source" validate:"required"`
	Target    string               `json:"target" toml:"target" validate:"required"`
	Pool      connector.PoolConfig `json:"pool" toml:"pool"`

	Ledger    LedgerConfig       `json:"ledger" toml:"ledger"`
	Mappings  MappingsConfig     `json:"mappings" toml:"mappings"`
	Engine    EngineConfig       `json:"engine" toml:"engine"`
	Retry     engine.RetryPolicy `json:"retry" toml:"retry"`
	Batch     batch.Config       `json:"batch" toml:"batch"`
	Notify    NotifyConfig       `json:"notify" toml:"notify"`
	Metrics   MetricsConfig      `json:"metrics" toml:"metrics"`
	Retention RetentionConfig    `json:"retention" toml:"retention"`
}

type LedgerConfig struct {
	// URI of the control database. Empty keeps the ledger next to the target.
	URI string `json:"uri" toml:"uri"`
}

type MappingsConfig struct {
	Dir   string `json:"dir" toml:"dir" validate:"required"`
	Watch bool   `json:"watch" toml:"watch"`
}

type EngineConfig struct {
	Concurrency    int           `json:"concurrency" toml:"concurrency" validate:"min=1,max=256"`
	FailFast       bool          `json:"fail_fast" toml:"fail_fast"`
	EnableRollback bool          `json:"enable_rollback" toml:"enable_rollback"`
	MaxRowErrors   int           `json:"max_row_errors" toml:"max_row_errors" validate:"min=0"`
	PollInterval   time.Duration `json:"poll_interval" toml:"poll_interval"`
	// SystemSampler feeds host CPU, memory and disk load to the batch sizer.
	SystemSampler bool `json:"system_sampler" toml:"system_sampler"`
}

type NotifyConfig struct {
	Sinks            []SinkConfig  `json:"sinks" toml:"sinks" validate:"dive"`
	ConflictInterval time.Duration `json:"conflict_interval" toml:"conflict_interval"`
	ConflictBurst    int           `json:"conflict_burst" toml:"conflict_burst" validate:"min=0"`
	WriteTimeout     time.Duration `json:"write_timeout" toml:"write_timeout"`
}

type SinkConfig struct {
	Type    string         `json:"type" toml:"type" validate:"required,oneof=stdout console debug log webhook email archive"`
	Options map[string]any `json:"options,omitempty" toml:"options,omitempty"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `json:"listen" toml:"listen" validate:"omitempty,hostname_port"`
}

type RetentionConfig struct {
	MaxAge time.Duration `json:"max_age" toml:"max_age"`
}

// DefaultConfig returns a configuration with every optional value filled in.
func DefaultConfig() *Config {
	return &Config{
		AppName:   "assessor-sync",
		LogLevel:  "info",
		LogFormat: "console",
		Endpoints: map[string]string{},
		Source:    "source",
		Target:    "target",
		Pool:      connector.DefaultPoolConfig(),
		Mappings:  MappingsConfig{Dir: "mappings"},
		Engine: EngineConfig{
			Concurrency:  4,
			MaxRowErrors: 100,
			PollInterval: 500 * time.Millisecond,
		},
		Retry: engine.DefaultRetryPolicy(),
		Batch: batch.DefaultConfig(),
		Notify: NotifyConfig{
			Sinks:            []SinkConfig{{Type: "log"}},
			ConflictInterval: time.Minute,
			ConflictBurst:    1,
			WriteTimeout:     30 * time.Second,
		},
		Retention: RetentionConfig{MaxAge: 90 * 24 * time.Hour},
	}
}

// LoadFromFile decodes a TOML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewConfigError("failed to read config file: %v", err)
	}

	config := DefaultConfig()

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return nil, models.NewConfigError("failed to parse JSON config: %v", err)
		}
	case strings.HasSuffix(path, ".toml"):
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, models.NewConfigError("failed to parse TOML config: %v", err)
		}
	default:
		return nil, models.NewConfigError("unsupported config file format: %s", path)
	}
	if config.Endpoints == nil {
		config.Endpoints = map[string]string{}
	}
	return config, nil
}

// Load reads path (optional), applies the environment overrides and validates the result.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		var err error
		if config, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides settings from ASSESSOR_SYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("SOURCE_URI"); ok {
		c.Endpoints[c.Source] = v
	}
	if v, ok := get("TARGET_URI"); ok {
		c.Endpoints[c.Target] = v
	}
	if v, ok := get("LEDGER_URI"); ok {
		c.Ledger.URI = v
	}
	if v, ok := get("MAPPINGS_DIR"); ok {
		c.Mappings.Dir = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := get("METRICS_LISTEN"); ok {
		c.Metrics.Listen = v
	}

	ints := []struct {
		name string
		set  func(int)
	}{
		{"CONCURRENCY", func(n int) { c.Engine.Concurrency = n }},
		{"MAX_ATTEMPTS", func(n int) { c.Retry.MaxAttempts = uint(max(n, 0)) }},
		{"MAX_ROW_ERRORS", func(n int) { c.Engine.MaxRowErrors = n }},
		{"BATCH_INITIAL", func(n int) { c.Batch.Initial = n }},
		{"BATCH_MIN", func(n int) { c.Batch.Min = n }},
		{"BATCH_MAX", func(n int) { c.Batch.Max = n }},
	}
	for _, iv := range ints {
		v, ok := get(iv.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.NewConfigError("%s%s: %q is not an integer", EnvPrefix, iv.name, v)
		}
		iv.set(n)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Every failure is a ConfigError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return models.NewConfigError("invalid config: %s", strings.Join(msgs, "; "))
		}
		return models.NewConfigError("invalid config: %v", err)
	}
	for _, ref := range []string{c.Source, c.Target} {
		if _, ok := c.Endpoints[ref]; !ok {
			return models.NewConfigError("endpoint %q is not configured", ref)
		}
	}
	if err := c.Batch.Validate(); err != nil {
		return models.NewConfigError("%v", err)
	}
	if c.Retry.MaxAttempts == 0 {
		return models.NewConfigError("retry.max_attempts must be at least 1")
	}
	return nil
}

// LedgerURI returns the control database URI, defaulting to the target endpoint.
func (c *Config) LedgerURI() string {
	if c.Ledger.URI != "" {
		return c.Ledger.URI
	}
	return c.Endpoints[c.Target]
}
