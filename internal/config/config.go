// Package config loads powblocks settings from defaults, powblocks.yaml,
// POWBLOCKS_* environment variables and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/powblocks/internal/busy"
	"github.com/iambrandonn/powblocks/internal/db"
	"github.com/iambrandonn/powblocks/internal/fsutil"
	"github.com/iambrandonn/powblocks/internal/gateway"
	"github.com/iambrandonn/powblocks/internal/logging"
	"github.com/iambrandonn/powblocks/internal/permission"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/telemetry"
	"github.com/iambrandonn/powblocks/internal/transport"
	"github.com/iambrandonn/powblocks/internal/workspace"
)

// Runtime kinds.
const (
	RuntimeProcess = "process"
	RuntimeHTTP    = "http"
)

// Config is the full powblocks configuration.
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime" mapstructure:"runtime"`
	Transport   TransportConfig   `yaml:"transport" mapstructure:"transport"`
	Gateway     GatewayConfig     `yaml:"gateway" mapstructure:"gateway"`
	Permissions permission.Policy `yaml:"permissions" mapstructure:"permissions"`
	Busy        busy.Config       `yaml:"busy" mapstructure:"busy"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

// RuntimeConfig selects and configures the execution runtime.
type RuntimeConfig struct {
	// Kind is "process" (NDJSON subprocess) or "http".
	Kind string `yaml:"kind" mapstructure:"kind"`

	// Cmd is the runtime argv when Kind is process.
	Cmd []string          `yaml:"cmd" mapstructure:"cmd"`
	Env map[string]string `yaml:"env" mapstructure:"env"`

	// URL and APIKey address the runtime service when Kind is http.
	URL    string `yaml:"url" mapstructure:"url"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
}

// TransportConfig selects push or poll delivery of task updates.
type TransportConfig struct {
	Strategy           string        `yaml:"strategy" mapstructure:"strategy"`
	PollInterval       time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxConcurrentPolls int           `yaml:"max_concurrent_polls" mapstructure:"max_concurrent_polls"`
	FailureBackoffBase time.Duration `yaml:"failure_backoff_base" mapstructure:"failure_backoff_base"`
	FailureBackoffMax  time.Duration `yaml:"failure_backoff_max" mapstructure:"failure_backoff_max"`
	MaxFailures        int           `yaml:"max_failures" mapstructure:"max_failures"`
}

// GatewayConfig controls submission and stop behaviour.
type GatewayConfig struct {
	RecordRejected bool          `yaml:"record_rejected" mapstructure:"record_rejected"`
	StopRetries    int           `yaml:"stop_retries" mapstructure:"stop_retries"`
	StopRetryDelay time.Duration `yaml:"stop_retry_delay" mapstructure:"stop_retry_delay"`
}

// StorageConfig locates the history database and the session journals.
// Empty paths are derived from DataDir.
type StorageConfig struct {
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	DBPath    string `yaml:"db_path" mapstructure:"db_path"`
	EventsDir string `yaml:"events_dir" mapstructure:"events_dir"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level        string `yaml:"level" mapstructure:"level"`
	Format       string `yaml:"format" mapstructure:"format"`
	EnableCaller bool   `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" mapstructure:"insecure"`
	MetricsAddr  string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// GenerateDefault returns the built-in configuration.
func GenerateDefault() *Config {
	poll := transport.DefaultPollConfig()
	gw := gateway.DefaultConfig()
	return &Config{
		Runtime: RuntimeConfig{
			Kind:           RuntimeProcess,
			Cmd:            []string{"mockruntime"},
			Env:            map[string]string{},
			RequestTimeout: 30 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Transport: TransportConfig{
			Strategy:           transport.NamePush,
			PollInterval:       poll.Interval,
			MaxConcurrentPolls: poll.MaxConcurrentPolls,
			FailureBackoffBase: poll.FailureBackoffBase,
			FailureBackoffMax:  poll.FailureBackoffMax,
			MaxFailures:        poll.MaxFailures,
		},
		Gateway: GatewayConfig{
			RecordRejected: gw.RecordRejected,
			StopRetries:    gw.StopRetries,
			StopRetryDelay: gw.StopRetryDelay,
		},
		Permissions: permission.Policy{Default: permission.ModePrompt},
		Busy:        busy.DefaultConfig(),
		Storage: StorageConfig{
			DataDir: "~/.local/share/powblocks",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "powblocks",
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	switch c.Runtime.Kind {
	case RuntimeProcess:
		if len(c.Runtime.Cmd) == 0 {
			return fmt.Errorf("configuration error: 'runtime.cmd' is empty\n\nHint: Specify the command that starts the runtime:\n  runtime:\n    kind: process\n    cmd: [\"mockruntime\"]")
		}
	case RuntimeHTTP:
		if c.Runtime.URL == "" {
			return fmt.Errorf("configuration error: 'runtime.url' is required for the http runtime\n\nHint: Point it at the runtime service:\n  runtime:\n    kind: http\n    url: http://localhost:8790\n\nor set POWBLOCKS_RUNTIME_URL")
		}
		u, err := url.Parse(c.Runtime.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("configuration error: invalid 'runtime.url' value: %q\n\nHint: Use an absolute URL such as http://localhost:8790", c.Runtime.URL)
		}
	default:
		return fmt.Errorf("configuration error: invalid 'runtime.kind' value: %q\n\nHint: Use \"process\" or \"http\"", c.Runtime.Kind)
	}

	switch c.Transport.Strategy {
	case transport.NamePush, transport.NamePoll:
	default:
		return fmt.Errorf("configuration error: invalid 'transport.strategy' value: %q\n\nHint: Use \"push\" to follow runtime streams or \"poll\" to ask for results periodically", c.Transport.Strategy)
	}
	if c.Transport.PollInterval <= 0 {
		return fmt.Errorf("configuration error: 'transport.poll_interval' must be positive, got %s\n\nHint: Durations look like \"1s\" or \"500ms\"", c.Transport.PollInterval)
	}
	if c.Transport.MaxConcurrentPolls < 1 {
		return fmt.Errorf("configuration error: 'transport.max_concurrent_polls' must be at least 1, got %d", c.Transport.MaxConcurrentPolls)
	}
	if c.Transport.MaxFailures < 1 {
		return fmt.Errorf("configuration error: 'transport.max_failures' must be at least 1, got %d", c.Transport.MaxFailures)
	}

	if c.Gateway.StopRetries < 0 {
		return fmt.Errorf("configuration error: 'gateway.stop_retries' cannot be negative, got %d", c.Gateway.StopRetries)
	}

	if err := c.Permissions.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w\n\nHint: Each rule needs an api pattern and a mode of allow, deny or prompt:\n  permissions:\n    default: prompt\n    rules:\n      - api: fetch\n        mode: allow", err)
	}

	if c.Busy.Delay < 0 || c.Busy.MinDuration < 0 {
		return fmt.Errorf("configuration error: 'busy.delay' and 'busy.min_duration' cannot be negative")
	}

	if c.Storage.DataDir == "" && (c.Storage.DBPath == "" || c.Storage.EventsDir == "") {
		return fmt.Errorf("configuration error: 'storage.data_dir' is empty\n\nHint: Set a data directory, e.g.\n  storage:\n    data_dir: ~/.local/share/powblocks")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'logging.format' value: %q\n\nHint: Use \"console\" or \"json\"", c.Logging.Format)
	}
	return nil
}

// DatabasePath returns the history database path.
func (s StorageConfig) DatabasePath() string {
	if s.DBPath != "" {
		return s.DBPath
	}
	return filepath.Join(s.DataDir, "powblocks.db")
}

// JournalDir returns the directory holding session journals.
func (s StorageConfig) JournalDir() string {
	if s.EventsDir != "" {
		return s.EventsDir
	}
	return filepath.Join(s.DataDir, "journal")
}

// Layout returns the on-disk layout.
func (s StorageConfig) Layout() workspace.Layout {
	return workspace.Layout{
		DataDir:    s.DataDir,
		DBPath:     s.DatabasePath(),
		JournalDir: s.JournalDir(),
	}
}

// DB returns the database settings.
func (s StorageConfig) DB() db.Config {
	cfg := db.DefaultConfig()
	cfg.Path = s.DatabasePath()
	return cfg
}

// Process returns the subprocess runtime settings.
func (r RuntimeConfig) Process() runtime.ProcessConfig {
	return runtime.ProcessConfig{
		Command:        r.Cmd,
		Env:            r.Env,
		RequestTimeout: r.RequestTimeout,
		StopTimeout:    r.StopTimeout,
	}
}

// HTTP returns the HTTP runtime settings.
func (r RuntimeConfig) HTTP() runtime.HTTPConfig {
	return runtime.HTTPConfig{
		BaseURL:        r.URL,
		APIKey:         r.APIKey,
		RequestTimeout: r.RequestTimeout,
	}
}

// Poll returns the poll strategy settings.
func (t TransportConfig) Poll() transport.PollConfig {
	return transport.PollConfig{
		Interval:           t.PollInterval,
		MaxConcurrentPolls: t.MaxConcurrentPolls,
		FailureBackoffBase: t.FailureBackoffBase,
		FailureBackoffMax:  t.FailureBackoffMax,
		MaxFailures:        t.MaxFailures,
	}
}

// Config returns the gateway settings.
func (g GatewayConfig) Config() gateway.Config {
	return gateway.Config{
		RecordRejected: g.RecordRejected,
		StopRetries:    g.StopRetries,
		StopRetryDelay: g.StopRetryDelay,
	}
}

// Config returns the logging settings. Output is left to the caller.
func (l LoggingConfig) Config() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, EnableCaller: l.EnableCaller}
}

// Config returns the telemetry settings.
func (t TelemetryConfig) Config(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:  t.ServiceName,
		Version:      version,
		OTLPEndpoint: t.OTLPEndpoint,
		Insecure:     t.Insecure,
		MetricsAddr:  t.MetricsAddr,
	}
}

// settings returns the configuration as nested maps keyed like the YAML
// file, with durations spelled as strings.
func (c *Config) settings() map[string]any {
	rules := make([]map[string]any, 0, len(c.Permissions.Rules))
	for _, r := range c.Permissions.Rules {
		rule := map[string]any{"api": r.API, "mode": string(r.Mode)}
		if r.Name != "" {
			rule["name"] = r.Name
		}
		rules = append(rules, rule)
	}
	env := make(map[string]any, len(c.Runtime.Env))
	for k, v := range c.Runtime.Env {
		env[k] = v
	}
	return map[string]any{
		"runtime": map[string]any{
			"kind":            c.Runtime.Kind,
			"cmd":             c.Runtime.Cmd,
			"env":             env,
			"url":             c.Runtime.URL,
			"api_key":         c.Runtime.APIKey,
			"request_timeout": c.Runtime.RequestTimeout.String(),
			"stop_timeout":    c.Runtime.StopTimeout.String(),
		},
		"transport": map[string]any{
			"strategy":             c.Transport.Strategy,
			"poll_interval":        c.Transport.PollInterval.String(),
			"max_concurrent_polls": c.Transport.MaxConcurrentPolls,
			"failure_backoff_base": c.Transport.FailureBackoffBase.String(),
			"failure_backoff_max":  c.Transport.FailureBackoffMax.String(),
			"max_failures":         c.Transport.MaxFailures,
		},
		"gateway": map[string]any{
			"record_rejected":  c.Gateway.RecordRejected,
			"stop_retries":     c.Gateway.StopRetries,
			"stop_retry_delay": c.Gateway.StopRetryDelay.String(),
		},
		"permissions": map[string]any{
			"default": string(c.Permissions.Default),
			"rules":   rules,
		},
		"busy": map[string]any{
			"delay":        c.Busy.Delay.String(),
			"min_duration": c.Busy.MinDuration.String(),
		},
		"storage": map[string]any{
			"data_dir":   c.Storage.DataDir,
			"db_path":    c.Storage.DBPath,
			"events_dir": c.Storage.EventsDir,
		},
		"logging": map[string]any{
			"level":         c.Logging.Level,
			"format":        c.Logging.Format,
			"enable_caller": c.Logging.EnableCaller,
		},
		"telemetry": map[string]any{
			"service_name":  c.Telemetry.ServiceName,
			"otlp_endpoint": c.Telemetry.OTLPEndpoint,
			"insecure":      c.Telemetry.Insecure,
			"metrics_addr":  c.Telemetry.MetricsAddr,
		},
	}
}

// flatten turns nested settings into dotted viper keys.
func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && prefix == "" {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// YAML renders the configuration as it would be written to powblocks.yaml.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.settings())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveToFile writes the configuration as YAML with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// ParseInputs turns repeated key=value flags into an action input map.
func ParseInputs(pairs []string) (map[string]string, error) {
	input := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", p)
		}
		input[k] = v
	}
	return input, nil
}
