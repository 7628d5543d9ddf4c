package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/permission"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "powblocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, RuntimeProcess, cfg.Runtime.Kind)
	assert.Equal(t, []string{"mockruntime"}, cfg.Runtime.Cmd)
	assert.Equal(t, "push", cfg.Transport.Strategy)
	assert.Equal(t, time.Second, cfg.Transport.PollInterval)
	assert.True(t, cfg.Gateway.RecordRejected)
	assert.Equal(t, 2, cfg.Gateway.StopRetries)
	assert.Equal(t, permission.ModePrompt, cfg.Permissions.Default)
	assert.Equal(t, 300*time.Millisecond, cfg.Busy.Delay)
	assert.Equal(t, 500*time.Millisecond, cfg.Busy.MinDuration)
	assert.Equal(t, "powblocks", cfg.Telemetry.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid default", mutate: func(*Config) {}},
		{name: "empty process cmd", mutate: func(c *Config) { c.Runtime.Cmd = nil }, wantErr: "'runtime.cmd' is empty"},
		{name: "http without url", mutate: func(c *Config) { c.Runtime.Kind = RuntimeHTTP }, wantErr: "'runtime.url' is required"},
		{name: "http relative url", mutate: func(c *Config) {
			c.Runtime.Kind = RuntimeHTTP
			c.Runtime.URL = "localhost"
		}, wantErr: "invalid 'runtime.url'"},
		{name: "http ok", mutate: func(c *Config) {
			c.Runtime.Kind = RuntimeHTTP
			c.Runtime.URL = "http://localhost:8790"
		}},
		{name: "unknown runtime", mutate: func(c *Config) { c.Runtime.Kind = "docker" }, wantErr: "invalid 'runtime.kind'"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Transport.Strategy = "carrier-pigeon" }, wantErr: "invalid 'transport.strategy'"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Transport.PollInterval = 0 }, wantErr: "'transport.poll_interval' must be positive"},
		{name: "no concurrent polls", mutate: func(c *Config) { c.Transport.MaxConcurrentPolls = 0 }, wantErr: "max_concurrent_polls"},
		{name: "negative stop retries", mutate: func(c *Config) { c.Gateway.StopRetries = -1 }, wantErr: "'gateway.stop_retries'"},
		{name: "bad permission rule", mutate: func(c *Config) {
			c.Permissions.Rules = []permission.Rule{{API: "fetch", Mode: "sometimes"}}
		}, wantErr: "permissions.rules[0]"},
		{name: "no data dir", mutate: func(c *Config) { c.Storage.DataDir = "" }, wantErr: "'storage.data_dir' is empty"},
		{name: "explicit paths without data dir", mutate: func(c *Config) {
			c.Storage = StorageConfig{DBPath: "/tmp/p.db", EventsDir: "/tmp/j"}
		}},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid 'logging.format'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "configuration error")
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "powblocks.yaml")
	cfg := GenerateDefault()
	cfg.Transport.Strategy = "poll"
	cfg.Transport.PollInterval = 250 * time.Millisecond
	cfg.Runtime.Env = map[string]string{"NODE_ENV": "production"}
	cfg.Permissions.Rules = []permission.Rule{{API: "fetch", Name: "net.*", Mode: permission.ModeAllow}}
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "poll", loaded.Transport.Strategy)
	assert.Equal(t, 250*time.Millisecond, loaded.Transport.PollInterval)
	assert.Equal(t, 30*time.Second, loaded.Runtime.RequestTimeout)
	assert.Equal(t, map[string]string{"NODE_ENV": "production"}, loaded.Runtime.Env)
	assert.Equal(t, []permission.Rule{{API: "fetch", Name: "net.*", Mode: permission.ModeAllow}}, loaded.Permissions.Rules)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "powblocks"), loaded.Storage.DataDir)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
transport:
  strategy: poll
  poll_interval: 2s
logging:
  level: warn
`)
	t.Setenv("POWBLOCKS_TRANSPORT_POLL_INTERVAL", "750ms")
	t.Setenv("POWBLOCKS_RUNTIME_API_KEY", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	loader := NewLoader()
	loader.SetConfigFile(path)
	require.NoError(t, loader.BindFlag("logging.level", flags.Lookup("log-level")))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, "poll", cfg.Transport.Strategy, "file over default")
	assert.Equal(t, 750*time.Millisecond, cfg.Transport.PollInterval, "env over file")
	assert.Equal(t, "from-env", cfg.Runtime.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level, "flag over file")
	assert.Equal(t, 10, cfg.Transport.MaxConcurrentPolls, "default kept")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidConfig(t *testing.T) {
	path := writeConfig(t, "runtime:\n  kind: docker\n")
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Hint:")
}

func TestBindFlagMissing(t *testing.T) {
	assert.Error(t, NewLoader().BindFlag("logging.level", nil))
}

func TestStorageDerivedPaths(t *testing.T) {
	s := StorageConfig{DataDir: "/data"}
	assert.Equal(t, "/data/powblocks.db", s.DatabasePath())
	assert.Equal(t, "/data/journal", s.JournalDir())
	assert.Equal(t, "/data/powblocks.db", s.DB().Path)

	s = StorageConfig{DataDir: "/data", DBPath: "/db/x.db", EventsDir: "/ev"}
	assert.Equal(t, "/db/x.db", s.DatabasePath())
	assert.Equal(t, "/ev", s.JournalDir())
}

func TestConversions(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Runtime.URL = "http://rt"
	cfg.Runtime.APIKey = "k"

	assert.Equal(t, []string{"mockruntime"}, cfg.Runtime.Process().Command)
	assert.Equal(t, "http://rt", cfg.Runtime.HTTP().BaseURL)
	assert.Equal(t, "k", cfg.Runtime.HTTP().APIKey)
	assert.Equal(t, cfg.Transport.PollInterval, cfg.Transport.Poll().Interval)
	assert.Equal(t, cfg.Gateway.StopRetries, cfg.Gateway.Config().StopRetries)
	assert.Equal(t, "info", cfg.Logging.Config().Level)
	assert.Equal(t, "1.2.3", cfg.Telemetry.Config("1.2.3").Version)
}

func TestParseInputs(t *testing.T) {
	got, err := ParseInputs([]string{"city=Oslo", "query=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"city": "Oslo", "query": "a=b", "empty": ""}, got)

	_, err = ParseInputs([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseInputs([]string{"=x"})
	assert.Error(t, err)
}
