package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/enosed/internal/config"
	"codeberg.org/mutker/enosed/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "enosed.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "debug"
source = "bench"

[instrument]
addr = "127.0.0.1:9001"

[observer]
addr = "127.0.0.1:9002"
ws_addr = "127.0.0.1:9003"

[filter]
window_size = 3
sine_amplitude = 0.2
sine_frequency = 1.5
sine_enabled = false

[archive]
backend = "sqlite"
db_path = "/tmp/archive.db"
queue_size = 25
write_timeout = "2s"
`)

	t.Setenv("ENOSED_CONFIG", configPath)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "bench", cfg.Source)
	assert.Equal(t, "127.0.0.1:9001", cfg.Instrument.Addr)
	assert.Equal(t, "127.0.0.1:9002", cfg.Observer.Addr)
	assert.Equal(t, "127.0.0.1:9003", cfg.Observer.WebSocketAddr)
	assert.Equal(t, 3, cfg.Filter.WindowSize)
	assert.InDelta(t, 0.2, cfg.Filter.SineAmplitude, 1e-9)
	assert.InDelta(t, 1.5, cfg.Filter.SineFrequency, 1e-9)
	assert.False(t, cfg.Filter.SineEnabled)
	assert.Equal(t, config.ArchiveSQLite, cfg.Archive.Backend)
	assert.Equal(t, "/tmp/archive.db", cfg.Archive.DBPath)
	assert.Equal(t, 25, cfg.Archive.QueueSize)
	assert.Equal(t, 2*time.Second, cfg.Archive.WriteTimeout)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENOSED_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, config.DefaultWindowSize, cfg.Filter.WindowSize)
	assert.InDelta(t, config.DefaultSineAmplitude, cfg.Filter.SineAmplitude, 1e-9)
	assert.InDelta(t, config.DefaultSineFrequency, cfg.Filter.SineFrequency, 1e-9)
	assert.True(t, cfg.Filter.SineEnabled)
	assert.Equal(t, config.DefaultInfluxURL, cfg.Archive.URL)
	assert.Equal(t, config.DefaultInfluxBucket, cfg.Archive.Bucket)
	assert.Equal(t, config.DefaultLogLevel.String(), cfg.LogLevel)
}

func TestLoadConfigFileInvalidFormatFallsBack(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)

	cfg, err := config.Load(nil, config.WithConfigFile(configPath))
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
	assert.Equal(t, config.DefaultWindowSize, cfg.Filter.WindowSize)
}

func TestLoadMissingExplicitFileFallsBack(t *testing.T) {
	cfg, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, config.DefaultInstrumentAddr, cfg.Instrument.Addr)
}

func TestInvalidValuesAreNormalized(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "invalid"

[filter]
window_size = 0

[archive]
backend = "cassandra"
queue_size = -4
`)

	cfg, err := config.Load(nil, config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_size=0")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))

	assert.Equal(t, 1, cfg.Filter.WindowSize)
	assert.Equal(t, config.DefaultLogLevel.String(), cfg.LogLevel)
	assert.Equal(t, config.DefaultArchiveBackend, cfg.Archive.Backend)
	assert.Equal(t, config.DefaultQueueSize, cfg.Archive.QueueSize)
}

func TestFlagsOverrideFile(t *testing.T) {
	configPath := writeConfig(t, `
[filter]
window_size = 3
`)

	cfg, err := config.Load([]string{
		"--config", configPath,
		"--window-size", "8",
		"--sine-enabled=false",
		"--log-level", "warning",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Filter.WindowSize)
	assert.False(t, cfg.Filter.SineEnabled)
	assert.Equal(t, "warning", cfg.LogLevel)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENOSED_CONFIG", "")
	t.Setenv("ENOSED_FILTER_WINDOW_SIZE", "7")
	t.Setenv("INFLUXDB_URL", "http://influx.lab:8086")
	t.Setenv("INFLUXDB_BUCKET", "bench")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Filter.WindowSize)
	assert.Equal(t, "http://influx.lab:8086", cfg.Archive.URL)
	assert.Equal(t, "bench", cfg.Archive.Bucket)
}

func TestBadFlagIsAnError(t *testing.T) {
	cfg, err := config.Load([]string{"--window-size", "many"})
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestMaskedToken(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Token = "abcdefghijklmnopqrstuvwxyz0123456789"
	assert.Equal(t, "abcdefghijklmno...0123456789", cfg.MaskedToken())

	cfg.Archive.Token = "short"
	assert.Equal(t, "*****", cfg.MaskedToken())
}
