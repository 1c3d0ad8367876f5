package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "ENOSED"
	DefaultConfigName = "enosed"
	DefaultLogLevel   = LogLevelInfo
	DefaultSource     = "arduino"

	DefaultInstrumentAddr = "0.0.0.0:8081"
	DefaultObserverAddr   = "0.0.0.0:8082"
	DefaultWebSocketPath  = "/ws"
	DefaultMetricsPath    = "/metrics"

	DefaultWindowSize    = 5
	DefaultSineAmplitude = 0.15
	DefaultSineFrequency = 0.5
	DefaultSineEnabled   = true

	DefaultArchiveBackend = ArchiveInflux
	DefaultInfluxURL      = "http://localhost:8086"
	DefaultInfluxBucket   = "E-Nose"
	DefaultMeasurement    = "sensors"
	DefaultSQLitePath     = "/var/lib/enosed/archive.db"
	DefaultQueueSize      = 100
	DefaultWriteTimeout   = 5 * time.Second
	DefaultBatchSize      = 50
	DefaultFlushInterval  = 2 * time.Second

	DefaultDataCapacity    = 100
	DefaultCommandCapacity = 10
)

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Source     string           `mapstructure:"source"`
	PIDDir     string           `mapstructure:"pid_dir"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Topics     TopicsConfig     `mapstructure:"topics"`
}

type InstrumentConfig struct {
	Addr string `mapstructure:"addr"`
}

type ObserverConfig struct {
	Addr          string `mapstructure:"addr"`
	WebSocketAddr string `mapstructure:"ws_addr"`
	WebSocketPath string `mapstructure:"ws_path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type FilterConfig struct {
	WindowSize    int     `mapstructure:"window_size"`
	SineAmplitude float64 `mapstructure:"sine_amplitude"`
	SineFrequency float64 `mapstructure:"sine_frequency"`
	SineEnabled   bool    `mapstructure:"sine_enabled"`
}

type ArchiveConfig struct {
	Backend       ArchiveBackend `mapstructure:"backend"`
	URL           string         `mapstructure:"url"`
	Token         string         `mapstructure:"token"`
	Org           string         `mapstructure:"org"`
	Bucket        string         `mapstructure:"bucket"`
	Measurement   string         `mapstructure:"measurement"`
	DBPath        string         `mapstructure:"db_path"`
	QueueSize     int            `mapstructure:"queue_size"`
	WriteTimeout  time.Duration  `mapstructure:"write_timeout"`
	BatchSize     int            `mapstructure:"batch_size"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
}

type TopicsConfig struct {
	DataCapacity    int `mapstructure:"data_capacity"`
	CommandCapacity int `mapstructure:"command_capacity"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		LogLevel: string(DefaultLogLevel),
		Source:   DefaultSource,
		PIDDir:   os.TempDir(),
		Instrument: InstrumentConfig{
			Addr: DefaultInstrumentAddr,
		},
		Observer: ObserverConfig{
			Addr:          DefaultObserverAddr,
			WebSocketPath: DefaultWebSocketPath,
		},
		Metrics: MetricsConfig{
			Path: DefaultMetricsPath,
		},
		Filter: FilterConfig{
			WindowSize:    DefaultWindowSize,
			SineAmplitude: DefaultSineAmplitude,
			SineFrequency: DefaultSineFrequency,
			SineEnabled:   DefaultSineEnabled,
		},
		Archive: ArchiveConfig{
			Backend:       DefaultArchiveBackend,
			URL:           DefaultInfluxURL,
			Bucket:        DefaultInfluxBucket,
			Measurement:   DefaultMeasurement,
			DBPath:        DefaultSQLitePath,
			QueueSize:     DefaultQueueSize,
			WriteTimeout:  DefaultWriteTimeout,
			BatchSize:     DefaultBatchSize,
			FlushInterval: DefaultFlushInterval,
		},
		Topics: TopicsConfig{
			DataCapacity:    DefaultDataCapacity,
			CommandCapacity: DefaultCommandCapacity,
		},
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"source":           "source",
	"pid-dir":          "pid_dir",
	"instrument-addr":  "instrument.addr",
	"observer-addr":    "observer.addr",
	"ws-addr":          "observer.ws_addr",
	"metrics-addr":     "metrics.addr",
	"window-size":      "filter.window_size",
	"sine-amplitude":   "filter.sine_amplitude",
	"sine-frequency":   "filter.sine_frequency",
	"sine-enabled":     "filter.sine_enabled",
	"archive-backend":  "archive.backend",
	"archive-db":       "archive.db_path",
	"archive-queue":    "archive.queue_size",
	"influx-url":       "archive.url",
	"influx-token":     "archive.token",
	"influx-org":       "archive.org",
	"influx-bucket":    "archive.bucket",
	"data-capacity":    "topics.data_capacity",
	"command-capacity": "topics.command_capacity",
}

// legacy environment names accepted for the InfluxDB settings
var legacyEnv = map[string]string{
	"archive.url":    "INFLUXDB_URL",
	"archive.token":  "INFLUXDB_TOKEN",
	"archive.org":    "INFLUXDB_ORG",
	"archive.bucket": "INFLUXDB_BUCKET",
}

// NewFlagSet declares the command line flags understood by Load.
func NewFlagSet() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("enosed", pflag.ContinueOnError)

	fs.StringP("config", "c", "", "Path to the TOML configuration file")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warning, error)")
	fs.String("source", d.Source, "Source tag attached to every record")
	fs.String("pid-dir", d.PIDDir, "Directory for the PID file")
	fs.String("instrument-addr", d.Instrument.Addr, "Listen address for the instrument")
	fs.String("observer-addr", d.Observer.Addr, "Listen address for line observers")
	fs.String("ws-addr", d.Observer.WebSocketAddr, "Listen address for WebSocket observers (empty disables)")
	fs.String("metrics-addr", d.Metrics.Addr, "Listen address for Prometheus metrics (empty disables)")
	fs.Int("window-size", d.Filter.WindowSize, "Moving average window size")
	fs.Float64("sine-amplitude", d.Filter.SineAmplitude, "Sine modulation amplitude")
	fs.Float64("sine-frequency", d.Filter.SineFrequency, "Sine modulation frequency in Hz")
	fs.Bool("sine-enabled", d.Filter.SineEnabled, "Enable sine modulation")
	fs.String("archive-backend", string(d.Archive.Backend), "Archive backend (influx, sqlite, none)")
	fs.String("archive-db", d.Archive.DBPath, "SQLite archive path")
	fs.Int("archive-queue", d.Archive.QueueSize, "Archive queue capacity")
	fs.String("influx-url", d.Archive.URL, "InfluxDB URL")
	fs.String("influx-token", d.Archive.Token, "InfluxDB token")
	fs.String("influx-org", d.Archive.Org, "InfluxDB organization")
	fs.String("influx-bucket", d.Archive.Bucket, "InfluxDB bucket")
	fs.Int("data-capacity", d.Topics.DataCapacity, "Records retained for slow observers")
	fs.Int("command-capacity", d.Topics.CommandCapacity, "Commands retained for slow instruments")

	return fs
}

// Load builds the configuration from flags, environment, an optional TOML file
// and defaults, in that order of precedence.
//
// Only malformed command line arguments make Load return a nil Config. A
// broken config file or out-of-range values are reported through the returned
// error while the returned Config falls back to defaults, so callers should
// log the error as a warning and carry on.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v, Default())

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := o.envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	var warnings []error

	configPath := o.configPath
	if f := fs.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/enosed")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			warnings = append(warnings, errFactory.Wrap(errors.ErrReadConfig, err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		warnings = append(warnings, errFactory.Wrap(errors.ErrInvalidConfig, err))
		cfg = Default()
	}

	warnings = append(warnings, cfg.normalize()...)

	return cfg, stderrors.Join(warnings...)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("source", d.Source)
	v.SetDefault("pid_dir", d.PIDDir)
	v.SetDefault("instrument.addr", d.Instrument.Addr)
	v.SetDefault("observer.addr", d.Observer.Addr)
	v.SetDefault("observer.ws_addr", d.Observer.WebSocketAddr)
	v.SetDefault("observer.ws_path", d.Observer.WebSocketPath)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("filter.window_size", d.Filter.WindowSize)
	v.SetDefault("filter.sine_amplitude", d.Filter.SineAmplitude)
	v.SetDefault("filter.sine_frequency", d.Filter.SineFrequency)
	v.SetDefault("filter.sine_enabled", d.Filter.SineEnabled)
	v.SetDefault("archive.backend", string(d.Archive.Backend))
	v.SetDefault("archive.url", d.Archive.URL)
	v.SetDefault("archive.token", d.Archive.Token)
	v.SetDefault("archive.org", d.Archive.Org)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.measurement", d.Archive.Measurement)
	v.SetDefault("archive.db_path", d.Archive.DBPath)
	v.SetDefault("archive.queue_size", d.Archive.QueueSize)
	v.SetDefault("archive.write_timeout", d.Archive.WriteTimeout)
	v.SetDefault("archive.batch_size", d.Archive.BatchSize)
	v.SetDefault("archive.flush_interval", d.Archive.FlushInterval)
	v.SetDefault("topics.data_capacity", d.Topics.DataCapacity)
	v.SetDefault("topics.command_capacity", d.Topics.CommandCapacity)
}

// normalize replaces unusable values with their defaults and reports each
// replacement.
func (c *Config) normalize() []error {
	errFactory := errors.New()
	d := Default()
	var problems []error

	invalid := func(field string, got any, used any) {
		problems = append(problems, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("%s=%v, using %v", field, got, used)))
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "warn" {
		c.LogLevel = string(LogLevelWarning)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		problems = append(problems, errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel))
		c.LogLevel = d.LogLevel
	}

	if c.Source == "" {
		invalid("source", `""`, d.Source)
		c.Source = d.Source
	}
	if c.PIDDir == "" {
		c.PIDDir = d.PIDDir
	}

	if c.Filter.WindowSize < 1 {
		// a zero window would divide by zero; one sample is the smallest
		// meaningful window
		invalid("filter.window_size", c.Filter.WindowSize, 1)
		c.Filter.WindowSize = 1
	}

	if c.Observer.WebSocketPath == "" {
		c.Observer.WebSocketPath = d.Observer.WebSocketPath
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}

	c.Archive.Backend = ArchiveBackend(strings.ToLower(string(c.Archive.Backend)))
	if !c.Archive.Backend.IsValid() {
		invalid("archive.backend", c.Archive.Backend, d.Archive.Backend)
		c.Archive.Backend = d.Archive.Backend
	}
	if c.Archive.Measurement == "" {
		c.Archive.Measurement = d.Archive.Measurement
	}
	if c.Archive.QueueSize < 1 {
		invalid("archive.queue_size", c.Archive.QueueSize, d.Archive.QueueSize)
		c.Archive.QueueSize = d.Archive.QueueSize
	}
	if c.Archive.WriteTimeout <= 0 {
		invalid("archive.write_timeout", c.Archive.WriteTimeout, d.Archive.WriteTimeout)
		c.Archive.WriteTimeout = d.Archive.WriteTimeout
	}
	if c.Archive.BatchSize < 1 {
		invalid("archive.batch_size", c.Archive.BatchSize, d.Archive.BatchSize)
		c.Archive.BatchSize = d.Archive.BatchSize
	}
	if c.Archive.FlushInterval <= 0 {
		invalid("archive.flush_interval", c.Archive.FlushInterval, d.Archive.FlushInterval)
		c.Archive.FlushInterval = d.Archive.FlushInterval
	}

	if c.Topics.DataCapacity < 1 {
		invalid("topics.data_capacity", c.Topics.DataCapacity, d.Topics.DataCapacity)
		c.Topics.DataCapacity = d.Topics.DataCapacity
	}
	if c.Topics.CommandCapacity < 1 {
		invalid("topics.command_capacity", c.Topics.CommandCapacity, d.Topics.CommandCapacity)
		c.Topics.CommandCapacity = d.Topics.CommandCapacity
	}

	return problems
}

// MaskedToken returns the archive token with its middle elided, for startup logs.
func (c *Config) MaskedToken() string {
	t := c.Archive.Token
	if len(t) <= 30 {
		return strings.Repeat("*", len(t))
	}
	return t[:15] + "..." + t[len(t)-10:]
}
