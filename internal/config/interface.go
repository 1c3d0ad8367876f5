package config

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "ENOSED"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// ArchiveBackend selects the store behind the telemetry sink.
type ArchiveBackend string

const (
	ArchiveInflux ArchiveBackend = "influx"
	ArchiveSQLite ArchiveBackend = "sqlite"
	ArchiveNone   ArchiveBackend = "none"
)

// IsValid returns whether the backend is known
func (b ArchiveBackend) IsValid() bool {
	switch b {
	case ArchiveInflux, ArchiveSQLite, ArchiveNone:
		return true
	default:
		return false
	}
}
