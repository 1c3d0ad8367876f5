package metrics

const (
	defaultNamespace = "enosed"
	defaultPath      = "/metrics"
)

type Config struct {
	Namespace string
	Addr      string
	Path      string
}

func DefaultConfig() Config {
	return Config{
		Namespace: defaultNamespace,
		Path:      defaultPath,
	}
}

// Enabled reports whether the HTTP endpoint should be served. Collectors are
// always registered so components can record unconditionally.
func (c Config) Enabled() bool {
	return c.Addr != ""
}
