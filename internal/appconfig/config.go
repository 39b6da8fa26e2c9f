package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Docker        DockerConfig  `mapstructure:"docker" yaml:"docker"`
	Bus           BusConfig     `mapstructure:"bus" yaml:"bus"`
	Tasks         TasksConfig   `mapstructure:"tasks" yaml:"tasks"`
	Metrics       MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// SSHConfig configures the optional SSH observer surface.
type SSHConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// DockerConfig selects how docker is invoked and queried.
type DockerConfig struct {
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Resolver is "cli" (docker inspect) or "engine" (Docker Engine API).
	Resolver string `mapstructure:"resolver" yaml:"resolver"`
	Host     string `mapstructure:"host" yaml:"host"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Depth   int         `mapstructure:"depth" yaml:"depth"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis pub/sub bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// TasksConfig controls run lifecycle.
type TasksConfig struct {
	CancelOnDisconnect bool `mapstructure:"cancel_on_disconnect" yaml:"cancel_on_disconnect"`
	TimeoutMinutes     int  `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

const (
	ResolverCLI    = "cli"
	ResolverEngine = "engine"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		HTTP: HTTPConfig{
			Addr:     "localhost:8080",
			BaseURL:  "",
			BasePath: "",
		},
		SSH: SSHConfig{
			Enabled:            false,
			Addr:               ":2222",
			HostKeyPath:        filepath.Join(home, ".mgdocker", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
		},
		Docker: DockerConfig{
			Binary:   "docker",
			Resolver: ResolverCLI,
			Host:     "",
		},
		Bus: BusConfig{
			Backend: BackendMemory,
			Depth:   1000,
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "mgdocker:events",
			},
		},
		Tasks: TasksConfig{
			CancelOnDisconnect: false,
			TimeoutMinutes:     0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mgdocker", "config.yaml"), nil
}
