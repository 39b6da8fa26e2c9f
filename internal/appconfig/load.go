package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. MGDOCKER_BUS_REDIS_PASSWORD.
const EnvPrefix = "MGDOCKER"

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. An empty path tries .env
// in the working directory and ignores its absence.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("ssh.enabled", cfg.SSH.Enabled)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("docker.binary", cfg.Docker.Binary)
	v.SetDefault("docker.resolver", cfg.Docker.Resolver)
	v.SetDefault("docker.host", cfg.Docker.Host)
	v.SetDefault("bus.backend", cfg.Bus.Backend)
	v.SetDefault("bus.depth", cfg.Bus.Depth)
	v.SetDefault("bus.redis.addr", cfg.Bus.Redis.Addr)
	v.SetDefault("bus.redis.password", cfg.Bus.Redis.Password)
	v.SetDefault("bus.redis.db", cfg.Bus.Redis.DB)
	v.SetDefault("bus.redis.channel", cfg.Bus.Redis.Channel)
	v.SetDefault("tasks.cancel_on_disconnect", cfg.Tasks.CancelOnDisconnect)
	v.SetDefault("tasks.timeout_minutes", cfg.Tasks.TimeoutMinutes)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func Validate(cfg Config) error {
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return err
	}
	switch cfg.Docker.Resolver {
	case ResolverCLI, ResolverEngine:
	default:
		return fmt.Errorf("unsupported docker.resolver %q", cfg.Docker.Resolver)
	}
	switch cfg.Bus.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.Bus.Redis.Addr) == "" {
			return fmt.Errorf("bus.redis.addr is required for bus.backend %q", BackendRedis)
		}
	default:
		return fmt.Errorf("unsupported bus.backend %q", cfg.Bus.Backend)
	}
	if cfg.Bus.Depth <= 0 {
		return fmt.Errorf("bus.depth must be positive")
	}
	if cfg.Tasks.TimeoutMinutes < 0 {
		return fmt.Errorf("tasks.timeout_minutes must not be negative")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if cfg.SSH.Enabled && strings.TrimSpace(cfg.SSH.AuthorizedKeysPath) == "" {
		return fmt.Errorf("ssh.authorized_keys_path is required when ssh is enabled")
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
	cfg.Docker.Binary = expandEnv(cfg.Docker.Binary)
	cfg.Docker.Host = expandEnv(cfg.Docker.Host)
	cfg.Bus.Redis.Addr = expandEnv(cfg.Bus.Redis.Addr)
	cfg.Bus.Redis.Password = expandEnv(cfg.Bus.Redis.Password)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
