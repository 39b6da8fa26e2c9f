package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != "localhost:8080" || cfg.Docker.Binary != "docker" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
http:
  addr: ":9000"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9000"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
http:
  addr: ":9000"
docker:
  resolver: engine
bus:
  depth: 16
tasks:
  cancel_on_disconnect: true
  timeout_minutes: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.Docker.Resolver != ResolverEngine || cfg.Bus.Depth != 16 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Tasks.CancelOnDisconnect || cfg.Tasks.TimeoutMinutes != 30 {
		t.Fatalf("unexpected tasks config %+v", cfg.Tasks)
	}
	if cfg.Bus.Backend != BackendMemory {
		t.Fatalf("unset keys must keep defaults, got %q", cfg.Bus.Backend)
	}
}

func TestLoadRejectsUnsupportedBackend(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
bus:
  backend: kafka
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported bus.backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedResolver(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
docker:
  resolver: podman
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported docker.resolver") {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

func TestLoadRejectsInvalidHTTPBaseURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
http:
  base_url: example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "http.base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MGDOCKER_BUS_REDIS_PASSWORD", "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Redis.Password != "s3cret" {
		t.Fatalf("expected env override, got %q", cfg.Bus.Redis.Password)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "mgdocker.env")
	if err := os.WriteFile(envPath, []byte("MGDOCKER_TEST_ENV_FILE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("MGDOCKER_TEST_ENV_FILE") })
	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("MGDOCKER_TEST_ENV_FILE"); got != "from-file" {
		t.Fatalf("expected env from file, got %q", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatalf("expected error for explicit missing env file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default must load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
