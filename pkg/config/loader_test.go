package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "antcode-worker" {
		t.Errorf("expected app name 'antcode-worker', got %s", cfg.App.Name)
	}
	if cfg.GRPC.Port != 50061 {
		t.Errorf("expected gRPC port 50061, got %d", cfg.GRPC.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.Transport.Mode != "direct" {
		t.Errorf("expected transport mode 'direct', got %s", cfg.Transport.Mode)
	}
	if cfg.Transport.Direct.RedisURL == "" {
		t.Error("expected a non-empty default redis url for direct transport")
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-worker
  version: 2.0.0
  environment: staging
grpc:
  port: 50062
log:
  level: debug
worker:
  worker_id: w-custom
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-worker" {
		t.Errorf("expected app name 'custom-worker', got %s", cfg.App.Name)
	}
	if cfg.App.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %s", cfg.App.Version)
	}
	if cfg.GRPC.Port != 50062 {
		t.Errorf("expected port 50062, got %d", cfg.GRPC.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("ANTCODE_APP_NAME", "env-worker")
	os.Setenv("ANTCODE_GRPC_PORT", "50063")
	defer func() {
		os.Unsetenv("ANTCODE_APP_NAME")
		os.Unsetenv("ANTCODE_GRPC_PORT")
	}()

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-worker" {
		t.Errorf("expected app name 'env-worker', got %s", cfg.App.Name)
	}
	if cfg.GRPC.Port != 50063 {
		t.Errorf("expected port 50063, got %d", cfg.GRPC.Port)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-worker
grpc:
  port: 50064
worker:
  worker_id: w-file
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("ANTCODE_APP_NAME", "env-override")
	defer os.Unsetenv("ANTCODE_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-override" {
		t.Errorf("expected env override, got %s", cfg.App.Name)
	}
	if cfg.GRPC.Port != 50064 {
		t.Errorf("expected port from file 50064, got %d", cfg.GRPC.Port)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_APP_NAME", "custom-prefix-worker")
	defer os.Unsetenv("CUSTOM_APP_NAME")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-prefix-worker" {
		t.Errorf("expected 'custom-prefix-worker', got %s", cfg.App.Name)
	}
}

func TestLoader_FlagOverlayWinsOverEnv(t *testing.T) {
	os.Setenv("ANTCODE_APP_NAME", "env-worker")
	defer os.Unsetenv("ANTCODE_APP_NAME")

	cfg, err := NewLoader(WithFlagOverlay(map[string]any{
		"app.name": "flag-worker",
	})).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "flag-worker" {
		t.Errorf("expected flag overlay to win, got %s", cfg.App.Name)
	}
}

func TestMustLoad_Success(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustLoad should not panic with valid config")
		}
	}()

	cfg := MustLoad()
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadWithBinaryDefaults(t *testing.T) {
	cfg, err := LoadWithBinaryDefaults("antcode-master", 60000)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.App.Name != "antcode-master" {
		t.Errorf("expected app name 'antcode-master', got %s", cfg.App.Name)
	}
	if cfg.GRPC.Port != 60000 {
		t.Errorf("expected port 60000, got %d", cfg.GRPC.Port)
	}
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")

	configContent := `
app:
  name: config-env-var-worker
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "config-env-var-worker" {
		t.Errorf("expected 'config-env-var-worker', got %s", cfg.App.Name)
	}
}
