package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `RegistryFile = "registry.yaml"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8780" {
		t.Fatalf("default listen address not applied: %q", cfg.ListenAddress)
	}
	if cfg.DataDir != "./keeper-data" {
		t.Fatalf("default data dir not applied: %q", cfg.DataDir)
	}
	if cfg.UpdateDelaySeconds != defaultUpdateDelaySeconds {
		t.Fatalf("default update delay not applied: %d", cfg.UpdateDelaySeconds)
	}
	if cfg.Environment != "local" {
		t.Fatalf("default environment not applied: %q", cfg.Environment)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":9000"
DataDir = "/var/lib/keeper"
RegistryFile = "reg.yaml"
Environment = "production"
UpdateDelaySeconds = 3600
AuthSecret = "secret"
RateLimitPerSecond = 25.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" || cfg.DataDir != "/var/lib/keeper" {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	if cfg.UpdateDelaySeconds != 3600 || cfg.RateLimitPerSecond != 25 {
		t.Fatalf("numeric values lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
RegistryFile = "registry.yaml"
NoSuchField = true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestLoadRejectsMissingRegistry(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":9000"`)
	if _, err := Load(path); err == nil {
		t.Fatal("missing RegistryFile must be rejected")
	}
}

func TestLoadRejectsNegativeRateLimit(t *testing.T) {
	path := writeConfig(t, `
RegistryFile = "registry.yaml"
RateLimitPerSecond = -1.0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("negative rate limit must be rejected")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RegistryFile != "registry.yaml" {
		t.Fatalf("default registry file mismatch: %q", cfg.RegistryFile)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	// The written file must load back cleanly.
	if _, err := Load(path); err != nil {
		t.Fatalf("reload of generated default: %v", err)
	}
}
