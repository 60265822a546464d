package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the keeper daemon settings.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	RegistryFile  string `toml:"RegistryFile"`
	Environment   string `toml:"Environment"`

	// UpdateDelaySeconds is the minimum interval between accepted rewards
	// snapshots.
	UpdateDelaySeconds uint64 `toml:"UpdateDelaySeconds"`

	// AuthSecret signs and verifies the bearer tokens guarding mutating
	// API routes. Empty disables auth (local development only).
	AuthSecret string `toml:"AuthSecret"`

	// RateLimitPerSecond caps mutating API requests; zero disables the
	// limiter.
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
}

const defaultUpdateDelaySeconds = 12 * 60 * 60

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown field %s", path, strings.Join(undecoded, "."))
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8780"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./keeper-data"
	}
	if cfg.UpdateDelaySeconds == 0 {
		cfg.UpdateDelaySeconds = defaultUpdateDelaySeconds
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.RegistryFile) == "" {
		return fmt.Errorf("config: RegistryFile is required")
	}
	if cfg.RateLimitPerSecond < 0 {
		return fmt.Errorf("config: RateLimitPerSecond must not be negative")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:      ":8780",
		DataDir:            "./keeper-data",
		RegistryFile:       "registry.yaml",
		Environment:        "local",
		UpdateDelaySeconds: defaultUpdateDelaySeconds,
		RateLimitPerSecond: 10,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
