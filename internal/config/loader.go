package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvModelsDir       = "FLEETLLM_MODELS_DIR"
	EnvAddr            = "FLEETLLM_ADDR"
	EnvDefaultProvider = "FLEETLLM_DEFAULT_PROVIDER"
	EnvLogLevel        = "FLEETLLM_LOG_LEVEL"
	EnvDB              = "FLEETLLM_DB"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr" validate:"required"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir" validate:"required"`
	// DefaultProvider is "auto" or a provider name.
	DefaultProvider string `json:"default_provider" yaml:"default_provider" toml:"default_provider" validate:"required"`
	// DefaultModel is used when a requested model name resolves to nothing.
	DefaultModel string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	DBPath       string   `json:"db_path" yaml:"db_path" toml:"db_path" validate:"required"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	Log     LogConfig     `json:"log" yaml:"log" toml:"log"`
	Engine  EngineConfig  `json:"engine" yaml:"engine" toml:"engine"`
	Managed ManagedConfig `json:"managed" yaml:"managed" toml:"managed"`
	Remote  RemoteConfig  `json:"remote" yaml:"remote" toml:"remote"`
	Pull    PullConfig    `json:"pull" yaml:"pull" toml:"pull"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"oneof=auto json console"`
	// File enables a rotating log file in addition to stderr.
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// EngineConfig configures the in-process provider.
type EngineConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	ContextSize int  `json:"context_size" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	GPULayers   int  `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers" validate:"gte=0"`
	Threads     int  `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	BatchSize   int  `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gte=0"`
	// ForceCPU disables accelerator offload even when hardware is detected.
	ForceCPU bool `json:"force_cpu" yaml:"force_cpu" toml:"force_cpu"`
	// Aliases map extra model names to files relative to the models dir.
	Aliases map[string]string `json:"aliases" yaml:"aliases" toml:"aliases"`
}

// ManagedConfig configures the llama-server process provider.
type ManagedConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Binary      string `json:"binary" yaml:"binary" toml:"binary"`
	Host        string `json:"host" yaml:"host" toml:"host" validate:"required"`
	Port        int    `json:"port" yaml:"port" toml:"port" validate:"gte=1,lte=65535"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	GPULayers   int    `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers" validate:"gte=0"`
	Threads     int    `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	// StartupTimeoutSec bounds the wait for a spawned server to become ready.
	StartupTimeoutSec int `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec" validate:"gte=0"`
}

// RemoteConfig configures the always-on server provider.
type RemoteConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Host    string `json:"host" yaml:"host" toml:"host" validate:"required"`
	Port    int    `json:"port" yaml:"port" toml:"port" validate:"gte=1,lte=65535"`
}

// PullConfig configures model downloads.
type PullConfig struct {
	// BaseURL resolves "<file>.gguf" pulls to BaseURL/<file>.gguf.
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
	// Catalog maps names to download URLs.
	Catalog map[string]string `json:"catalog" yaml:"catalog" toml:"catalog"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":8080",
		ModelsDir:       "~/.fleetllm/models",
		DefaultProvider: "auto",
		DBPath:          "~/.fleetllm/fleetllm.db",
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Engine: EngineConfig{
			Enabled:     true,
			ContextSize: 4096,
			GPULayers:   999,
		},
		Managed: ManagedConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              2025,
			ContextSize:       4096,
			GPULayers:         999,
			StartupTimeoutSec: 300,
		},
		Remote: RemoteConfig{
			Host: "127.0.0.1",
			Port: 2026,
		},
	}
}

// Load reads a configuration file based on its extension onto Default().
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.ModelsDir, EnvModelsDir)
	set(&c.Addr, EnvAddr)
	set(&c.DefaultProvider, EnvDefaultProvider)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.DBPath, EnvDB)
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed '"+fe.Tag()+"'"+param(fe.Param()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return " (" + p + ")"
}
