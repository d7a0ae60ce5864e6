package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

/*
Config precedence (highest to lowest):

1. Environment variables (LOOM_* plus provider API keys)
2. Local project config (.loom.yaml)
3. Global user config ($XDG_CONFIG_HOME/loom/loom.yaml)
4. Built-in defaults

The final config is validated against the schema before use.
*/

// envVarConfig defines an environment variable mapping
type envVarConfig struct {
	key    string
	envVar string
}

var envVars = []envVarConfig{
	{key: "dbPath", envVar: "LOOM_DB_PATH"},
	{key: "localDataDir", envVar: "LOOM_LOCAL_DATA_DIR"},
	{key: "activeModel", envVar: "LOOM_MODEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("activeModel", "gpt-4o")
	v.SetDefault("modelPresets", map[string]any{
		"gpt-4o": map[string]any{
			"provider":    "openai",
			"name":        "gpt-4o",
			"maxTokens":   4096,
			"temperature": 0.7,
		},
	})
	v.SetDefault("dbPath", defaultDataPath("loom.db"))
	v.SetDefault("localDataDir", defaultDataPath("threads"))
	v.SetDefault("session.streamTimeout", 5*time.Minute)
	v.SetDefault("session.idleTimeout", 30*time.Second)
	v.SetDefault("session.maxRetries", 2)
	v.SetDefault("session.retryBackoff", time.Second)
	v.SetDefault("session.staleThreshold", 10*time.Minute)
	v.SetDefault("session.monitorInterval", 30*time.Second)
	v.SetDefault("quota.anonymousDailyLimit", 20)
	v.SetDefault("log.level", "info")
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "share", "loom", name)
}

func globalConfigDir() string {
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfig = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfig, "loom")
}

// Load builds the effective configuration from defaults, config files, and
// environment, then validates it.
func Load() (*ConfigSchema, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, env := range envVars {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env.envVar, err)
		}
	}

	// Global then local, so local wins.
	for _, dir := range []string{globalConfigDir(), "."} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, "loom.yaml")
		if dir == "." {
			path = ".loom.yaml"
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg ConfigSchema
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the schema constraints plus the cross-field rules the
// tags cannot express.
func Validate(cfg *ConfigSchema) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := cfg.ModelPresets[cfg.ActiveModel]; !ok {
		return fmt.Errorf("active model %q not found in modelPresets", cfg.ActiveModel)
	}
	if cfg.Session.StaleThreshold <= cfg.Session.StreamTimeout {
		return fmt.Errorf("session.staleThreshold must exceed session.streamTimeout")
	}
	return nil
}

// Render returns the effective configuration as YAML, keyed the same way
// the config files are.
func (c *ConfigSchema) Render() (string, error) {
	// Round-trip through JSON so the YAML keys match the json tags.
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("failed to decode config: %w", err)
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

// Preset resolves a model preset by name, falling back to the active model
// when name is empty.
func (c *ConfigSchema) Preset(name string) (ModelPreset, error) {
	if name == "" {
		name = c.ActiveModel
	}
	preset, ok := c.ModelPresets[name]
	if !ok {
		return ModelPreset{}, fmt.Errorf("model %q not found in config", name)
	}
	return preset, nil
}
