package config

import "time"

type ModelPreset struct {
	Provider    string  `mapstructure:"provider" json:"provider" jsonschema:"enum=openai,enum=anthropic,enum=googleai" validate:"required,oneof=openai anthropic googleai"`
	Name        string  `mapstructure:"name" json:"name" validate:"required"`
	MaxTokens   int     `mapstructure:"maxTokens" json:"maxTokens" validate:"gt=0"`
	Temperature float64 `mapstructure:"temperature" json:"temperature" validate:"gte=0,lte=2"`
}

// SessionConfig holds the turn-lifecycle knobs. StaleThreshold must exceed
// StreamTimeout: the monitor is a last-resort backstop behind the per-turn
// watchdogs, not a replacement for them.
type SessionConfig struct {
	StreamTimeout   time.Duration `mapstructure:"streamTimeout" json:"streamTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout" json:"idleTimeout"`
	MaxRetries      int           `mapstructure:"maxRetries" json:"maxRetries" validate:"gte=0,lte=5"`
	RetryBackoff    time.Duration `mapstructure:"retryBackoff" json:"retryBackoff"`
	StaleThreshold  time.Duration `mapstructure:"staleThreshold" json:"staleThreshold"`
	MonitorInterval time.Duration `mapstructure:"monitorInterval" json:"monitorInterval"`
}

type QuotaConfig struct {
	AnonymousDailyLimit int `mapstructure:"anonymousDailyLimit" json:"anonymousDailyLimit" validate:"gt=0"`
}

// LogConfig controls the zerolog output. An empty File logs to stderr.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error" validate:"required,oneof=debug info warn error"`
	File  string `mapstructure:"file" json:"file,omitempty"`
}

type ConfigSchema struct {
	ModelPresets map[string]ModelPreset `mapstructure:"modelPresets" json:"modelPresets" validate:"required,dive"`
	ActiveModel  string                 `mapstructure:"activeModel" json:"activeModel" validate:"required"`
	DBPath       string                 `mapstructure:"dbPath" json:"dbPath" validate:"required"`
	LocalDataDir string                 `mapstructure:"localDataDir" json:"localDataDir" validate:"required"`
	Session      SessionConfig          `mapstructure:"session" json:"session"`
	Quota        QuotaConfig            `mapstructure:"quota" json:"quota"`
	Log          LogConfig              `mapstructure:"log" json:"log"`
}
