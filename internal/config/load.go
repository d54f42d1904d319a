package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence, with the GENSTUDIO_ prefix and underscores for nesting
// (e.g. GENSTUDIO_SERVER_PORT). Returns a validated Config or an error.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// A missing config file is fine; env vars may carry everything.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("GENSTUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults seeds every tunable with a sane default so a bare
// environment still yields a runnable (if credential-less) config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("task.max_concurrent", 32)
	v.SetDefault("task.poll_interval_seconds", 10)
	v.SetDefault("task.max_poll_attempts", 600)
	v.SetDefault("task.reaper_interval_minutes", 5)
	v.SetDefault("task.stale_threshold_minutes", 30)

	v.SetDefault("admission.max_active_per_user", 5)
	v.SetDefault("admission.free_daily_limit", 3)

	v.SetDefault("storage.artifact_dir", "./artifacts")
	v.SetDefault("storage.artifact_base_url", "/artifacts")

	v.SetDefault("provider.ark_base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("provider.ark_model_id", "doubao-seedance-1-0-pro-250528")
	v.SetDefault("provider.gemini_model", "gemini-2.5-flash-image")
}
