package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Task      TaskConfig      `mapstructure:"task"      validate:"required"`
	Admission AdmissionConfig `mapstructure:"admission" validate:"required"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Storage   StorageConfig   `mapstructure:"storage"   validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains the node-task index cache settings. An empty
// address falls back to the in-process index.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TaskConfig tunes the polling supervisor and the zombie reaper.
type TaskConfig struct {
	// MaxConcurrent bounds how many polling supervisors run at once.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,gt=0"`

	// PollIntervalSeconds is the delay between provider poll attempts.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`

	// MaxPollAttempts is the hard ceiling on poll attempts per task.
	MaxPollAttempts int `mapstructure:"max_poll_attempts" validate:"required,gt=0"`

	// ReaperIntervalMinutes is how often the zombie reaper sweeps.
	ReaperIntervalMinutes int `mapstructure:"reaper_interval_minutes" validate:"required,gt=0"`

	// StaleThresholdMinutes is how long a task may sit without an update
	// before the reaper declares it stalled.
	StaleThresholdMinutes int `mapstructure:"stale_threshold_minutes" validate:"required,gt=0"`
}

// AdmissionConfig tunes authorization and billing decisions.
type AdmissionConfig struct {
	// MaxActivePerUser caps a user's simultaneously running tasks.
	MaxActivePerUser int `mapstructure:"max_active_per_user" validate:"required,gt=0"`

	// FreeDailyLimit is how many generations per kind per UTC day are free.
	FreeDailyLimit int `mapstructure:"free_daily_limit" validate:"gte=0"`
}

// StorageConfig controls where generated artifacts are persisted and the
// URL prefix they are served under.
type StorageConfig struct {
	ArtifactDir     string `mapstructure:"artifact_dir"      validate:"required"`
	ArtifactBaseURL string `mapstructure:"artifact_base_url" validate:"required"`
}

// ProviderConfig carries per-provider credentials and endpoints.
type ProviderConfig struct {
	ArkAPIKey    string `mapstructure:"ark_api_key"`
	ArkBaseURL   string `mapstructure:"ark_base_url"`
	ArkModelID   string `mapstructure:"ark_model_id"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model"`

	// ReferenceMirrorHost, when set, enables the mirror-host submission
	// fallback for providers whose egress cannot reach the primary
	// reference-input host.
	ReferenceMirrorHost string `mapstructure:"reference_mirror_host"`
}
