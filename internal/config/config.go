package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Engine EngineConfig `mapstructure:"engine" validate:"required"`
	Scaler ScalerConfig `mapstructure:"scaler" validate:"required"`
}

// ServerConfig contains the settings of the operational HTTP surface.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// EngineConfig contains the task engine construction parameters.
type EngineConfig struct {
	InitialWorkers   int  `mapstructure:"initial_workers"     validate:"required,gte=1"`
	MinWorkers       int  `mapstructure:"min_workers"         validate:"required,gte=1,ltefield=InitialWorkers"`
	MaxWorkers       int  `mapstructure:"max_workers"         validate:"required,gtefield=InitialWorkers"`
	QueueCapacity    int  `mapstructure:"queue_capacity"      validate:"required,gte=2"`
	AutoScale        bool `mapstructure:"auto_scale"`
	MemoryPoolSizeMB int  `mapstructure:"memory_pool_size_mb" validate:"required,gte=1"`
	MaxPayloadBytes  int  `mapstructure:"max_payload_bytes"   validate:"required,gte=64"`

	// Retry backoff shape in milliseconds: base << attempt, capped.
	RetryBaseBackoffMs int `mapstructure:"retry_base_backoff_ms" validate:"gte=0"`
	RetryMaxBackoffMs  int `mapstructure:"retry_max_backoff_ms"  validate:"gte=0"`

	// IdleBackoffMaxMs caps the idle worker sleep.
	IdleBackoffMaxMs int `mapstructure:"idle_backoff_max_ms" validate:"gte=0"`
}

// ScalerConfig contains the auto-scaler policy knobs.
type ScalerConfig struct {
	IntervalMs     int     `mapstructure:"interval_ms"     validate:"required,gte=10"`
	HighWater      float64 `mapstructure:"high_water"      validate:"required,gt=0"`
	LowUtilization float64 `mapstructure:"low_utilization" validate:"gte=0,lte=1"`
	LowStreak      int     `mapstructure:"low_streak"      validate:"required,gte=1"`
}
