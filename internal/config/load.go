package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config
// file. Environment variables take precedence over values from config
// files. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file, e.g. TASKGRID_CONFIG=/etc/taskgrid/config.yaml
	v.SetEnvPrefix("TASKGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("engine.initial_workers", 2)
	v.SetDefault("engine.min_workers", 1)
	v.SetDefault("engine.max_workers", 8)
	v.SetDefault("engine.queue_capacity", 1024)
	v.SetDefault("engine.auto_scale", true)
	v.SetDefault("engine.memory_pool_size_mb", 16)
	v.SetDefault("engine.max_payload_bytes", 16384)
	v.SetDefault("engine.retry_base_backoff_ms", 50)
	v.SetDefault("engine.retry_max_backoff_ms", 5000)
	v.SetDefault("engine.idle_backoff_max_ms", 5)

	v.SetDefault("scaler.interval_ms", 100)
	v.SetDefault("scaler.high_water", 4)
	v.SetDefault("scaler.low_utilization", 0.1)
	v.SetDefault("scaler.low_streak", 5)
}
