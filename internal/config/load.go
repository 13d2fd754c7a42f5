package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable that points at a YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"/etc/strava-wakatime-backend/config.yaml",
}

// envMappings maps lowercased environment variable names to koanf paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"environment": "environment",

	"http_addr":             "server.addr",
	"metrics_addr":          "server.metrics_addr",
	"frontend_url":          "server.frontend_url",
	"cors_origins":          "server.cors_origins",
	"rate_limit_per_minute": "server.rate_limit_per_minute",
	"request_timeout":       "server.request_timeout",
	"shutdown_timeout":      "server.shutdown_timeout",

	"database_path": "database.path",

	"strava_client_id":     "strava.client_id",
	"strava_client_secret": "strava.client_secret",
	"strava_redirect_uri":  "strava.redirect_uri",

	"wakatime_client_id":     "wakatime.client_id",
	"wakatime_client_secret": "wakatime.client_secret",
	"wakatime_redirect_uri":  "wakatime.redirect_uri",

	"encryption_key": "security.encryption_key",
	"state_secret":   "security.state_secret",
	"api_key":        "security.api_key",

	"scheduler_enabled":     "scheduler.enabled",
	"refresh_interval":      "scheduler.interval",
	"refresh_initial_delay": "scheduler.initial_delay",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// sliceConfigPaths are parsed from comma-separated strings when set through env
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func defaultConfig() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Addr:            ":8000",
			MetricsAddr:     ":9090",
			FrontendURL:     "https://vuhnger.dev",
			CORSOrigins:     append([]string(nil), ProductionOrigins...),
			RateLimitPerMin: 120,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/stats.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Interval:     6 * time.Hour,
			InitialDelay: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
