package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SKILL_SYNC_"

type Config struct {
	Port          string `koanf:"port" validate:"required"`
	LogLevel      string `koanf:"log_level"`
	DatabaseURL   string `koanf:"database_url" validate:"required"`
	AuthToken     string `koanf:"auth_token"`
	MigrationsDir string `koanf:"migrations_dir" validate:"required"`
	QueueLimit    int    `koanf:"queue_limit" validate:"gt=0"`
	TxRetries     int    `koanf:"tx_retries" validate:"gte=0"`
}

// Load layers configuration: struct defaults, then an optional YAML file
// named by SKILL_SYNC_CONFIG, then SKILL_SYNC_* environment variables. PORT
// (the platform convention) wins over everything for the listen port.
func Load() (Config, error) {
	cfg := Config{
		Port:          "8090",
		LogLevel:      "info",
		DatabaseURL:   "file:skillsync.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		MigrationsDir: "migrations",
		QueueLimit:    50,
		TxRetries:     3,
	}

	k := koanf.New(".")
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
