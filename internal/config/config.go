// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment always wins, so a
// deployment can ship a checked-in base file and override per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Optimizer struct {
	URL        string  `yaml:"url"`
	APIKey     string  `yaml:"apiKey"`
	TimeoutMs  int     `yaml:"timeoutMs"`
	RatePerSec float64 `yaml:"ratePerSec"`
}

func (o Optimizer) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

type Webhook struct {
	MaxAttempts int `yaml:"maxAttempts"`
}

type Config struct {
	ListenAddr  string    `yaml:"listenAddr"`
	DatabaseURL string    `yaml:"databaseUrl"`
	RedisURL    string    `yaml:"redisUrl"`
	MigrateDir  string    `yaml:"migrateDir"`
	Optimizer   Optimizer `yaml:"optimizer"`
	Webhook     Webhook   `yaml:"webhook"`
}

// Load reads the file named by CONFIG_FILE (or path, if non-empty), then
// applies environment overrides. A missing file is not an error; the
// zero config plus environment is a valid setup.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr: ":8080",
		Webhook:    Webhook{MaxAttempts: 5},
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MIGRATE_DIR"); v != "" {
		cfg.MigrateDir = v
	}
	if v := os.Getenv("OPTIMIZER_URL"); v != "" {
		cfg.Optimizer.URL = v
	}
	if v := os.Getenv("OPTIMIZER_API_KEY"); v != "" {
		cfg.Optimizer.APIKey = v
	}
	if v := os.Getenv("OPTIMIZER_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("OPTIMIZER_TIMEOUT_MS: %w", err)
		}
		cfg.Optimizer.TimeoutMs = n
	}
	if v := os.Getenv("OPTIMIZER_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("OPTIMIZER_RATE_PER_SEC: %w", err)
		}
		cfg.Optimizer.RatePerSec = f
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		cfg.Webhook.MaxAttempts = n
	}

	return cfg, nil
}
