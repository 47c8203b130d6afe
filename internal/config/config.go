// Package config loads the optional YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration parses YAML scalars like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must be >= 0", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	MaxRetries          int      `yaml:"max_retries"`
	BaseBackoff         Duration `yaml:"base_backoff"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	AdmissionWeight     int      `yaml:"admission_weight"`
	AdmissionRetryDelay Duration `yaml:"admission_retry_delay"`
	MaxInFlight         int      `yaml:"max_in_flight"`

	GatewayTimeout Duration `yaml:"gateway_timeout"`

	// Per-destination admission rate; rate_per_sec <= 0 disables rate control.
	RatePerSec float64 `yaml:"rate_per_sec"`
	RateBurst  int     `yaml:"rate_burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                ":8080",
		DBPath:              "courier.db",
		MaxRetries:          3,
		BaseBackoff:         Duration(5 * time.Minute),
		SweepInterval:       Duration(60 * time.Second),
		AdmissionWeight:     1,
		AdmissionRetryDelay: Duration(30 * time.Second),
		MaxInFlight:         8,
		GatewayTimeout:      Duration(30 * time.Second),
		RatePerSec:          0,
		RateBurst:           1,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
