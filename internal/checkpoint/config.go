package checkpoint

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk sidecar form of Options, letting an operator
// override the checkpoint schedule without recompiling.
type Config struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	CronExpr        string `yaml:"cron_expr"`
}

// LoadConfig reads and parses a YAML schedule override file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("checkpoint: parse config %s: %w", path, err)
	}
	return &c, nil
}

// Options converts a Config into scheduler Options, leaving Logger unset.
func (c *Config) Options() Options {
	return Options{
		Interval: time.Duration(c.IntervalSeconds) * time.Second,
		CronExpr: c.CronExpr,
	}
}
