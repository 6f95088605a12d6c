package sync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultThrottle = 5 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	// Debounce is the silence window before a burst of signals fires.
	Debounce time.Duration
	// Throttle is the minimum spacing after a successful sync before the
	// next attempt may start.
	Throttle time.Duration
	// AutoAttach subscribes to the signal source during Init.
	AutoAttach bool
}

func DefaultConfig() Config {
	return Config{
		Debounce:   DefaultDebounce,
		Throttle:   DefaultThrottle,
		AutoAttach: true,
	}
}

func (c Config) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must be >= 0, got %s", c.Debounce)
	}
	if c.Throttle < 0 {
		return fmt.Errorf("throttle must be >= 0, got %s", c.Throttle)
	}
	return nil
}

// fileConfig is the YAML shape. Absent keys keep their defaults.
type fileConfig struct {
	DebounceMS *int64 `yaml:"debounce_ms"`
	ThrottleMS *int64 `yaml:"throttle_ms"`
	AutoAttach *bool  `yaml:"auto_attach"`
}

// ParseConfig reads a YAML document over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse orchestrator config: %w", err)
	}
	if fc.DebounceMS != nil {
		cfg.Debounce = time.Duration(*fc.DebounceMS) * time.Millisecond
	}
	if fc.ThrottleMS != nil {
		cfg.Throttle = time.Duration(*fc.ThrottleMS) * time.Millisecond
	}
	if fc.AutoAttach != nil {
		cfg.AutoAttach = *fc.AutoAttach
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("read orchestrator config: %w", err)
	}
	return ParseConfig(data)
}
