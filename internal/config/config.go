// Package config loads the shellcache serve configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shellcache/internal/logger"
)

const (
	DriverLevelDB = "leveldb"
	DriverMemory  = "memory"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		Max    string `yaml:"max"`

		maxBytes int64
	} `yaml:"storage"`

	Logging struct {
		logger.Config `yaml:",inline"`
		StatsEvery    string `yaml:"statsEvery"`

		statsEvery time.Duration
	} `yaml:"logging"`

	Worker struct {
		Script         string `yaml:"script"`
		Scope          string `yaml:"scope"`
		UpdateViaCache string `yaml:"updateViaCache"`
		Type           string `yaml:"type"`
		PeriodicSync   string `yaml:"periodicSync"`
		Timeout        string `yaml:"timeout"`

		periodicSync time.Duration
		timeout      time.Duration
	} `yaml:"worker"`

	Controller struct {
		RegisterDelay         string `yaml:"registerDelay"`
		MaxAttempts           int    `yaml:"maxAttempts"`
		UpdateInterval        string `yaml:"updateInterval"`
		AutoApply             *bool  `yaml:"autoApply"`
		ClearCachesOnRegister bool   `yaml:"clearCachesOnRegister"`

		registerDelay  time.Duration
		updateInterval time.Duration
	} `yaml:"controller"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a configuration document, fills defaults and compiles sizes
// and durations.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("server.origin %q must be an absolute url", cfg.Server.Origin)
	}

	st := &cfg.Storage
	switch st.Driver {
	case "":
		st.Driver = DriverLevelDB
	case DriverLevelDB, DriverMemory:
	default:
		return Config{}, fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
	}
	if st.Driver == DriverLevelDB && st.Path == "" {
		st.Path = "./data/leveldb"
	}
	if st.Max != "" {
		n, err := ParseBytes(st.Max)
		if err != nil {
			return Config{}, fmt.Errorf("storage.max: %w", err)
		}
		st.maxBytes = n
	}

	lg := &cfg.Logging
	if lg.Level == "" {
		lg.Level = "info"
	}
	if lg.Encoding == "" {
		lg.Encoding = "json"
	}
	if err := lg.Config.Validate(); err != nil {
		return Config{}, fmt.Errorf("logging: %w", err)
	}
	if err := parseDuration("logging.statsEvery", lg.StatsEvery, time.Minute, &lg.statsEvery); err != nil {
		return Config{}, err
	}

	w := &cfg.Worker
	if w.Script == "" {
		w.Script = "/sw.yaml"
	}
	if w.Scope == "" {
		w.Scope = "/"
	}
	if w.UpdateViaCache == "" {
		w.UpdateViaCache = "none"
	}
	if err := parseDuration("worker.periodicSync", w.PeriodicSync, 0, &w.periodicSync); err != nil {
		return Config{}, err
	}
	if err := parseDuration("worker.timeout", w.Timeout, 30*time.Second, &w.timeout); err != nil {
		return Config{}, err
	}

	ctl := &cfg.Controller
	if ctl.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("controller.maxAttempts must not be negative")
	}
	if ctl.MaxAttempts == 0 {
		ctl.MaxAttempts = 3
	}
	if ctl.AutoApply == nil {
		on := true
		ctl.AutoApply = &on
	}
	if err := parseDuration("controller.registerDelay", ctl.RegisterDelay, 0, &ctl.registerDelay); err != nil {
		return Config{}, err
	}
	if err := parseDuration("controller.updateInterval", ctl.UpdateInterval, 2*time.Minute, &ctl.updateInterval); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseDuration(field, s string, def time.Duration, dst *time.Duration) error {
	if s == "" {
		*dst = def
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", field, s)
	}
	*dst = d
	return nil
}

// MaxBytes is the storage budget; zero means unbounded.
func (c Config) MaxBytes() int64 { return c.Storage.maxBytes }

func (c Config) StatsEvery() time.Duration { return c.Logging.statsEvery }

// PeriodicSync is zero when periodic sync is disabled.
func (c Config) PeriodicSync() time.Duration { return c.Worker.periodicSync }

func (c Config) NetworkTimeout() time.Duration { return c.Worker.timeout }

func (c Config) RegisterDelay() time.Duration { return c.Controller.registerDelay }

// UpdateInterval is zero when periodic update checks are disabled.
func (c Config) UpdateInterval() time.Duration { return c.Controller.updateInterval }

func (c Config) AutoApply() bool { return c.Controller.AutoApply != nil && *c.Controller.AutoApply }
