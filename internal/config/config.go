package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consisteso/enforcer/internal/domain"
	"github.com/consisteso/enforcer/internal/gating"
	"github.com/consisteso/enforcer/internal/logging"
)

// EnvConfigPath names the environment variable consulted by Resolve.
const EnvConfigPath = "ENFORCER_CONFIG"

// Config holds the enforcer's runtime configuration.
type Config struct {
	DBPath              string             `json:"db_path" yaml:"db_path"`
	ListenAddr          string             `json:"listen_addr" yaml:"listen_addr"`
	Timezone            string             `json:"timezone" yaml:"timezone"`
	EvaluateIntervalSec int                `json:"evaluate_interval_sec" yaml:"evaluate_interval_sec"`
	SettlementTime      string             `json:"settlement_time" yaml:"settlement_time"`
	ImminentMinutes     int                `json:"imminent_minutes" yaml:"imminent_minutes"`
	RateLimitPerMinute  int                `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	LogLevel            string             `json:"log_level" yaml:"log_level"`
	LogFormat           string             `json:"log_format" yaml:"log_format"`
	AppCategories       *gating.Categories `json:"app_categories,omitempty" yaml:"app_categories,omitempty"`
}

// Load reads a JSON or YAML config file (by extension), applies defaults,
// and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and the given database path.
func Default(dbPath string) *Config {
	cfg := &Config{DBPath: dbPath}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.EvaluateIntervalSec == 0 {
		c.EvaluateIntervalSec = 900
	}
	if c.SettlementTime == "" {
		c.SettlementTime = "23:59"
	}
	if c.ImminentMinutes == 0 {
		c.ImminentMinutes = 5
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = logging.FormatText
	}
	if c.AppCategories == nil {
		cats := gating.DefaultCategories()
		c.AppCategories = &cats
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("timezone %q is not a known IANA zone", c.Timezone))
	}
	if c.EvaluateIntervalSec < 0 {
		problems = append(problems, "evaluate_interval_sec must be positive")
	}
	if _, err := domain.ParseTimeOfDay(c.SettlementTime); err != nil {
		problems = append(problems, fmt.Sprintf("settlement_time %q must be HH:MM", c.SettlementTime))
	}
	if c.ImminentMinutes < 0 {
		problems = append(problems, "imminent_minutes must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		problems = append(problems, "rate_limit_per_minute must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", c.LogLevel))
	}
	if c.LogFormat != logging.FormatText && c.LogFormat != logging.FormatJSON {
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}

	if len(problems) > 0 {
		return &domain.EnforcerError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// Location returns the configured calendar time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// EvaluateInterval returns the evaluator cadence.
func (c *Config) EvaluateInterval() time.Duration {
	return time.Duration(c.EvaluateIntervalSec) * time.Second
}

// ImminentWindow returns how long before a deadline the reminder fires.
func (c *Config) ImminentWindow() time.Duration {
	return time.Duration(c.ImminentMinutes) * time.Minute
}

// SettleAt returns the parsed settlement time of day.
func (c *Config) SettleAt() domain.TimeOfDay {
	tod, err := domain.ParseTimeOfDay(c.SettlementTime)
	if err != nil {
		return domain.TimeOfDay{Hour: 23, Minute: 59}
	}
	return tod
}

// ErrNoConfig is returned by Resolve when no config file can be found.
var ErrNoConfig = errors.New("no config file found")

// Resolve picks the config file path: the explicit flag value, then the
// ENFORCER_CONFIG environment variable, then config.json, config.yaml or
// config.yml next to the executable or in the working directory.
func Resolve(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, nil
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	for _, dir := range dirs {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", ErrNoConfig
}
