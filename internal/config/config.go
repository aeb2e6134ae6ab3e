package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/steprun/orchestrator/internal/profile"
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"

	UnitSimulated = "simulated"
	UnitContainer = "container"
	UnitLua       = "lua"
	UnitJS        = "js"
	UnitWasm      = "wasm"
)

// Config is read from the environment first. A YAML file named by
// CONFIG_FILE then overrides any field it sets.
type Config struct {
	NodeID    string `envconfig:"NODE_ID" default:"node-default" yaml:"node_id"`
	HTTPPort  int    `envconfig:"HTTP_PORT" default:"8000" yaml:"http_port"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" yaml:"log_format"`

	Store   string `envconfig:"STORE" default:"badger" yaml:"store"`
	DataDir string `envconfig:"DATA_DIR" default:"./data" yaml:"data_dir"`

	MaxConcurrentJobs int           `envconfig:"MAX_CONCURRENT_JOBS" default:"3" yaml:"max_concurrent_jobs"`
	MaxTargetCount    int           `envconfig:"MAX_TARGET_COUNT" default:"100" yaml:"max_target_count"`
	StopGracePeriod   time.Duration `envconfig:"STOP_GRACE_PERIOD" default:"2s" yaml:"stop_grace_period"`
	TeardownTimeout   time.Duration `envconfig:"TEARDOWN_TIMEOUT" default:"10s" yaml:"teardown_timeout"`

	WorkUnit         string        `envconfig:"WORK_UNIT" default:"simulated" yaml:"work_unit"`
	StepFailureRate  float64       `envconfig:"STEP_FAILURE_RATE" default:"0" yaml:"step_failure_rate"`
	ContainerImage   string        `envconfig:"CONTAINER_IMAGE" yaml:"container_image"`
	ContainerCommand []string      `envconfig:"CONTAINER_COMMAND" yaml:"container_command"`
	StepTimeout      time.Duration `envconfig:"STEP_TIMEOUT" default:"60s" yaml:"step_timeout"`
	ScriptFile       string        `envconfig:"SCRIPT_FILE" yaml:"script_file"`
	WasmModule       string        `envconfig:"WASM_MODULE" yaml:"wasm_module"`

	RetentionDays     int           `envconfig:"RETENTION_DAYS" default:"7" yaml:"retention_days"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h" yaml:"retention_interval"`

	DefaultProfile string            `envconfig:"DEFAULT_PROFILE" default:"normal" yaml:"default_profile"`
	Profiles       []profile.Profile `ignored:"true" yaml:"profiles"`

	ConfigFile string `envconfig:"CONFIG_FILE" yaml:"-"`
}

func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if c.ConfigFile != "" {
		if err := c.overlay(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) overlay(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	switch c.Store {
	case StoreMemory:
	case StoreBadger:
		if c.DataDir == "" {
			add("DATA_DIR is required for the badger store")
		}
	default:
		add("unknown STORE %q", c.Store)
	}
	if c.MaxConcurrentJobs < 1 {
		add("MAX_CONCURRENT_JOBS must be positive")
	}
	if c.MaxTargetCount < 1 {
		add("MAX_TARGET_COUNT must be positive")
	}
	if c.StopGracePeriod <= 0 {
		add("STOP_GRACE_PERIOD must be positive")
	}
	if c.StepFailureRate < 0 || c.StepFailureRate > 1 {
		add("STEP_FAILURE_RATE must be within [0, 1]")
	}
	switch c.WorkUnit {
	case UnitSimulated:
	case UnitContainer:
		if c.ContainerImage == "" {
			add("CONTAINER_IMAGE is required for the container work unit")
		}
	case UnitLua, UnitJS:
		if c.ScriptFile == "" {
			add("SCRIPT_FILE is required for the %s work unit", c.WorkUnit)
		}
	case UnitWasm:
		if c.WasmModule == "" {
			add("WASM_MODULE is required for the wasm work unit")
		}
	default:
		add("unknown WORK_UNIT %q", c.WorkUnit)
	}
	if c.RetentionDays < 0 {
		add("RETENTION_DAYS must not be negative")
	}
	if _, err := c.ProfileSet(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return errors.Join(errors.New("invalid configuration"), err)
	}
	return nil
}

// ProfileSet returns the configured delay profiles, or the built-in table
// when none are configured.
func (c *Config) ProfileSet() (*profile.Set, error) {
	profiles := c.Profiles
	if len(profiles) == 0 {
		profiles = profile.DefaultProfiles()
	}
	return profile.NewSet(profiles, c.DefaultProfile)
}

// RetentionWindow is zero when retention is disabled.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
