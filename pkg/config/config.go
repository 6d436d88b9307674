package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ferrohq/ferro/pkg/ferroerr"
)

// Config carries every tunable the conductor core recognizes. It is
// loaded once at startup and injected into components at construction;
// nothing reads configuration from ambient globals.
type Config struct {
	// Hostname identifies this conductor in node reservations. Defaults
	// to os.Hostname.
	Hostname string `yaml:"hostname" envconfig:"optional"`

	ListenAddr string `yaml:"listen_addr" envconfig:"optional"`

	LogLevel string `yaml:"log_level" envconfig:"optional"`
	LogJSON  bool   `yaml:"log_json" envconfig:"optional"`

	// NodeLockedRetryAttempts/Interval bound the reservation retry
	// inside a single task acquisition.
	NodeLockedRetryAttempts int           `yaml:"node_locked_retry_attempts" envconfig:"optional"`
	NodeLockedRetryInterval time.Duration `yaml:"node_locked_retry_interval" envconfig:"optional"`

	// AllocationRetryAttempts/Interval bound the allocation matcher's
	// outer pass over nodes that were locked on the previous pass.
	AllocationRetryAttempts int           `yaml:"allocation_retry_attempts" envconfig:"optional"`
	AllocationRetryInterval time.Duration `yaml:"allocation_retry_interval" envconfig:"optional"`

	// Step priority override tables, one entry per "iface.step:priority"
	// string. Priority 0 removes the step from the plan.
	DeployStepPriorityOverrides []string `yaml:"deploy_step_priority_overrides" envconfig:"optional"`
	CleanStepPriorityOverrides  []string `yaml:"clean_step_priority_overrides" envconfig:"optional"`
	VerifyStepPriorityOverrides []string `yaml:"verify_step_priority_overrides" envconfig:"optional"`

	// DisableRamdiskSteps drops steps that require the provisioning
	// ramdisk from every resolved plan.
	DisableRamdiskSteps bool `yaml:"disable_ramdisk_steps" envconfig:"optional"`

	// Workers sizes the conductor's background worker pool.
	Workers int `yaml:"workers" envconfig:"optional"`

	// SweepInterval paces the background sweeps: resuming suspended
	// phases, picking up pending allocations.
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"optional"`

	// PowerSyncInterval paces the power state poll over stable nodes.
	// Zero disables the poll.
	PowerSyncInterval time.Duration `yaml:"power_sync_interval" envconfig:"optional"`

	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig selects and parameterizes the node store backend.
type StorageConfig struct {
	// Backend is "bolt" or "postgres".
	Backend string `yaml:"backend" envconfig:"optional"`

	// DataDir holds the bbolt database for the bolt backend.
	DataDir string `yaml:"data_dir" envconfig:"optional"`

	PostgresUser     string `yaml:"postgres_user" envconfig:"optional"`
	PostgresPassword string `yaml:"postgres_password" envconfig:"optional"`
	PostgresHost     string `yaml:"postgres_host" envconfig:"optional"`
	PostgresPort     uint16 `yaml:"postgres_port" envconfig:"optional"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		ListenAddr:              ":9607",
		LogLevel:                "info",
		NodeLockedRetryAttempts: 3,
		NodeLockedRetryInterval: time.Second,
		AllocationRetryAttempts: 2,
		AllocationRetryInterval: time.Second,
		Workers:                 8,
		SweepInterval:           10 * time.Second,
		PowerSyncInterval:       60 * time.Second,
		Storage: StorageConfig{
			Backend:      "bolt",
			DataDir:      "/var/lib/ferro",
			PostgresPort: 5432,
		},
	}
}

// Load reads the YAML file at path (when non-empty), applies FERRO_*
// environment overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.InitWithPrefix(cfg, "FERRO"); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname: %w", err)
		}
		cfg.Hostname = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and the override tables.
func (c *Config) Validate() error {
	if c.NodeLockedRetryAttempts < 1 {
		return ferroerr.Invalidf("node_locked_retry_attempts must be at least 1, got %d", c.NodeLockedRetryAttempts)
	}
	if c.AllocationRetryAttempts < 0 {
		return ferroerr.Invalidf("allocation_retry_attempts must not be negative, got %d", c.AllocationRetryAttempts)
	}
	if c.Workers < 1 {
		return ferroerr.Invalidf("workers must be at least 1, got %d", c.Workers)
	}
	switch c.Storage.Backend {
	case "bolt", "postgres":
	default:
		return ferroerr.Invalidf("storage backend must be \"bolt\" or \"postgres\", got %q", c.Storage.Backend)
	}
	for _, table := range [][]string{
		c.DeployStepPriorityOverrides,
		c.CleanStepPriorityOverrides,
		c.VerifyStepPriorityOverrides,
	} {
		if _, err := ParseStepOverrides(table); err != nil {
			return err
		}
	}
	return nil
}

// StepOverridesFor returns the parsed override table for a phase name.
// Tables are validated at load time, so parsing here cannot fail.
func (c *Config) StepOverridesFor(phase string) map[string]int {
	var table []string
	switch phase {
	case "deploy":
		table = c.DeployStepPriorityOverrides
	case "clean":
		table = c.CleanStepPriorityOverrides
	case "verify":
		table = c.VerifyStepPriorityOverrides
	}
	parsed, _ := ParseStepOverrides(table)
	return parsed
}

// ParseStepOverrides parses "iface.step:priority" entries into a map
// keyed by "iface.step".
func ParseStepOverrides(entries []string) (map[string]int, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(entries))
	for _, entry := range entries {
		key, prioStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, ferroerr.Invalidf("step priority override %q is not of the form interface.step:priority", entry)
		}
		iface, step, ok := strings.Cut(key, ".")
		if !ok || iface == "" || step == "" {
			return nil, ferroerr.Invalidf("step priority override %q does not name an interface.step pair", entry)
		}
		prio, err := strconv.Atoi(prioStr)
		if err != nil || prio < 0 {
			return nil, ferroerr.Invalidf("step priority override %q has invalid priority %q", entry, prioStr)
		}
		out[key] = prio
	}
	return out, nil
}
