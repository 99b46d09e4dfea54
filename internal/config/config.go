package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultProject is the key used when a task names a project with no entry.
const DefaultProject = "default"

// Project describes how the external agent works on one repository.
type Project struct {
	RepoPath    string   `yaml:"repo_path"`
	TestCommand string   `yaml:"test_command"`
	AgentsMD    string   `yaml:"agents_md"`
	PreImplRead []string `yaml:"pre_impl_read"`
}

// Config is the engine configuration.
type Config struct {
	TasksDir    string `yaml:"tasks_dir"`
	StateDir    string `yaml:"state_dir"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	MaxVerifyAttempts   int `yaml:"max_verify_attempts"`
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`
	StuckThresholdHours int `yaml:"stuck_threshold_hours"`
	// LeaseStaleSeconds is how old a lock file may get before it is taken over.
	LeaseStaleSeconds int `yaml:"lease_stale_seconds"`

	// Cron expressions for `cron tick`. Empty disables the job.
	MonitorSchedule string `yaml:"monitor_schedule"`
	NightlySchedule string `yaml:"nightly_schedule"`

	Projects map[string]Project `yaml:"projects"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".devtasks")
	return &Config{
		TasksDir:            filepath.Join(base, "tasks"),
		StateDir:            filepath.Join(base, "state"),
		LogLevel:            "info",
		MaxVerifyAttempts:   3,
		MaxConcurrentAgents: 2,
		StuckThresholdHours: 4,
		LeaseStaleSeconds:   600,
		MonitorSchedule:     "*/30 * * * *",
		Projects: map[string]Project{
			"decent-cloud": {
				RepoPath:    "/projects/decent-cloud",
				TestCommand: "cargo test",
				AgentsMD:    "/projects/decent-cloud/AGENTS.md",
				PreImplRead: []string{
					"/projects/decent-cloud/AGENTS.md",
					"/projects/decent-cloud/memory/decent-cloud-dev.md",
				},
			},
			"voki": {
				RepoPath:    "/projects/voice-ai-agent",
				TestCommand: "pytest",
				AgentsMD:    "/projects/voice-ai-agent/AGENTS.md",
			},
			DefaultProject: {
				TestCommand: "echo 'No test command configured'",
			},
		},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// malformed YAML or invalid values are.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.merge(&loaded)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays non-zero fields of o. Projects merge by key.
func (c *Config) merge(o *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setString(&c.TasksDir, o.TasksDir)
	setString(&c.StateDir, o.StateDir)
	setString(&c.DatabaseURL, o.DatabaseURL)
	setString(&c.LogLevel, o.LogLevel)
	setInt(&c.MaxVerifyAttempts, o.MaxVerifyAttempts)
	setInt(&c.MaxConcurrentAgents, o.MaxConcurrentAgents)
	setInt(&c.StuckThresholdHours, o.StuckThresholdHours)
	setInt(&c.LeaseStaleSeconds, o.LeaseStaleSeconds)
	setString(&c.MonitorSchedule, o.MonitorSchedule)
	setString(&c.NightlySchedule, o.NightlySchedule)

	if c.Projects == nil {
		c.Projects = map[string]Project{}
	}
	for name, p := range o.Projects {
		c.Projects[name] = p
	}
}

// CronParser is the five-field parser shared by validation and `cron tick`.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks numeric bounds and cron expressions.
func (c *Config) Validate() error {
	if c.MaxVerifyAttempts < 1 {
		return fmt.Errorf("max_verify_attempts must be >= 1, got %d", c.MaxVerifyAttempts)
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be >= 1, got %d", c.MaxConcurrentAgents)
	}
	if c.StuckThresholdHours < 1 {
		return fmt.Errorf("stuck_threshold_hours must be >= 1, got %d", c.StuckThresholdHours)
	}
	for name, expr := range map[string]string{
		"monitor_schedule": c.MonitorSchedule,
		"nightly_schedule": c.NightlySchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := CronParser.Parse(expr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, expr, err)
		}
	}
	return nil
}

// Project returns the entry for name, falling back to the default entry.
func (c *Config) Project(name string) Project {
	if p, ok := c.Projects[name]; ok {
		return p
	}
	return c.Projects[DefaultProject]
}

// StuckThreshold is StuckThresholdHours as a duration.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdHours) * time.Hour
}

// LeaseStale is LeaseStaleSeconds as a duration.
func (c *Config) LeaseStale() time.Duration {
	return time.Duration(c.LeaseStaleSeconds) * time.Second
}

// PipelineStatePath is the file holding the pipeline state document.
func (c *Config) PipelineStatePath() string {
	return filepath.Join(c.StateDir, "dev-pipeline-state.json")
}

// RegistryPath is the file holding the agent registry document.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StateDir, "dev-task-state.json")
}

// LockPath is the lease file guarding load-mutate-save.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "devtasks.lock")
}
