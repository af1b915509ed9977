// Package config handles configuration loading for v0. It supports a
// project-level .v0/config.yaml, environment variable overrides, and
// defaults. The loaded Config is an immutable value threaded through
// constructors; nothing reads viper after load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for v0.
type Config struct {
	// BuildRoot is the directory that holds operations/, mergeq/, and the
	// workspace locks.
	BuildRoot string `mapstructure:"build_root"`

	Git        GitConfig        `mapstructure:"git"`
	MergeQueue MergeQueueConfig `mapstructure:"merge_queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
}

// GitConfig holds git integration settings.
type GitConfig struct {
	// Remote is the git remote name for the shared branch.
	Remote string `mapstructure:"remote"`
	// SharedBranch is the integration target branch the merge queue advances.
	SharedBranch string `mapstructure:"shared_branch"`
	// Workspace is the shared checkout used by the merge daemon.
	Workspace string `mapstructure:"workspace"`
}

// MergeQueueConfig holds merge daemon settings.
type MergeQueueConfig struct {
	// PollInterval is the daemon poll cycle period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PushRetries is the number of push attempts before push_failed.
	PushRetries int `mapstructure:"push_retries"`
	// VerifyRetries is the number of post-push verification attempts.
	VerifyRetries int `mapstructure:"verify_retries"`
	// RequireRemote requires the merge commit to be an ancestor of the
	// remote shared branch after push.
	RequireRemote bool `mapstructure:"require_remote"`
	// ConflictRetryLimit is the number of automatic conflict retries per
	// queue entry.
	ConflictRetryLimit int `mapstructure:"conflict_retry_limit"`
}

// WorkerConfig holds agent supervision settings.
type WorkerConfig struct {
	// Command launches the agent inside a session.
	Command string `mapstructure:"command"`
	// PollInterval is the supervisor check period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BackoffBase is the first crash-backoff delay; doubled per crash.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffCap caps the crash-backoff delay.
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
	// IdleTicks is the number of consecutive polls without artifact change
	// before a session is considered idle-complete.
	IdleTicks int `mapstructure:"idle_ticks"`
}

// TrackerConfig holds issue tracker settings.
type TrackerConfig struct {
	// Command is the tracker CLI binary.
	Command string `mapstructure:"command"`
}

// OperationsDir returns the directory holding per-operation state.
func (c *Config) OperationsDir() string {
	return filepath.Join(c.BuildRoot, "operations")
}

// MergeQueueDir returns the directory holding the queue document, daemon
// pid file, and daemon log.
func (c *Config) MergeQueueDir() string {
	return filepath.Join(c.BuildRoot, "mergeq")
}

// Load reads configuration for the project rooted at projectRoot.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectRoot, ".v0"))

	setDefaults(v, projectRoot)

	v.SetEnvPrefix("V0")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Git.Workspace == "" {
		cfg.Git.Workspace = projectRoot
	}
	return &cfg, nil
}

// setDefaults registers the default values.
func setDefaults(v *viper.Viper, projectRoot string) {
	v.SetDefault("build_root", filepath.Join(projectRoot, ".v0", "build"))
	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.shared_branch", "dev")
	v.SetDefault("merge_queue.poll_interval", 30*time.Second)
	v.SetDefault("merge_queue.push_retries", 3)
	v.SetDefault("merge_queue.verify_retries", 3)
	v.SetDefault("merge_queue.require_remote", true)
	v.SetDefault("merge_queue.conflict_retry_limit", 1)
	v.SetDefault("worker.command", "claude")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.backoff_base", 5*time.Second)
	v.SetDefault("worker.backoff_cap", 300*time.Second)
	v.SetDefault("worker.idle_ticks", 6)
	v.SetDefault("tracker.command", "wk")
}

// FindProjectRoot walks up from the working directory looking for a .v0
// directory or a .git directory.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		for _, marker := range []string{".v0", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .v0 or .git directory found above %s", dir)
		}
		dir = parent
	}
}
