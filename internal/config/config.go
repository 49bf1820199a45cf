// internal/config/config.go
//
// This package handles configuration and the vault directory structure.
// Every vault managed by deskhand gets a .deskhand/ folder created in its
// root alongside the five lifecycle directories.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mhollis/deskhand/internal/task"
)

const (
	// DeskhandDir is the name of the housekeeping directory inside the vault.
	DeskhandDir = ".deskhand"
	// DropDir receives local signal files picked up by the localdrop watcher.
	DropDir = "Drop"
	// SnapshotFile is the status document published at the vault root.
	SnapshotFile = "STATUS.md"
)

// Environment variables consumed at load time.
const (
	EnvVault              = "DESKHAND_VAULT"
	EnvMaxSteps           = "DESKHAND_MAX_STEPS"
	EnvStepTimeout        = "DESKHAND_STEP_TIMEOUT"
	EnvCheckpointInterval = "DESKHAND_CHECKPOINT_INTERVAL"
	EnvMaxRetries         = "DESKHAND_MAX_RETRIES"
	EnvDryRun             = "DESKHAND_DRY_RUN"
)

const defaultVaultConfigYAML = `# deskhand vault configuration
version: 1

# Bounds for the supervised execution loop.
loop:
  max_steps: 50
  step_timeout: 5m
  checkpoint_interval: 10
  max_retries: 3

# When true the action executor only logs; no side effect leaves the vault.
dry_run: false

# Watchers poll their source on their own interval. Disable one by removing
# its entry. The calendar watcher needs credentials; see README.
watchers:
  - name: localdrop
    interval: 15s
  # - name: gcal
  #   interval: 2m
  #   calendar: Deskhand

# How often the snapshot generator re-derives STATUS.md.
snapshot_interval: 30s

# Agent command invoked by the execution loop. The request is fed as JSON on
# stdin; a JSON decision is expected on stdout. Empty selects the scripted
# stub, which only makes sense for dry runs.
agent_command: ""
`

// LoopBounds caps the supervised execution loop.
type LoopBounds struct {
	MaxSteps           int      `yaml:"max_steps"`
	StepTimeout        Duration `yaml:"step_timeout"`
	CheckpointInterval int      `yaml:"checkpoint_interval"`
	MaxRetries         int      `yaml:"max_retries"`
}

// WatcherRef declares one watcher entry inside .deskhand/config.yaml.
type WatcherRef struct {
	Name     string   `yaml:"name"`
	Interval Duration `yaml:"interval"`
	Calendar string   `yaml:"calendar,omitempty"`
}

// VaultConfig models .deskhand/config.yaml.
type VaultConfig struct {
	Version          int          `yaml:"version"`
	Loop             LoopBounds   `yaml:"loop"`
	DryRun           bool         `yaml:"dry_run"`
	Watchers         []WatcherRef `yaml:"watchers"`
	SnapshotInterval Duration     `yaml:"snapshot_interval"`
	AgentCommand     string       `yaml:"agent_command"`
}

// Config holds the runtime configuration for deskhand.
type Config struct {
	// VaultDir is the root of the task store.
	VaultDir string

	// DeskhandVaultDir is VaultDir/.deskhand
	DeskhandVaultDir string

	Vault VaultConfig
}

// DefaultLoopBounds returns the documented loop defaults.
func DefaultLoopBounds() LoopBounds {
	return LoopBounds{
		MaxSteps:           50,
		StepTimeout:        Duration(5 * time.Minute),
		CheckpointInterval: 10,
		MaxRetries:         3,
	}
}

// InitVault creates the vault directory structure. Called by `deskhand init`
// and defensively on daemon start.
//
// Structure created:
//
//	<vault>/
//	├── Inbox/             <- new tasks
//	├── Needs_Action/      <- active tasks
//	├── Pending_Approval/  <- tasks halted at the approval gate
//	├── Approved/          <- approved, dispatch pending
//	├── Done/              <- terminal tasks
//	├── Drop/              <- local signal files
//	└── .deskhand/
//	    ├── config.yaml
//	    ├── logs/          <- process log + daily audit files
//	    └── state/         <- snapshot hash, non-authoritative caches
func InitVault(vaultDir string) error {
	deskhandDir := filepath.Join(vaultDir, DeskhandDir)
	dirs := []string{
		filepath.Join(vaultDir, task.DirInbox),
		filepath.Join(vaultDir, task.DirNeedsAction),
		filepath.Join(vaultDir, task.DirPendingApproval),
		filepath.Join(vaultDir, task.DirApproved),
		filepath.Join(vaultDir, task.DirDone),
		filepath.Join(vaultDir, DropDir),
		filepath.Join(deskhandDir, "logs"),
		filepath.Join(deskhandDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureVaultConfig(filepath.Join(deskhandDir, "config.yaml"))
}

// NewConfig loads configuration for the given vault, applying file values
// first and environment overrides second.
func NewConfig(vaultDir string) (*Config, error) {
	if vaultDir == "" {
		vaultDir = os.Getenv(EnvVault)
	}
	if vaultDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: resolve working directory: %w", err)
		}
		vaultDir = cwd
	}
	vaultDir = filepath.Clean(vaultDir)

	cfg := &Config{
		VaultDir:         vaultDir,
		DeskhandVaultDir: filepath.Join(vaultDir, DeskhandDir),
		Vault:            defaultVaultConfig(),
	}
	if err := cfg.loadVaultConfig(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Vault.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// StateDirPath returns the directory encoding the given lifecycle state.
func (c *Config) StateDirPath(state task.State) string {
	dir, ok := state.Dir()
	if !ok {
		return ""
	}
	return filepath.Join(c.VaultDir, dir)
}

// DropDirPath returns the local signal drop folder.
func (c *Config) DropDirPath() string {
	return filepath.Join(c.VaultDir, DropDir)
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DeskhandVaultDir, "logs")
}

// StateDir returns the path to the housekeeping state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.DeskhandVaultDir, "state")
}

// SnapshotPath returns the on-disk location of STATUS.md.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.VaultDir, SnapshotFile)
}

// VaultConfigPath returns the on-disk location of the vault config file.
func (c *Config) VaultConfigPath() string {
	return filepath.Join(c.DeskhandVaultDir, "config.yaml")
}

func (c *Config) loadVaultConfig() error {
	path := c.VaultConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed VaultConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.Vault = parsed
	return nil
}

func defaultVaultConfig() VaultConfig {
	return VaultConfig{
		Version:          1,
		Loop:             DefaultLoopBounds(),
		Watchers:         []WatcherRef{{Name: "localdrop", Interval: Duration(15 * time.Second)}},
		SnapshotInterval: Duration(30 * time.Second),
	}
}

func (vc *VaultConfig) applyDefaults() {
	defaults := defaultVaultConfig()
	if vc.Version == 0 {
		vc.Version = defaults.Version
	}
	if vc.Loop.MaxSteps == 0 {
		vc.Loop.MaxSteps = defaults.Loop.MaxSteps
	}
	if vc.Loop.StepTimeout == 0 {
		vc.Loop.StepTimeout = defaults.Loop.StepTimeout
	}
	if vc.Loop.CheckpointInterval == 0 {
		vc.Loop.CheckpointInterval = defaults.Loop.CheckpointInterval
	}
	if vc.Loop.MaxRetries == 0 {
		vc.Loop.MaxRetries = defaults.Loop.MaxRetries
	}
	if len(vc.Watchers) == 0 {
		vc.Watchers = defaults.Watchers
	}
	for i := range vc.Watchers {
		vc.Watchers[i].Name = strings.ToLower(strings.TrimSpace(vc.Watchers[i].Name))
		if vc.Watchers[i].Interval <= 0 {
			vc.Watchers[i].Interval = Duration(15 * time.Second)
		}
	}
	if vc.SnapshotInterval <= 0 {
		vc.SnapshotInterval = defaults.SnapshotInterval
	}
}

func (vc VaultConfig) validate() error {
	if vc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if vc.Loop.MaxSteps < 1 {
		return fmt.Errorf("loop.max_steps must be >= 1")
	}
	if vc.Loop.StepTimeout <= 0 {
		return fmt.Errorf("loop.step_timeout must be positive")
	}
	if vc.Loop.CheckpointInterval < 1 {
		return fmt.Errorf("loop.checkpoint_interval must be >= 1")
	}
	if vc.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries must be >= 0")
	}
	for i, ref := range vc.Watchers {
		if ref.Name == "" {
			return fmt.Errorf("watchers[%d]: name is required", i)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := envInt(EnvMaxSteps); ok {
		c.Vault.Loop.MaxSteps = v
	}
	if v, ok := envDuration(EnvStepTimeout); ok {
		c.Vault.Loop.StepTimeout = Duration(v)
	}
	if v, ok := envInt(EnvCheckpointInterval); ok {
		c.Vault.Loop.CheckpointInterval = v
	}
	if v, ok := envInt(EnvMaxRetries); ok {
		c.Vault.Loop.MaxRetries = v
	}
	if v, ok := envBool(EnvDryRun); ok {
		c.Vault.DryRun = v
	}
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(name string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return false, false
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}

func ensureVaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultVaultConfigYAML), 0o644)
}
