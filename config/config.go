// Package config loads turnwire settings from a YAML file layered over
// built-in defaults, and adapts them to the client's SettingsProvider
// contract.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/draftnote/turnwire"
)

// Config is the on-disk settings shape.
type Config struct {
	// Command is the agent host launch command. Empty means the
	// platform default.
	Command []string `yaml:"command"`

	WorkingDir     string `yaml:"working_dir"`
	Model          string `yaml:"model"`
	ApprovalPolicy string `yaml:"approval_policy"`
	SandboxMode    string `yaml:"sandbox_mode"`
	AutoApprove    bool   `yaml:"auto_approve"`
	PersistThreads bool   `yaml:"persist_threads"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Command:        DefaultCommand(),
		ApprovalPolicy: "on-request",
		SandboxMode:    "workspace-write",
		PersistThreads: true,
	}
}

// DefaultCommand is the platform-conditional agent host launch command.
// The one construction site for it: everything else receives the value
// through Settings.
func DefaultCommand() []string {
	if runtime.GOOS == "windows" {
		return []string{"codex.cmd", "app-server"}
	}
	return []string{"codex", "app-server"}
}

// DefaultPath is the conventional config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	return filepath.Join(home, ".turnwire", "turnwire.yaml"), nil
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	// Unmarshal overwrites only the fields present in the YAML, so the
	// file is an overlay, not a replacement.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand()
	}
	return cfg, nil
}

// Provider adapts a Config to turnwire.SettingsProvider. The last-thread-id
// source is consulted on every read, so the provider always reflects the
// most recently persisted thread.
type Provider struct {
	mu           sync.Mutex
	cfg          Config
	lastThreadID func() string
}

// NewProvider wraps cfg. lastThreadID may be nil when thread persistence is
// not wired up.
func NewProvider(cfg Config, lastThreadID func() string) *Provider {
	return &Provider{cfg: cfg, lastThreadID: lastThreadID}
}

// Settings implements turnwire.SettingsProvider.
func (p *Provider) Settings() turnwire.Settings {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	s := turnwire.Settings{
		Command:        cfg.Command,
		WorkingDir:     cfg.WorkingDir,
		Model:          cfg.Model,
		ApprovalPolicy: cfg.ApprovalPolicy,
		SandboxMode:    cfg.SandboxMode,
		AutoApprove:    cfg.AutoApprove,
		PersistThreads: cfg.PersistThreads,
	}
	if cfg.PersistThreads && p.lastThreadID != nil {
		s.LastThreadID = p.lastThreadID()
	}
	return s
}

// Update applies f to the current config under the provider's lock. Later
// Settings() reads observe the change.
func (p *Provider) Update(f func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.cfg)
}
