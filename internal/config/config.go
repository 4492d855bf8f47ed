// Package config loads and persists the server's YAML configuration at
// ~/.agentrix/config.yaml. Loading is tolerant: a missing file yields
// defaults, and out-of-range values fall back field by field so a damaged
// config never prevents startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle
	// quickly; retries use a short linear backoff.
	renameRetryBaseDelay = 10 * time.Millisecond
)

var userHomeDirFn = os.UserHomeDir

// SessionMode selects how terminal sessions are backed.
const (
	ModeAuto = "auto"
	ModeTmux = "tmux"
	ModePty  = "pty"
)

// CodexConfig holds the agent CLI settings.
type CodexConfig struct {
	Command string `yaml:"command" json:"command"`
	Model   string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Config is the agentrix runtime configuration.
type Config struct {
	// Workdir is the root of the managed workdir layout
	// (<workdir>/<org>/<repo> clones and their worktrees).
	Workdir string `yaml:"workdir" json:"workdir"`
	// Shell overrides $SHELL for PTY spawning when set.
	Shell string `yaml:"shell,omitempty" json:"shell,omitempty"`
	// SessionMode is auto, tmux, or pty.
	SessionMode string `yaml:"session_mode" json:"session_mode"`
	// TmuxPrefix prefixes managed tmux session names.
	TmuxPrefix string `yaml:"tmux_prefix" json:"tmux_prefix"`
	// IdleThresholdSeconds is how long a worktree must be quiet before it
	// is marked idle.
	IdleThresholdSeconds int `yaml:"idle_threshold_seconds" json:"idle_threshold_seconds"`
	// KillDelaySeconds is the SIGTERM-to-SIGKILL escalation delay.
	KillDelaySeconds int `yaml:"kill_delay_seconds" json:"kill_delay_seconds"`
	// ListenAddr is the websocket server bind address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// NgrokAuthToken enables the port tunnel manager when set.
	NgrokAuthToken string `yaml:"ngrok_auth_token,omitempty" json:"ngrok_auth_token,omitempty"`
	// LLMCommand is the shell command used for branch-name and plan
	// generation. Empty disables both.
	LLMCommand string `yaml:"llm_command,omitempty" json:"llm_command,omitempty"`
	// PlanKeepPerBranch caps retained plan files per branch.
	PlanKeepPerBranch int `yaml:"plan_keep_per_branch" json:"plan_keep_per_branch"`
	Codex             CodexConfig `yaml:"codex" json:"codex"`
}

// IdleThreshold returns the idle threshold as a duration.
func (c Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSeconds) * time.Second
}

// KillDelay returns the SIGKILL escalation delay as a duration.
func (c Config) KillDelay() time.Duration {
	return time.Duration(c.KillDelaySeconds) * time.Second
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	workdir := "agentrix"
	if home, err := userHomeDirFn(); err == nil {
		workdir = filepath.Join(home, "agentrix")
	}
	return Config{
		Workdir:              workdir,
		SessionMode:          ModeAuto,
		TmuxPrefix:           "tw-",
		IdleThresholdSeconds: 90,
		KillDelaySeconds:     2,
		ListenAddr:           "127.0.0.1:8700",
		PlanKeepPerBranch:    20,
		Codex:                CodexConfig{Command: "codex"},
	}
}

// DefaultPath resolves the config file path under the user's home
// directory, falling back to the temp directory when home cannot be
// resolved.
func DefaultPath() string {
	home, err := userHomeDirFn()
	if err != nil {
		slog.Warn("[config] using temp dir as config path fallback", "error", err)
		home = os.TempDir()
	}
	return filepath.Join(home, ".agentrix", "config.yaml")
}

// Load reads the config file. A missing file returns defaults; a file that
// fails to parse returns defaults together with the parse error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[config] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	applyDefaultsAndValidate(&cfg)
	return cfg, nil
}

// EnsureFile writes the default config if missing and returns the loaded
// config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save normalises cfg and atomically writes it to path. Returns the config
// that was actually written.
func Save(path string, cfg Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}
	applyDefaultsAndValidate(&cfg)

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[config] config saved", "path", path)
	return cfg, nil
}

// applyDefaultsAndValidate fills missing defaults and clamps out-of-range
// values in place. Field-level fallbacks are non-fatal so a damaged config
// never prevents startup.
func applyDefaultsAndValidate(cfg *Config) {
	defaults := DefaultConfig()

	if strings.TrimSpace(cfg.Workdir) == "" {
		cfg.Workdir = defaults.Workdir
	}
	cfg.Workdir = filepath.Clean(cfg.Workdir)

	switch cfg.SessionMode {
	case ModeAuto, ModeTmux, ModePty:
	case "":
		cfg.SessionMode = defaults.SessionMode
	default:
		slog.Warn("[config] unknown session_mode, falling back to auto", "configured", cfg.SessionMode)
		cfg.SessionMode = ModeAuto
	}

	cfg.TmuxPrefix = strings.TrimSpace(cfg.TmuxPrefix)
	if cfg.TmuxPrefix == "" {
		cfg.TmuxPrefix = defaults.TmuxPrefix
	}

	if cfg.IdleThresholdSeconds <= 0 {
		cfg.IdleThresholdSeconds = defaults.IdleThresholdSeconds
	}
	if cfg.KillDelaySeconds < 0 {
		slog.Warn("[config] negative kill_delay_seconds, falling back to default",
			"configured", cfg.KillDelaySeconds)
		cfg.KillDelaySeconds = defaults.KillDelaySeconds
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.PlanKeepPerBranch <= 0 {
		cfg.PlanKeepPerBranch = defaults.PlanKeepPerBranch
	}
	if strings.TrimSpace(cfg.Codex.Command) == "" {
		cfg.Codex.Command = defaults.Codex.Command
	}
}

// atomicWrite writes data using temp-file + rename, retrying the rename on
// Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[config] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[config] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := 0; attempt < maxRenameRetry; attempt++ {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}
