// Package internal implements the terminal user interface for tapeback: the
// Bubble Tea model that drives the session state machine, the lipgloss view
// layer, and the persistent user configuration.
//
// The configuration module persists the operator's choices between sessions:
//   - The backup directory list (so a nightly append doesn't start with
//     re-entering every path)
//   - The restore destination directory
//   - The tape capacity safety limit
//   - The gzip preference for raw tar archives
package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the persistent user configuration, stored as JSON under
// ~/.config/tapeback/.
type Config struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`

	BackupDirs      []string `json:"backup_dirs"`       // source directories for backup jobs
	RestoreDir      string   `json:"restore_dir"`       // destination for restore jobs
	CapacityLimitGB int64    `json:"capacity_limit_gb"` // backup size safety limit; 0 disables
	Gzip            bool     `json:"gzip"`              // compress raw tar archives
}

// configVersion is bumped when the on-disk format changes shape.
const configVersion = "1.0"

// defaultCapacityLimitGB matches an LTO-9 tape's native capacity.
const defaultCapacityLimitGB = 18000

// DefaultConfig returns the configuration used on first run.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version:         configVersion,
		LastUpdated:     time.Now(),
		RestoreDir:      filepath.Join(home, "tape-restore"),
		CapacityLimitGB: defaultCapacityLimitGB,
	}
}

// CapacityLimitBytes converts the configured limit to bytes.
func (c *Config) CapacityLimitBytes() int64 {
	return c.CapacityLimitGB * 1_000_000_000
}

// getConfigDir returns the configuration directory, creating it if needed.
// Uses the XDG convention: ~/.config/tapeback/
func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %v", err)
	}
	dir := filepath.Join(home, ".config", "tapeback")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %v", err)
	}
	return dir, nil
}

func getConfigPath() (string, error) {
	dir, err := getConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadConfig reads the saved configuration, returning defaults when no
// config file exists yet.
func LoadConfig() (*Config, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %v", err)
	}
	if cfg.CapacityLimitGB < 0 {
		cfg.CapacityLimitGB = defaultCapacityLimitGB
	}
	return &cfg, nil
}

// SaveConfig persists the configuration atomically (temp file + rename), so
// a crash mid-write never leaves a truncated config behind.
func SaveConfig(cfg *Config) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}
	cfg.Version = configVersion
	cfg.LastUpdated = time.Now()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config file: %v", err)
	}
	return nil
}

// getLogFilePath returns the session log file location under the config dir.
func getLogFilePath() (string, error) {
	dir, err := getConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.log"), nil
}

// AppendSessionLog appends one timestamped line to the session log file.
// Best-effort: file logging must never interfere with a running tape job.
func AppendSessionLog(line string) {
	path, err := getLogFilePath()
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), line)
}

// WriteSessionHeader marks the start of a run in the session log.
func WriteSessionHeader() {
	AppendSessionLog("==== " + GetFullVersionString() + " session started ====")
}
