package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult records what a config migration did.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// migrations[v] upgrades a config from schema version v to v+1.
var migrations = map[int]func(*Config) (changes, warnings []string){
	1: migrateV1ToV2,
	2: migrateV2ToV3,
}

// MigrateConfig brings an older config up to the current schema
// version, backing up the file first. It returns nil when the config
// is already current.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if configPath != "" {
		if backup, err := backupConfig(configPath); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not back up config: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		step := migrations[cfg.Version]
		if step == nil {
			return result, fmt.Errorf("no upgrade path from config version %d", cfg.Version)
		}
		changes, warnings := step(cfg)
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
		cfg.Version++
	}

	return result, nil
}

// V2 added the SQLite change journal and the IPC control socket.
func migrateV1ToV2(cfg *Config) (changes, warnings []string) {
	if cfg.History.Path == "" {
		cfg.History.Enabled = true
		cfg.History.Path = filepath.Join(AnnotdDir(), "history.db")
		cfg.History.MaxConnections = 4
		cfg.History.BusyTimeoutMs = 5000
		cfg.History.RetentionDays = 365
		changes = append(changes, "enabled annotation history journal")
	}

	if cfg.IPC.SocketPath == "" {
		cfg.IPC.Enabled = true
		cfg.IPC.SocketPath = defaultSocketPath()
		cfg.IPC.Permissions = "0600"
		cfg.IPC.MaxConnections = 16
		cfg.IPC.TimeoutSec = 30
		changes = append(changes, "added IPC configuration")
	}

	return changes, warnings
}

// V3 added snippet extraction and desktop notification settings.
func migrateV2ToV3(cfg *Config) (changes, warnings []string) {
	if cfg.Snippet.MaxEdge == 0 {
		cfg.Snippet.MaxEdge = 1024
		cfg.Snippet.Format = "png"
		changes = append(changes, "added snippet configuration")
	}

	if len(cfg.Notify.Events) == 0 {
		cfg.Notify.Events = []string{"annotation.created", "annotation.updated", "annotation.deleted"}
		cfg.Notify.TimeoutMs = 5000
		changes = append(changes, "added notification configuration")
	}

	if cfg.Editor.DefaultTool == "" {
		cfg.Editor.DefaultTool = "rect"
		changes = append(changes, "set default drawing tool")
	}

	return changes, warnings
}

// backupConfig copies the config file aside before a migration
// rewrites it. A missing file needs no backup.
func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	backup := fmt.Sprintf("%s.backup-%s", path, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}

// SaveConfig writes cfg to path in the format its extension names,
// defaulting to TOML. Parent directories are created as needed.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# annotd configuration (schema version %d)\n\n", Version)
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func migrationHistoryPath() string {
	return filepath.Join(AnnotdDir(), "migration_history.json")
}

// GetMigrationHistory returns the recorded migrations, oldest first.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends result to the migration history file.
// A history that fails to parse is started over rather than lost to
// an error.
func SaveMigrationHistory(result *MigrationResult) error {
	history, _ := GetMigrationHistory()
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
