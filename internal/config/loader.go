package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// MNEMO_MEMORY_EMBEDDING_API_KEY.
	EnvPrefix = "MNEMO"

	defaultDirName  = ".mnemo"
	defaultFileName = "mnemo.json"
)

// AutomaticEnv only resolves keys viper already knows, so settings that are
// usually injected by the environment are bound up front.
var envKeys = []string{
	"data_dir",
	"memory.workspace_root",
	"memory.db_path",
	"memory.embedding_api_key",
	"memory.embedding_base_url",
	"memory.embedding_model",
	"consolidation.provider",
	"consolidation.model",
	"consolidation.api_key",
	"consolidation.base_url",
	"conversation.db_path",
	"logging.level",
	"observability.metrics_addr",
}

// Loader reads and writes one JSON config file.
type Loader struct {
	configPath string
}

// NewLoader returns a loader for configPath; empty means ~/.mnemo/mnemo.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// GetConfigPath resolves the file this loader reads and writes, or "" when
// no home directory is available.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFileName)
}

// Load layers defaults, the config file (when present) and MNEMO_*
// environment variables, then fills in derived paths.
func (l *Loader) Load() (*Config, error) {
	path := l.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	switch _, err := os.Stat(path); {
	case err == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillPaths derives every unset location from the data directory.
func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, defaultDirName)
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "mnemo.log")
	}
	if c.Memory.WorkspaceRoot == "" {
		c.Memory.WorkspaceRoot = c.WorkspacePath()
	}
	return nil
}

// Save writes cfg as JSON. The file holds API keys, so it is created 0600.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if path == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(path)
	v.SetConfigPermissions(0600)
	for key, section := range map[string]interface{}{
		"data_dir":      cfg.DataDir,
		"memory":        cfg.Memory,
		"conversation":  cfg.Conversation,
		"consolidation": cfg.Consolidation,
		"logging":       cfg.Logging,
		"observability": cfg.Observability,
	} {
		v.Set(key, section)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	return v
}

// Load reads the config at configPath; see Loader.Load.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
