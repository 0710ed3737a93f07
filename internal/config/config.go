// Package config loads the runtime configuration with viper. Precedence:
// environment (DOMINDS_*) > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dominds/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	Workdir string        `mapstructure:"workdir" yaml:"workdir"`
	Team    string        `mapstructure:"team" yaml:"team"`
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Log     logger.Config `mapstructure:"log" yaml:"log"`
	Audit   AuditConfig   `mapstructure:"audit" yaml:"audit"`
}

// GatewayConfig configures the HTTP/WebSocket front.
type GatewayConfig struct {
	Port      int    `mapstructure:"port" yaml:"port"`
	Host      string `mapstructure:"host" yaml:"host"`
	Mode      string `mapstructure:"mode" yaml:"mode"` // dev | prod
	AuthKey   string `mapstructure:"auth_key" yaml:"auth_key"`
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
}

// AuditConfig configures the sqlite audit index.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"` // default <workdir>/audit.db
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// SetDefaults registers every key's default value.
func SetDefaults() {
	viper.SetDefault("workdir", ".")
	viper.SetDefault("team", "team.yaml")

	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.mode", "dev")
	viper.SetDefault("gateway.static_dir", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.path", "")
}

// Load reads the configuration. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("DOMINDS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded

		viper.SetConfigFile(expanded)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// AuthKeySet reports whether the auth key was set at all, distinguishing an
// unset key (prod generates one) from an explicitly empty key (auth off).
func AuthKeySet() bool {
	if _, ok := os.LookupEnv("DOMINDS_GATEWAY_AUTH_KEY"); ok {
		return true
	}
	return viper.InConfig("gateway.auth_key")
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// SaveTo writes cfg as yaml, atomically via tmp+rename.
func SaveTo(cfg *Config, path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := expanded + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, expanded)
}

// Reset clears the loaded state, for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	viper.Reset()
	globalConfig = nil
	configPath = ""
}

// ExpandPath expands a ~ prefix to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// AuditPath resolves the audit database location under the workdir.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.Workdir, "audit.db")
}

// TeamPath resolves the team file relative to the workdir.
func (c *Config) TeamPath() string {
	if filepath.IsAbs(c.Team) {
		return c.Team
	}
	return filepath.Join(c.Workdir, c.Team)
}
