// Package config loads agentdesk settings from defaults, the config file and
// AGENTDESK_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agentdesk/internal/approval"
)

// Config is the root of the application configuration.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Run        RunConfig        `mapstructure:"run" yaml:"run"`
	Approval   ApprovalConfig   `mapstructure:"approval" yaml:"approval"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// AgentConfig locates the external agent process.
type AgentConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	HealthPath string `mapstructure:"health_path" yaml:"health_path"`
	WSPath     string `mapstructure:"ws_path" yaml:"ws_path"`

	// VersionConstraint is a semver constraint the agent's reported version
	// must satisfy. Empty accepts any version.
	VersionConstraint string `mapstructure:"version_constraint" yaml:"version_constraint"`
}

// ConnectionConfig tunes probing, handshake, heartbeat and reconnection.
type ConnectionConfig struct {
	ProbeInterval        time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeRetries         int           `mapstructure:"probe_retries" yaml:"probe_retries"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
}

// RunConfig holds agent request defaults.
type RunConfig struct {
	Mode          string `mapstructure:"mode" yaml:"mode"`
	MaxIterations int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	ProjectRoot   string `mapstructure:"project_root" yaml:"project_root"`
}

// ApprovalConfig configures approval auditing and automatic decisions.
type ApprovalConfig struct {
	// AuditLog is a JSON lines file. Empty disables auditing.
	AuditLog string `mapstructure:"audit_log" yaml:"audit_log"`

	// Rules decide matching approvals without asking. First match wins.
	Rules []approval.Rule `mapstructure:"rules" yaml:"rules,omitempty"`
}

// StorageConfig locates the run journal.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		errs = append(errs, fmt.Errorf("agent.port %d out of range", c.Agent.Port))
	}
	if !strings.HasPrefix(c.Agent.HealthPath, "/") {
		errs = append(errs, errors.New("agent.health_path must start with /"))
	}
	if !strings.HasPrefix(c.Agent.WSPath, "/") {
		errs = append(errs, errors.New("agent.ws_path must start with /"))
	}
	switch c.Run.Mode {
	case "agent", "ask", "plan":
	default:
		errs = append(errs, fmt.Errorf("run.mode %q must be agent, ask or plan", c.Run.Mode))
	}
	if c.Run.MaxIterations <= 0 {
		errs = append(errs, errors.New("run.max_iterations must be positive"))
	}
	if c.Connection.ProbeRetries <= 0 {
		errs = append(errs, errors.New("connection.probe_retries must be positive"))
	}
	if c.Connection.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("connection.reconnect_max_attempts cannot be negative"))
	}
	if _, err := approval.NewRules(c.Approval.Rules); err != nil {
		errs = append(errs, fmt.Errorf("approval.rules: %w", err))
	}
	return errors.Join(errs...)
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration from path (optional), then environment
// variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("AGENTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get returns a raw viper value, or nil for an unknown key.
func Get(key string) any {
	return viper.Get(key)
}

// GetString returns a raw viper value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns a raw viper value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// Set updates a key and persists it when a config file is in use.
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	if configPath != "" {
		return save()
	}
	return nil
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes cfg to path as YAML.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears loaded state. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
