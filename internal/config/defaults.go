package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("agent.host", "127.0.0.1")
	viper.SetDefault("agent.port", 8765)
	viper.SetDefault("agent.health_path", "/health")
	viper.SetDefault("agent.ws_path", "/ws")
	viper.SetDefault("agent.version_constraint", "")

	viper.SetDefault("connection.probe_interval", 500*time.Millisecond)
	viper.SetDefault("connection.probe_timeout", 2*time.Second)
	viper.SetDefault("connection.probe_retries", 10)
	viper.SetDefault("connection.connect_timeout", 15*time.Second)
	viper.SetDefault("connection.heartbeat_interval", 30*time.Second)
	viper.SetDefault("connection.reconnect_base_delay", time.Second)
	viper.SetDefault("connection.reconnect_max_attempts", 5)

	viper.SetDefault("run.mode", "agent")
	viper.SetDefault("run.max_iterations", 25)
	viper.SetDefault("run.project_root", ".")

	viper.SetDefault("approval.audit_log", "~/.agentdesk/approvals.jsonl")

	viper.SetDefault("storage.path", "~/.agentdesk/journal.db")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Host:       "127.0.0.1",
			Port:       8765,
			HealthPath: "/health",
			WSPath:     "/ws",
		},
		Connection: ConnectionConfig{
			ProbeInterval:        500 * time.Millisecond,
			ProbeTimeout:         2 * time.Second,
			ProbeRetries:         10,
			ConnectTimeout:       15 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxAttempts: 5,
		},
		Run: RunConfig{
			Mode:          "agent",
			MaxIterations: 25,
			ProjectRoot:   ".",
		},
		Approval: ApprovalConfig{AuditLog: "~/.agentdesk/approvals.jsonl"},
		Storage:  StorageConfig{Path: "~/.agentdesk/journal.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}
