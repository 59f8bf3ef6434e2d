package client

import (
	"agentdesk/internal/approval"
	"agentdesk/internal/config"
	"agentdesk/internal/session"
	"agentdesk/internal/storage"
	"agentdesk/internal/workspace"
)

// Option configures a Client.
type Option func(*Client)

// WithSessionOptions passes options to the underlying session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Client) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithJournal records every finished run in db.
func WithJournal(db *storage.DB) Option {
	return func(c *Client) {
		c.journal = db
	}
}

// WithSink adds a notification sink. Sinks are called in order.
func WithSink(s workspace.Sink) Option {
	return func(c *Client) {
		c.sinks = append(c.sinks, s)
	}
}

// WithDocuments sets the document store used for conflict checks.
func WithDocuments(docs approval.DocumentStore) Option {
	return func(c *Client) {
		c.docs = docs
	}
}

// WithFiles sets the project file provider used to open approval targets.
func WithFiles(files *workspace.Files) Option {
	return func(c *Client) {
		c.files = files
	}
}

// WithAuditLogger records approval requests and decisions.
func WithAuditLogger(l approval.AuditLogger) Option {
	return func(c *Client) {
		c.audit = l
	}
}

// SessionConfig maps the application config onto the session config.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Host:                 cfg.Agent.Host,
		Port:                 cfg.Agent.Port,
		HealthPath:           cfg.Agent.HealthPath,
		WSPath:               cfg.Agent.WSPath,
		ProbeInterval:        cfg.Connection.ProbeInterval,
		ProbeTimeout:         cfg.Connection.ProbeTimeout,
		ProbeRetries:         cfg.Connection.ProbeRetries,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.Connection.ReconnectMaxAttempts,
		VersionConstraint:    cfg.Agent.VersionConstraint,
	}
}
