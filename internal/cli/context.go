package cli

import (
	"sync"

	"github.com/rs/zerolog"

	"agentdesk/internal/approval"
	"agentdesk/internal/config"
	"agentdesk/internal/storage"
	"agentdesk/pkg/logger"
)

// CLIContext carries configuration and lazily opened resources.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	journalOnce sync.Once
	journal     *storage.DB
	journalErr  error

	auditOnce sync.Once
	audit     *approval.FileLogger
	auditErr  error
}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// GetJournal opens the run journal on first use.
func (c *CLIContext) GetJournal() (*storage.DB, error) {
	c.journalOnce.Do(func() {
		path := c.Config.Storage.Path
		if path == "" {
			path, c.journalErr = config.DefaultJournalPath()
			if c.journalErr != nil {
				return
			}
		}
		if path, c.journalErr = config.ExpandPath(path); c.journalErr != nil {
			return
		}
		c.journal, c.journalErr = storage.Open(path)
	})
	return c.journal, c.journalErr
}

// GetAuditLogger opens the approval audit log on first use. It returns nil
// when auditing is disabled.
func (c *CLIContext) GetAuditLogger() (*approval.FileLogger, error) {
	c.auditOnce.Do(func() {
		if c.Config.Approval.AuditLog == "" {
			return
		}
		path, err := config.ExpandPath(c.Config.Approval.AuditLog)
		if err != nil {
			c.auditErr = err
			return
		}
		c.audit, c.auditErr = approval.NewFileLogger(path)
	})
	return c.audit, c.auditErr
}

// Close releases opened resources.
func (c *CLIContext) Close() error {
	var err error
	if c.audit != nil {
		err = c.audit.Close()
	}
	if c.journal != nil {
		if cerr := c.journal.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// Log returns the logger.
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
