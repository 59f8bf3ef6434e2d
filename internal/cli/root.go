// Package cli implements the agentdesk command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"agentdesk/internal/config"
	"agentdesk/pkg/logger"
)

// GlobalFlags are the flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// skipInit lists commands that run without configuration.
var skipInit = map[string]bool{
	"version": true,
	"help":    true,
	"init":    true,
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentdesk",
		Short: "agentdesk - desktop client for a local coding agent",
		Long: `agentdesk talks to a locally running agent process over its
WebSocket protocol: it sends requests, streams the agent's work,
asks you to approve edits and commands, and keeps a journal of runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipInit[cmd.Name()] {
				return nil
			}

			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}
			logFile, err := config.ExpandPath(cfg.Log.File)
			if err != nil {
				return err
			}
			if err := logger.Init(logger.LogConfig{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   logFile,
			}); err != nil {
				return err
			}

			cliCtx := NewCLIContext(cfg, configPath, logger.Get(), globalFlags.Verbose, globalFlags.Quiet)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewHistoryCmd())
	rootCmd.AddCommand(NewMockAgentCmd())

	return rootCmd
}

// GetCLIContext returns the context set up by the root command.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, ok := ctx.Value(contextKey{}).(*CLIContext)
	if !ok {
		return nil
	}
	return cliCtx
}
