package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentdesk/internal/config"
	"agentdesk/internal/storage"
)

// InitOptions are the init command flags.
type InitOptions struct {
	Force bool
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize agentdesk configuration",
		Long:  "Create the agentdesk directory, a default config file and the run journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit writes the default configuration and creates the journal.
func RunInit(cmd *cobra.Command, opts *InitOptions) error {
	configPath := globalFlags.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("get config path: %w", err)
		}
	}

	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.Default()
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	journalPath, err := config.ExpandPath(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("get journal path: %w", err)
	}
	db, err := storage.Open(journalPath)
	if err != nil {
		return fmt.Errorf("initialize journal: %w", err)
	}
	db.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized agentdesk at %s\n", filepath.Dir(configPath))
	fmt.Fprintf(out, "  Config:  %s\n", configPath)
	fmt.Fprintf(out, "  Journal: %s\n", journalPath)
	return nil
}
