package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentdesk/internal/mockagent"
)

// NewMockAgentCmd creates the mock-agent command.
func NewMockAgentCmd() *cobra.Command {
	var (
		host    string
		port    int
		version string
		echo    bool
	)

	cmd := &cobra.Command{
		Use:   "mock-agent",
		Short: "Serve a scripted agent for local testing",
		Long: `Serve a scripted agent speaking the session protocol. Each request
streams a short run with one patch approval, or echoes the prompt with --echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			script := mockagent.DefaultScript()
			if echo {
				script = mockagent.EchoScript()
			}
			srv := mockagent.New(mockagent.WithVersion(version), mockagent.WithScript(script))

			addr, err := srv.Listen(fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mock agent %s listening on %s\n", version, addr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
			return srv.Close()
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 8765, "listen port")
	cmd.Flags().StringVar(&version, "version", mockagent.DefaultVersion, "version reported by /health")
	cmd.Flags().BoolVar(&echo, "echo", false, "echo prompts instead of the default script")

	return cmd
}
