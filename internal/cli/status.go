package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentdesk/internal/client"
	"agentdesk/internal/session"
	"agentdesk/internal/storage"
)

// checkResult is the outcome of one status check.
type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the agent and the local journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return errors.New("configuration not loaded")
	}

	results := []checkResult{
		checkAgent(cmd.Context(), client.SessionConfig(cliCtx.Config)),
	}
	journal, err := cliCtx.GetJournal()
	results = append(results, checkJournal(journal, err)...)

	out := cmd.OutOrStdout()
	if jsonOutput {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		t := newTheme()
		for _, r := range results {
			mark := t.ok.Render("ok  ")
			if !r.OK {
				mark = t.err.Render("FAIL")
			}
			fmt.Fprintf(out, "%s %-10s %s\n", mark, r.Name, r.Message)
		}
	}

	for _, r := range results {
		if !r.OK {
			return fmt.Errorf("%s check failed", r.Name)
		}
	}
	return nil
}

func checkAgent(ctx context.Context, cfg session.Config) checkResult {
	cfg.ProbeRetries = 1
	prober, err := session.NewHTTPProber(cfg)
	if err != nil {
		return checkResult{Name: "agent", Message: err.Error()}
	}
	health, err := prober.Probe(ctx)
	if err != nil {
		return checkResult{Name: "agent", Message: fmt.Sprintf("%s: %v", cfg.HealthURL(), err)}
	}
	return checkResult{
		Name:    "agent",
		OK:      true,
		Message: fmt.Sprintf("%s at %s", versionOrUnknown(health.Version), cfg.WebSocketURL()),
	}
}

func checkJournal(db *storage.DB, openErr error) []checkResult {
	if openErr != nil {
		return []checkResult{{Name: "journal", Message: openErr.Error()}}
	}
	results := []checkResult{{Name: "journal", OK: true, Message: db.Path()}, checkSchema(db)}

	runs, err := db.RecentRuns(1)
	switch {
	case err != nil:
		results = append(results, checkResult{Name: "last run", Message: err.Error()})
	case len(runs) == 0:
		results = append(results, checkResult{Name: "last run", OK: true, Message: "none yet"})
	default:
		r := runs[0]
		results = append(results, checkResult{
			Name:    "last run",
			OK:      true,
			Message: fmt.Sprintf("%s %s %s ago", r.ID, r.Status, time.Since(r.EndedAt).Round(time.Second)),
		})
	}
	return results
}

func checkSchema(db *storage.DB) checkResult {
	st, err := db.Schema()
	if err != nil {
		return checkResult{Name: "schema", Message: err.Error()}
	}
	if st.UpToDate() {
		return checkResult{Name: "schema", OK: true, Message: fmt.Sprintf("v%d, up to date", st.Current)}
	}
	names := make([]string, len(st.Pending))
	for i, s := range st.Pending {
		names[i] = s.Name
	}
	return checkResult{
		Name:    "schema",
		Message: fmt.Sprintf("v%d of v%d, pending: %s", st.Current, st.Latest, strings.Join(names, ", ")),
	}
}

func versionOrUnknown(v string) string {
	if v == "" {
		return "unknown version"
	}
	return "version " + v
}
