package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentdesk/internal/run"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errors.New("configuration not loaded")
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			db, err := cliCtx.GetJournal()
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			runs, err := db.RecentRuns(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				data, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded yet.")
				return nil
			}

			t := newTheme()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tMODE\tAPPROVALS\tDURATION\tENDED\tPROMPT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.ID,
					t.status(run.Status(r.Status)),
					r.Mode,
					r.Approvals,
					r.Duration().Round(time.Millisecond),
					r.EndedAt.Local().Format("2006-01-02 15:04"),
					truncate(r.Prompt, 48),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
