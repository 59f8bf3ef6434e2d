package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agentdesk/internal/approval"
	"agentdesk/internal/client"
	"agentdesk/internal/protocol"
	"agentdesk/internal/run"
	"agentdesk/internal/workspace"
)

// RunOptions are the run command flags.
type RunOptions struct {
	Mode          string
	MaxIterations int
	ProjectRoot   string
	Conversation  string
	AutoApprove   bool
	AutoDeny      bool
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Send a request to the agent and follow the run",
		Long: `Send a request to the agent, stream its output and answer its
approval requests. Without a prompt argument the prompt is read from stdin.
Interrupting the command cancels the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "", "agent, ask or plan (default from config)")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration limit (default from config)")
	cmd.Flags().StringVarP(&opts.ProjectRoot, "project-root", "p", "", "project directory (default from config)")
	cmd.Flags().StringVar(&opts.Conversation, "conversation", "", "continue this conversation id")
	cmd.Flags().BoolVar(&opts.AutoApprove, "auto-approve", false, "approve every request without asking")
	cmd.Flags().BoolVar(&opts.AutoDeny, "auto-deny", false, "deny every request without asking")

	return cmd
}

func runRun(cmd *cobra.Command, args []string, opts *RunOptions) error {
	if opts.AutoApprove && opts.AutoDeny {
		return errors.New("--auto-approve and --auto-deny are exclusive")
	}
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return errors.New("configuration not loaded")
	}
	cfg := cliCtx.Config
	log := cliCtx.Log()

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && !interactive() {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("no prompt given")
	}

	root := opts.ProjectRoot
	if root == "" {
		root = cfg.Run.ProjectRoot
	}
	if root == "" {
		root = "."
	}
	files, err := workspace.NewFiles(root, true)
	if err != nil {
		return fmt.Errorf("open project: %w", err)
	}
	docs, err := workspace.NewDocuments(files)
	if err != nil {
		return fmt.Errorf("watch project: %w", err)
	}
	defer docs.Close()

	notices := workspace.NewChanSink(32)
	defer notices.Close()

	clientOpts := []client.Option{
		client.WithFiles(files),
		client.WithDocuments(docs),
		client.WithSink(notices),
	}
	if journal, err := cliCtx.GetJournal(); err != nil {
		log.Warn().Err(err).Msg("run journal unavailable")
	} else {
		clientOpts = append(clientOpts, client.WithJournal(journal))
	}
	if audit, err := cliCtx.GetAuditLogger(); err != nil {
		log.Warn().Err(err).Msg("approval audit log unavailable")
	} else if audit != nil {
		clientOpts = append(clientOpts, client.WithAuditLogger(audit))
	}

	c, err := client.New(cfg, clientOpts...)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := approval.NewRules(cfg.Approval.Rules)
	if err != nil {
		return err
	}

	r := newRunRenderer(cmd.OutOrStdout())
	if _, err := c.SendRequest(ctx, client.Request{
		Prompt:         prompt,
		Mode:           protocol.Mode(opts.Mode),
		MaxIterations:  opts.MaxIterations,
		ProjectRoot:    files.Root(),
		ConversationID: opts.Conversation,
	}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	d := &decider{
		client:  c,
		opts:    opts,
		rules:   rules,
		r:       r,
		in:      bufio.NewReader(cmd.InOrStdin()),
		handled: map[string]bool{},
	}
	for {
		select {
		case <-ctx.Done():
			if err := c.Cancel(); err != nil && !errors.Is(err, client.ErrNoActiveRun) {
				log.Warn().Err(err).Msg("cancel")
			}
			r.line(r.theme.warn.Render("Run cancelled."))
			return context.Canceled

		case n := <-notices.C():
			r.notice(n)

		case u, ok := <-updates:
			if !ok {
				return errors.New("client shut down")
			}
			r.render(u.State)
			if s := u.State.Surfaced; s != nil && !d.handled[s.ID] {
				if err := d.decide(s); err != nil {
					return err
				}
			}
			if u.Kind == client.UpdateRunEnd {
				return r.finish(u.State)
			}
		}
	}
}

// decider answers approval requests.
type decider struct {
	client  *client.Client
	opts    *RunOptions
	rules   *approval.Rules
	r       *runRenderer
	in      *bufio.Reader
	handled map[string]bool
}

func (d *decider) decide(a *approval.PendingApproval) error {
	d.handled[a.ID] = true
	d.r.approval(d.client, a)

	switch action, rule := d.rules.Evaluate(a); action {
	case approval.ActionApprove:
		d.r.line(d.r.theme.muted.Render("approved by rule"))
		return d.client.Approve(a.ID)
	case approval.ActionDeny:
		feedback := rule.Message
		if feedback == "" {
			feedback = "denied by rule"
		}
		d.r.line(d.r.theme.muted.Render("denied by rule: " + feedback))
		return d.client.Deny(a.ID, feedback)
	}

	switch {
	case d.opts.AutoApprove:
		d.r.line(d.r.theme.muted.Render("auto-approved"))
		return d.client.Approve(a.ID)
	case d.opts.AutoDeny:
		d.r.line(d.r.theme.muted.Render("auto-denied"))
		return d.client.Deny(a.ID, "denied automatically")
	case !interactive():
		d.r.line(d.r.theme.warn.Render("no terminal to confirm on; denying"))
		return d.client.Deny(a.ID, "no interactive user available")
	}

	for {
		fmt.Fprint(d.r.out, "Approve? [y]es / [n]o / [f]eedback: ")
		answer, err := d.in.ReadString('\n')
		if err != nil && answer == "" {
			return fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return d.client.Approve(a.ID)
		case "n", "no", "":
			return d.client.Deny(a.ID, "")
		case "f", "feedback":
			fmt.Fprint(d.r.out, "Feedback: ")
			feedback, _ := d.in.ReadString('\n')
			return d.client.Deny(a.ID, strings.TrimSpace(feedback))
		}
	}
}

// runRenderer prints a run incrementally from state snapshots.
type runRenderer struct {
	out      io.Writer
	theme    theme
	streamed string
	tools    int
}

func newRunRenderer(out io.Writer) *runRenderer {
	return &runRenderer{out: out, theme: newTheme()}
}

func (r *runRenderer) line(s string) {
	fmt.Fprintln(r.out, s)
}

func (r *runRenderer) render(s client.State) {
	snap := s.Run
	for ; r.tools < len(snap.Tools); r.tools++ {
		r.breakLine()
		r.line(r.theme.tool.Render("  > " + snap.Tools[r.tools].Name))
	}
	if strings.HasPrefix(snap.Streaming, r.streamed) && len(snap.Streaming) > len(r.streamed) {
		fmt.Fprint(r.out, snap.Streaming[len(r.streamed):])
		r.streamed = snap.Streaming
	}
}

// breakLine ends a partially printed streaming line.
func (r *runRenderer) breakLine() {
	if r.streamed != "" && !strings.HasSuffix(r.streamed, "\n") {
		fmt.Fprintln(r.out)
		r.streamed += "\n"
	}
}

func (r *runRenderer) notice(n workspace.Notice) {
	r.breakLine()
	r.line(r.theme.level(n.Level).Render(fmt.Sprintf("[%s] %s", n.Source, n.Message)))
}

func (r *runRenderer) approval(c *client.Client, a *approval.PendingApproval) {
	r.breakLine()

	var b strings.Builder
	b.WriteString(r.theme.title.Render("Approval requested: " + string(a.Type)))
	b.WriteString("\n" + a.Description)

	switch {
	case a.Type.TouchesFile():
		if info, err := c.Conflict(a.ID); err == nil && info != nil {
			b.WriteString("\n" + r.theme.err.Render(fmt.Sprintf(
				"%s changed at %s, after this edit was proposed", info.FilePath, info.LastModified.Format("15:04:05"))))
		}
		if preview, err := c.Preview(a.ID); err == nil {
			b.WriteString("\n\n" + r.diff(preview))
		}
	case a.Type == protocol.ApprovalTerminal:
		if t, err := a.Terminal(); err == nil {
			b.WriteString("\n\n$ " + t.Command)
			if t.WorkingDirectory != "" {
				b.WriteString(r.theme.muted.Render("   (in " + t.WorkingDirectory + ")"))
			}
			if t.RiskLevel != "" {
				b.WriteString("\nrisk: " + string(t.RiskLevel))
			}
			if t.Explanation != "" {
				b.WriteString("\n" + r.theme.muted.Render(t.Explanation))
			}
		}
	}

	r.line(r.theme.approval.Render(b.String()))
}

func (r *runRenderer) diff(p *approval.PatchPreview) string {
	lines := strings.Split(strings.TrimRight(p.String(), "\n"), "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "+"):
			lines[i] = r.theme.added.Render(l)
		case strings.HasPrefix(l, "-"):
			lines[i] = r.theme.removed.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

func (r *runRenderer) finish(s client.State) error {
	snap := s.Run
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role != run.RoleAssistant || m.RunID != snap.LastRunID {
			continue
		}
		if m.Content != strings.TrimSuffix(r.streamed, "\n") && m.Content != r.streamed {
			r.breakLine()
			r.line(m.Content)
		}
		break
	}
	r.breakLine()
	r.line(r.theme.muted.Render("run "+snap.LastRunID+" ") + r.theme.status(snap.Run.Status))

	switch snap.Run.Status {
	case run.StatusError:
		return fmt.Errorf("run failed: %s", snap.LastError)
	case run.StatusCancelled:
		return errors.New("run cancelled by the agent")
	}
	return nil
}
