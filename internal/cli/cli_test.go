package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/approval"
	"agentdesk/internal/config"
	"agentdesk/internal/mockagent"
	"agentdesk/internal/protocol"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig points a config file at a mock agent and returns its path.
func writeConfig(t *testing.T, script mockagent.Script, edits ...func(*config.Config)) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	agent := mockagent.New(mockagent.WithScript(script))
	ts := httptest.NewServer(agent.Handler())
	t.Cleanup(func() {
		_ = agent.Close()
		ts.Close()
	})
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Agent.Host = host
	cfg.Agent.Port = port
	cfg.Connection.ProbeInterval = 10 * time.Millisecond
	cfg.Connection.ProbeRetries = 3
	cfg.Run.ProjectRoot = t.TempDir()
	cfg.Storage.Path = filepath.Join(home, "journal.db")
	cfg.Log.Level = "error"
	for _, edit := range edits {
		edit(cfg)
	}

	path := filepath.Join(home, "config.yaml")
	require.NoError(t, config.SaveTo(cfg, path))
	return path
}

func TestInitCreatesConfigAndJournal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized agentdesk")

	configPath, err := config.DefaultConfigPath()
	require.NoError(t, err)
	assert.FileExists(t, configPath)
	assert.FileExists(t, filepath.Join(home, ".agentdesk", "journal.db"))

	_, err = execute(t, "init")
	assert.Error(t, err, "init refuses to overwrite without --force")
	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}

func TestStatusReportsAgent(t *testing.T) {
	path := writeConfig(t, mockagent.EchoScript())

	out, err := execute(t, "--config", path, "status", "--json")
	require.NoError(t, err)

	var results []checkResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "agent", results[0].Name)
	assert.True(t, results[0].OK)
	assert.Contains(t, results[0].Message, mockagent.DefaultVersion)

	var schema *checkResult
	for i := range results {
		if results[i].Name == "schema" {
			schema = &results[i]
		}
	}
	require.NotNil(t, schema, "status should report the journal schema")
	assert.True(t, schema.OK)
	assert.Contains(t, schema.Message, "up to date")
}

func TestRunAutoApproveThenHistory(t *testing.T) {
	sc := mockagent.DefaultScript()
	sc.StepDelay = 0
	path := writeConfig(t, sc)

	out, err := execute(t, "--config", path, "run", "--auto-approve", "add usage docs")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Approval requested")
	assert.Contains(t, out, "auto-approved")
	assert.Contains(t, out, "Added a usage section to README.md.")
	assert.Contains(t, out, "completed")

	out, err = execute(t, "--config", path, "history", "--json")
	require.NoError(t, err)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0]["status"])
	assert.Equal(t, "add usage docs", runs[0]["prompt"])
}

func TestRunWithoutTerminalDenies(t *testing.T) {
	if interactive() {
		t.Skip("stdin is a terminal")
	}
	sc := mockagent.DefaultScript()
	sc.StepDelay = 0
	path := writeConfig(t, sc)

	out, err := execute(t, "--config", path, "run", "edit the readme")
	require.NoError(t, err, out)
	assert.Contains(t, out, "denying")
	assert.Contains(t, out, "Left README.md unchanged.")
}

func TestRunRuleDecidesApproval(t *testing.T) {
	sc := mockagent.DefaultScript()
	sc.StepDelay = 0
	path := writeConfig(t, sc, func(cfg *config.Config) {
		cfg.Approval.Rules = []approval.Rule{
			{Type: protocol.ApprovalPatch, Path: "*.md", Action: approval.ActionDeny, Message: "docs are frozen"},
		}
	})

	out, err := execute(t, "--config", path, "run", "--auto-approve", "edit the readme")
	require.NoError(t, err, out)
	assert.Contains(t, out, "denied by rule: docs are frozen")
	assert.NotContains(t, out, "auto-approved")
	assert.Contains(t, out, "Left README.md unchanged.")
}

func TestRunRejectsConflictingFlags(t *testing.T) {
	path := writeConfig(t, mockagent.EchoScript())
	_, err := execute(t, "--config", path, "run", "--auto-approve", "--auto-deny", "x")
	assert.Error(t, err)
}

func TestHistoryEmpty(t *testing.T) {
	path := writeConfig(t, mockagent.EchoScript())
	out, err := execute(t, "--config", path, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet.")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
