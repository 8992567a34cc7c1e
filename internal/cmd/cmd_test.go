package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrun/aegis/internal/approval"
	"github.com/aegisrun/aegis/internal/audit"
	"github.com/aegisrun/aegis/internal/vault"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"run",
		"audit",
		"approvals",
		"secrets",
		"policy",
		"plan",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "trust boundary")
	assert.Contains(t, output, "version")
	assert.Contains(t, output, "run")
	assert.Contains(t, output, "audit")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"title=My Video", "tag=v1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "My Video", "tag": "v1"}, vars)

	vars, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, vars)

	_, err = parseVars([]string{"no-equals"})
	assert.Error(t, err)

	_, err = parseVars([]string{"=value"})
	assert.Error(t, err)
}

func TestRenderAuditList(t *testing.T) {
	buf := new(bytes.Buffer)
	renderAuditList(buf, []audit.Entry{
		{
			ID:             "aud_abc",
			Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			ToolID:         "video.publish",
			PolicyDecision: audit.DecisionAllow,
			Outcome:        audit.OutcomeSuccess,
		},
		{
			ID:             "aud_def",
			Timestamp:      time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
			ToolID:         "repo.clone",
			PolicyDecision: audit.DecisionDeny,
			Outcome:        audit.OutcomeBlocked,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "showing 2")
	assert.Contains(t, out, "video.publish")
	assert.Contains(t, out, "✓")
	assert.Contains(t, out, "✗")
}

func TestRenderApprovalsList(t *testing.T) {
	buf := new(bytes.Buffer)
	renderApprovalsList(buf, []approval.Record{
		{ID: "apr_123", Status: approval.StatusPending, Scope: "video.publish",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	assert.Contains(t, out, "apr_123")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "video.publish")
}

func TestRenderSecretsList(t *testing.T) {
	buf := new(bytes.Buffer)
	renderSecretsList(buf, []vault.SecretMetadata{
		{Name: "github-token", UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	assert.Contains(t, out, "github-token")
	assert.NotContains(t, out, "value")
}
