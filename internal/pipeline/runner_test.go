package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrun/aegis/internal/approval"
	"github.com/aegisrun/aegis/internal/audit"
	"github.com/aegisrun/aegis/internal/budget"
	"github.com/aegisrun/aegis/internal/policy"
	"github.com/aegisrun/aegis/internal/store"
)

type testEnv struct {
	db        *sql.DB
	registry  *Registry
	pack      *policy.Pack
	runner    *Runner
	approvals *approval.Chain
	auditLog  *audit.Chain
	budgets   *budget.Ledger
}

func newTestEnv(t *testing.T, pack *policy.Pack) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "governance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:        db,
		registry:  NewRegistry(),
		pack:      pack,
		approvals: approval.NewChain(db),
		auditLog:  audit.NewChain(db, ""),
		budgets:   budget.NewLedger(db),
	}
	env.runner = NewRunner(db, env.registry, pack, env.approvals, env.budgets, env.auditLog)
	return env
}

func okHandler(output interface{}) Handler {
	return func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		return output, nil
	}
}

func TestRunAllStepsSucceed(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})
	env.registry.Register("echo", okHandler("done"))

	res, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID:    "p1",
		Steps: []Step{{ToolID: "echo"}, {ToolID: "echo"}},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status)
	require.Len(t, res.Steps, 2)
	for _, s := range res.Steps {
		assert.Equal(t, OutcomeSuccess, s.Outcome)
		assert.Equal(t, "done", s.Output)
	}

	var status string
	var dryRun bool
	err = env.db.QueryRow(`SELECT status, dry_run FROM runs WHERE id = ?`, res.RunID).
		Scan(&status, &dryRun)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, status)
	assert.False(t, dryRun)
}

func TestFailingHandlerHaltsWithOneResult(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})
	env.registry.Register("boom", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		return nil, errors.New("handler exploded")
	})
	env.registry.Register("after", okHandler("never"))

	res, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID:    "p1",
		Steps: []Step{{ToolID: "boom"}, {ToolID: "after"}},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, res.Status)
	require.Len(t, res.Steps, 1, "the step after a failure must never run")
	assert.Equal(t, OutcomeFailure, res.Steps[0].Outcome)
	assert.Equal(t, audit.DecisionAllow, res.Steps[0].Decision)
	assert.Contains(t, res.Steps[0].Error, "handler exploded")
}

func TestMissingHandlerIsTheOnlyUnconditionalHalt(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})

	res, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID:    "p1",
		Steps: []Step{{ToolID: "ghost"}, {ToolID: "ghost"}},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Error, "no handler registered")

	// The fatal step writes no audit entry of its own.
	entries, err := env.auditLog.List(context.Background(), "ws1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBlockedStepDoesNotHalt(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})
	env.registry.Register("allowed", okHandler("ok"))
	env.registry.Register("forbidden", okHandler("ok"))

	res, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID: "p1",
		Steps: []Step{
			{ToolID: "forbidden", AllowedTools: []string{"something-else"}},
			{ToolID: "allowed"},
		},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status, "blocked never fails a run")
	require.Len(t, res.Steps, 2)
	assert.Equal(t, OutcomeBlocked, res.Steps[0].Outcome)
	assert.Equal(t, audit.DecisionDeny, res.Steps[0].Decision)
	assert.Equal(t, OutcomeSuccess, res.Steps[1].Outcome)
}

func TestApprovalGateBlocksAndCreatesPendingApproval(t *testing.T) {
	pack := &policy.Pack{
		Approvals: policy.ApprovalsConfig{
			Rules: []policy.ApprovalRule{
				{Match: policy.ApprovalMatch{ToolID: "video.publish"}, RequiresApproval: true},
			},
		},
	}
	env := newTestEnv(t, pack)
	env.registry.Register("video.publish", okHandler("published"))

	res, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID:    "p1",
		Steps: []Step{{ToolID: "video.publish"}},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, OutcomeBlocked, res.Steps[0].Outcome)
	assert.Equal(t, audit.DecisionApproveRequired, res.Steps[0].Decision)
	require.NotEmpty(t, res.Steps[0].ApprovalID)

	rec, err := env.approvals.Get(context.Background(), "ws1", res.Steps[0].ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, rec.Status)
	assert.Equal(t, "video.publish", rec.Scope)
}

func TestBudgetGateBlocksAndSuccessRecordsUsage(t *testing.T) {
	pack := &policy.Pack{
		Budgets: map[string]policy.BudgetSpec{
			"tool-calls": {Period: budget.PeriodDay, Cap: 10},
		},
	}
	env := newTestEnv(t, pack)
	ctx := context.Background()
	require.NoError(t, env.budgets.InitBudgets(ctx, "ws1", pack))
	env.registry.Register("t", okHandler("ok"))

	res, err := env.runner.Run(ctx, "ws1", Pipeline{
		ID: "p1",
		Steps: []Step{
			{ToolID: "t", CostCategory: "tool-calls", CostEstimate: 100},
			{ToolID: "t", CostCategory: "tool-calls", CostEstimate: 4},
		},
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, OutcomeBlocked, res.Steps[0].Outcome)
	assert.Contains(t, res.Steps[0].Error, "Budget exceeded")
	assert.Equal(t, OutcomeSuccess, res.Steps[1].Outcome)

	row, err := env.budgets.Get(ctx, "ws1", "tool-calls")
	require.NoError(t, err)
	assert.Equal(t, 4.0, row.Used)
}

func TestDryRunNeverInvokesHandlers(t *testing.T) {
	pack := &policy.Pack{
		Approvals: policy.ApprovalsConfig{
			Rules: []policy.ApprovalRule{
				{Match: policy.ApprovalMatch{ToolID: "gated"}, RequiresApproval: true},
			},
		},
	}
	env := newTestEnv(t, pack)
	ctx := context.Background()

	invoked := false
	env.registry.Register("gated", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		invoked = true
		return "real", nil
	})

	res, err := env.runner.Run(ctx, "ws1", Pipeline{
		ID: "p1",
		Steps: []Step{
			{ToolID: "gated"},       // registered, approval-gated live
			{ToolID: "unregistered"}, // no handler at all
		},
	}, nil, true)
	require.NoError(t, err)

	assert.False(t, invoked)
	assert.Equal(t, RunSucceeded, res.Status)
	require.Len(t, res.Steps, 2)
	for _, s := range res.Steps {
		assert.Equal(t, OutcomeSuccess, s.Outcome)
		assert.Equal(t, audit.DecisionDryRun, s.Decision)
		assert.True(t, s.DryRun)
	}

	// The approval gate is skipped in dry run: nothing pending.
	pending, err := env.approvals.List(ctx, "ws1", approval.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestVariableSubstitution(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})

	var got map[string]interface{}
	env.registry.Register("echo", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		got = input
		return nil, nil
	})

	_, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID: "p1",
		Steps: []Step{{
			ToolID: "echo",
			Input: map[string]interface{}{
				"title":  "Upload: {{title}}",
				"nested": map[string]interface{}{"tag": "{{tag}}"},
				"list":   []interface{}{"{{tag}}", 42},
				"keep":   "{{unknown}}",
			},
		}},
	}, map[string]string{"title": "demo", "tag": "v1"}, false)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "Upload: demo", got["title"])
	assert.Equal(t, "v1", got["nested"].(map[string]interface{})["tag"])
	assert.Equal(t, "v1", got["list"].([]interface{})[0])
	assert.Equal(t, 42, got["list"].([]interface{})[1])
	assert.Equal(t, "{{unknown}}", got["keep"], "unknown markers stay put")
}

func TestEveryGatedStepWritesAnAuditEntry(t *testing.T) {
	env := newTestEnv(t, &policy.Pack{})
	env.registry.Register("t", okHandler("ok"))

	_, err := env.runner.Run(context.Background(), "ws1", Pipeline{
		ID: "p1",
		Steps: []Step{
			{ToolID: "t"},
			{ToolID: "t", AllowedTools: []string{"other"}},
		},
	}, nil, false)
	require.NoError(t, err)

	entries, err := env.auditLog.List(context.Background(), "ws1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first: blocked step, then the successful one.
	assert.Equal(t, audit.OutcomeBlocked, entries[0].Outcome)
	assert.Equal(t, audit.OutcomeSuccess, entries[1].Outcome)
	require.NoError(t, env.auditLog.VerifyChain(context.Background(), "ws1"))
}
