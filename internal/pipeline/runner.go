// Package pipeline runs ordered lists of tool invocations under governance.
// Each step passes through the allowlist check, the approval gate, and the
// budget gate before its handler is dispatched, and every gated step writes
// an audit entry. Steps execute strictly sequentially; a run fails if and
// only if a step's outcome is failure, and blocked steps never halt it.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisrun/aegis/internal/approval"
	"github.com/aegisrun/aegis/internal/audit"
	"github.com/aegisrun/aegis/internal/budget"
	"github.com/aegisrun/aegis/internal/canonical"
	"github.com/aegisrun/aegis/internal/policy"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/pipeline")

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Step outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// Step is one tool invocation in a pipeline.
type Step struct {
	ToolID       string                 `json:"tool_id" yaml:"tool_id"`
	Input        map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
	AllowedTools []string               `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	RiskLevel    string                 `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	CostCategory string                 `json:"cost_category,omitempty" yaml:"cost_category,omitempty"`
	CostEstimate float64                `json:"cost_estimate,omitempty" yaml:"cost_estimate,omitempty"`
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	ID    string `json:"id" yaml:"id"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// StepResult records how one step fared.
type StepResult struct {
	ToolID     string      `json:"tool_id"`
	Outcome    string      `json:"outcome"`
	Decision   string      `json:"decision"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	ApprovalID string      `json:"approval_id,omitempty"`
	DryRun     bool        `json:"dry_run,omitempty"`
}

// RunResult is the structured outcome of a run. It is always returned;
// failures inside a step never propagate past the runner.
type RunResult struct {
	RunID  string       `json:"run_id"`
	Status string       `json:"status"`
	Steps  []StepResult `json:"steps"`
}

// Runner executes pipelines for one workspace under one policy pack.
type Runner struct {
	db        *sql.DB
	registry  *Registry
	pack      *policy.Pack
	approvals *approval.Chain
	budgets   *budget.Ledger
	auditLog  *audit.Chain
}

// NewRunner wires a runner to the governance services it consults. The
// registry is per-runner; nothing is registered globally.
func NewRunner(db *sql.DB, registry *Registry, pack *policy.Pack,
	approvals *approval.Chain, budgets *budget.Ledger, auditLog *audit.Chain) *Runner {
	return &Runner{
		db:        db,
		registry:  registry,
		pack:      pack,
		approvals: approvals,
		budgets:   budgets,
		auditLog:  auditLog,
	}
}

// Run executes the pipeline's steps in order. vars feeds {{var}} textual
// substitution on each step's input before dispatch. In dry-run mode
// handlers are never invoked and the approval gate is skipped.
func (r *Runner) Run(ctx context.Context, workspace string, p Pipeline, vars map[string]string, dryRun bool) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("pipeline_id", p.ID),
		attribute.Bool("pipeline.dry_run", dryRun),
		attribute.Int("pipeline.steps", len(p.Steps)),
	)

	runID := "run_" + uuid.New().String()[:12]
	if err := r.insertRun(ctx, runID, workspace, p.ID, dryRun); err != nil {
		return nil, err
	}
	if err := r.setRunStatus(ctx, runID, RunRunning, false); err != nil {
		return nil, err
	}

	result := &RunResult{RunID: runID, Status: RunRunning}
	for i := range p.Steps {
		stepRes, halt := r.runStep(ctx, workspace, &p.Steps[i], vars, dryRun)
		result.Steps = append(result.Steps, stepRes)
		if halt {
			break
		}
	}

	result.Status = RunSucceeded
	for _, s := range result.Steps {
		if s.Outcome == OutcomeFailure {
			result.Status = RunFailed
			break
		}
	}
	if err := r.setRunStatus(ctx, runID, result.Status, true); err != nil {
		return nil, err
	}

	log.Info().Str("run_id", runID).Str("workspace_id", workspace).
		Str("status", result.Status).Int("steps", len(result.Steps)).
		Bool("dry_run", dryRun).Msg("pipeline_run_finished")
	span.SetAttributes(attribute.String("pipeline.status", result.Status))
	return result, nil
}

// runStep applies the gates and dispatches one step. The returned bool
// reports whether the run must halt.
func (r *Runner) runStep(ctx context.Context, workspace string, step *Step, vars map[string]string, dryRun bool) (StepResult, bool) {
	ctx, span := tracer.Start(ctx, "pipeline.step")
	defer span.End()
	span.SetAttributes(attribute.String("tool_id", step.ToolID))

	input := substituteVars(step.Input, vars)

	// Allowlist: a step that names allowed_tools must include its own tool.
	if len(step.AllowedTools) > 0 && !contains(step.AllowedTools, step.ToolID) {
		r.writeAudit(ctx, workspace, step, input, audit.DecisionDeny, audit.OutcomeBlocked, nil, dryRun)
		return StepResult{
			ToolID:   step.ToolID,
			Outcome:  OutcomeBlocked,
			Decision: audit.DecisionDeny,
			Error:    "tool not in step allowlist",
		}, false
	}

	// Approval gate, skipped in dry run.
	if !dryRun && policy.RequiresApproval(r.pack, policy.ApprovalContext{
		RiskLevel:    step.RiskLevel,
		CostCategory: step.CostCategory,
		ToolID:       step.ToolID,
	}) {
		payloadHash, err := canonical.Hash(input)
		if err != nil {
			return r.failStep(ctx, workspace, step, input, fmt.Sprintf("hashing step input: %v", err), dryRun)
		}
		rec, err := r.approvals.Create(ctx, workspace, step.ToolID, payloadHash, "pipeline")
		if err != nil {
			return r.failStep(ctx, workspace, step, input, fmt.Sprintf("creating approval: %v", err), dryRun)
		}
		r.writeAudit(ctx, workspace, step, input, audit.DecisionApproveRequired, audit.OutcomeBlocked, nil, dryRun)
		return StepResult{
			ToolID:     step.ToolID,
			Outcome:    OutcomeBlocked,
			Decision:   audit.DecisionApproveRequired,
			ApprovalID: rec.ID,
			Error:      "approval required",
		}, false
	}

	// Budget gate, only when the step carries a cost estimate.
	if step.CostCategory != "" && step.CostEstimate > 0 {
		res, err := r.budgets.Check(ctx, workspace, budget.Request{
			Category: step.CostCategory,
			Amount:   step.CostEstimate,
		})
		if err != nil {
			return r.failStep(ctx, workspace, step, input, fmt.Sprintf("checking budget: %v", err), dryRun)
		}
		if !res.Allowed {
			r.writeAudit(ctx, workspace, step, input, audit.DecisionDeny, audit.OutcomeBlocked, nil, dryRun)
			return StepResult{
				ToolID:   step.ToolID,
				Outcome:  OutcomeBlocked,
				Decision: audit.DecisionDeny,
				Error:    res.Reason,
			}, false
		}
	}

	handler, exists := r.registry.Get(step.ToolID)

	if dryRun {
		// Handlers are never invoked in a dry run, registered or not.
		r.writeAudit(ctx, workspace, step, input, audit.DecisionDryRun, audit.OutcomeDryRun, nil, dryRun)
		return StepResult{
			ToolID:   step.ToolID,
			Outcome:  OutcomeSuccess,
			Decision: audit.DecisionDryRun,
			DryRun:   true,
		}, false
	}

	if !exists {
		// The only unconditional halt: nothing to dispatch to, and no
		// further audit write for this step.
		log.Error().Str("tool_id", step.ToolID).Str("workspace_id", workspace).
			Msg("pipeline_handler_missing")
		return StepResult{
			ToolID:  step.ToolID,
			Outcome: OutcomeFailure,
			Error:   fmt.Sprintf("no handler registered for tool %s", step.ToolID),
		}, true
	}

	output, err := handler(ctx, input)
	if err != nil {
		r.writeAudit(ctx, workspace, step, input, audit.DecisionAllow, audit.OutcomeFailure, nil, dryRun)
		return StepResult{
			ToolID:   step.ToolID,
			Outcome:  OutcomeFailure,
			Decision: audit.DecisionAllow,
			Error:    err.Error(),
		}, true
	}

	var costs map[string]float64
	if step.CostCategory != "" && step.CostEstimate > 0 {
		if err := r.budgets.Record(ctx, workspace, step.CostCategory, step.CostEstimate); err != nil {
			log.Warn().Err(err).Str("tool_id", step.ToolID).Msg("pipeline_budget_record_failed")
		}
		costs = map[string]float64{step.CostCategory: step.CostEstimate}
	}
	r.writeAudit(ctx, workspace, step, input, audit.DecisionAllow, audit.OutcomeSuccess, costs, dryRun)
	return StepResult{
		ToolID:   step.ToolID,
		Outcome:  OutcomeSuccess,
		Decision: audit.DecisionAllow,
		Output:   output,
	}, false
}

// failStep records an infrastructure failure inside a gate (not a handler
// error) as a failing, halting step.
func (r *Runner) failStep(ctx context.Context, workspace string, step *Step, input map[string]interface{}, msg string, dryRun bool) (StepResult, bool) {
	r.writeAudit(ctx, workspace, step, input, audit.DecisionAllow, audit.OutcomeFailure, nil, dryRun)
	return StepResult{
		ToolID:   step.ToolID,
		Outcome:  OutcomeFailure,
		Decision: audit.DecisionAllow,
		Error:    msg,
	}, true
}

func (r *Runner) writeAudit(ctx context.Context, workspace string, step *Step, input map[string]interface{}, decision, outcome string, costs map[string]float64, dryRun bool) {
	_, err := r.auditLog.Append(ctx, workspace, audit.Input{
		Actor:          "pipeline",
		ToolID:         step.ToolID,
		RawInput:       input,
		PolicyDecision: decision,
		Costs:          costs,
		Outcome:        outcome,
		DryRun:         dryRun,
	})
	if err != nil {
		log.Error().Err(err).Str("tool_id", step.ToolID).Str("workspace_id", workspace).
			Msg("pipeline_audit_append_failed")
	}
}

func (r *Runner) insertRun(ctx context.Context, runID, workspace, pipelineID string, dryRun bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, pipeline_id, status, started_at, dry_run)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, workspace, pipelineID, RunPending, time.Now().UTC(), dryRun,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (r *Runner) setRunStatus(ctx context.Context, runID, status string, ended bool) error {
	var err error
	if ended {
		_, err = r.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
			status, time.Now().UTC(), runID)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE runs SET status = ? WHERE id = ?`, status, runID)
	}
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	return nil
}

// substituteVars replaces {{var}} markers in every string value of the
// input, recursively through nested maps and slices. Unknown markers are
// left in place.
func substituteVars(input map[string]interface{}, vars map[string]string) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = substituteValue(v, vars)
	}
	return out
}

func substituteValue(v interface{}, vars map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		for name, value := range vars {
			val = strings.ReplaceAll(val, "{{"+name+"}}", value)
		}
		return val
	case map[string]interface{}:
		return substituteVars(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
