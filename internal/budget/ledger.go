// Package budget enforces per-workspace usage caps over rolling time
// windows. Budgets are opt-in per category: a category without a row is
// unlimited. The load-bearing invariant is used ≤ cap after every
// successful check-and-record, including under concurrent callers.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisrun/aegis/internal/policy"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/budget")

// Budget periods.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// Row is the persisted budget state for one (workspace, category).
type Row struct {
	WorkspaceID string    `json:"workspace_id"`
	Category    string    `json:"category"`
	Period      string    `json:"period"`
	Cap         float64   `json:"cap"`
	Used        float64   `json:"used"`
	WindowStart time.Time `json:"window_start"`
}

// Request is a usage check for one category.
type Request struct {
	Category string
	Amount   float64
}

// Result is the outcome of a budget check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Budget  *Row   `json:"budget,omitempty"`
}

// Ledger tracks budget usage in the shared governance database.
type Ledger struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by workspace_id + "\x00" + category
}

// NewLedger creates a budget ledger on the shared governance database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the mutex serializing check-and-record for one
// (workspace, category) pair.
func (l *Ledger) lockFor(workspace, category string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := workspace + "\x00" + category
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// InitBudgets inserts one row per budget category defined by the pack,
// used=0, idempotently: existing rows are left untouched.
func (l *Ledger) InitBudgets(ctx context.Context, workspace string, pack *policy.Pack) error {
	ctx, span := tracer.Start(ctx, "budget.init")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.Int("budget.categories", len(pack.Budgets)),
	)

	now := time.Now().UTC()
	for category, spec := range pack.Budgets {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO budgets (workspace_id, category, period, cap, used, window_start)
			 VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT (workspace_id, category) DO NOTHING`,
			workspace, category, spec.Period, spec.Cap, now,
		)
		if err != nil {
			return fmt.Errorf("initializing budget %s/%s: %w", workspace, category, err)
		}
	}
	return nil
}

// Check reports whether amount more usage fits the category's budget.
// A category with no row is allowed (budgets are opt-in). A stale window is
// rolled before the comparison. Check alone is racy against concurrent
// recorders; use CheckAndRecord when the usage will be committed.
func (l *Ledger) Check(ctx context.Context, workspace string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "budget.check")
	defer span.End()

	res, err := l.check(ctx, workspace, req, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("budget.category", req.Category),
		attribute.Bool("budget.allowed", res.Allowed),
	)
	return res, nil
}

func (l *Ledger) check(ctx context.Context, workspace string, req Request, now time.Time) (*Result, error) {
	row, err := l.getRow(ctx, workspace, req.Category)
	if err == sql.ErrNoRows {
		return &Result{Allowed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying budget %s/%s: %w", workspace, req.Category, err)
	}

	if rolled, windowStart := windowRolls(row.Period, row.WindowStart, now); rolled {
		if err := l.rollWindow(ctx, workspace, req.Category, windowStart); err != nil {
			return nil, err
		}
		row.Used = 0
		row.WindowStart = windowStart
	}

	if row.Used+req.Amount > row.Cap {
		return &Result{
			Allowed: false,
			Reason: fmt.Sprintf("Budget exceeded for %s: used %.2f of %.2f, requested %.2f",
				req.Category, row.Used, row.Cap, req.Amount),
			Budget: row,
		}, nil
	}
	return &Result{Allowed: true, Budget: row}, nil
}

// Record increments used unconditionally. Callers must have already checked;
// the runner uses it after a successful handler invocation whose estimate
// passed the gate.
func (l *Ledger) Record(ctx context.Context, workspace, category string, amount float64) error {
	ctx, span := tracer.Start(ctx, "budget.record")
	defer span.End()

	result, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET used = used + ? WHERE workspace_id = ? AND category = ?`,
		amount, workspace, category,
	)
	if err != nil {
		return fmt.Errorf("recording budget usage %s/%s: %w", workspace, category, err)
	}
	// No row means the category is untracked; recording is a no-op.
	_, _ = result.RowsAffected()
	span.SetAttributes(
		attribute.String("budget.category", category),
		attribute.Float64("budget.amount", amount),
	)
	return nil
}

// CheckAndRecord composes Check and Record as one atomic unit: under
// concurrent callers the total recorded usage can never exceed cap, even
// when two checks would have observed the same used value.
func (l *Ledger) CheckAndRecord(ctx context.Context, workspace string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "budget.check_and_record")
	defer span.End()

	lock := l.lockFor(workspace, req.Category)
	lock.Lock()
	defer lock.Unlock()

	res, err := l.check(ctx, workspace, req, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return res, nil
	}
	if res.Budget != nil { // tracked category: commit the usage
		if err := l.Record(ctx, workspace, req.Category, req.Amount); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Get returns the current row for a category, or nil when untracked.
func (l *Ledger) Get(ctx context.Context, workspace, category string) (*Row, error) {
	row, err := l.getRow(ctx, workspace, category)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying budget %s/%s: %w", workspace, category, err)
	}
	return row, nil
}

func (l *Ledger) getRow(ctx context.Context, workspace, category string) (*Row, error) {
	var row Row
	err := l.db.QueryRowContext(ctx,
		`SELECT workspace_id, category, period, cap, used, window_start
		 FROM budgets WHERE workspace_id = ? AND category = ?`,
		workspace, category,
	).Scan(&row.WorkspaceID, &row.Category, &row.Period, &row.Cap, &row.Used, &row.WindowStart)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (l *Ledger) rollWindow(ctx context.Context, workspace, category string, windowStart time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET used = 0, window_start = ? WHERE workspace_id = ? AND category = ?`,
		windowStart, workspace, category,
	)
	if err != nil {
		return fmt.Errorf("rolling budget window %s/%s: %w", workspace, category, err)
	}
	return nil
}

// windowRolls reports whether the window starting at windowStart is stale at
// now, and the new window start when it is. Hour/day/week use elapsed time;
// month uses calendar semantics — the window rolls when the month or year
// changes, not after a fixed number of seconds.
func windowRolls(period string, windowStart, now time.Time) (bool, time.Time) {
	switch period {
	case PeriodHour:
		if now.Sub(windowStart) > time.Hour {
			return true, now
		}
	case PeriodDay:
		if now.Sub(windowStart) > 24*time.Hour {
			return true, now
		}
	case PeriodWeek:
		if now.Sub(windowStart) > 7*24*time.Hour {
			return true, now
		}
	case PeriodMonth:
		if now.Month() != windowStart.Month() || now.Year() != windowStart.Year() {
			return true, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
	}
	return false, time.Time{}
}
