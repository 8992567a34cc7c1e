// Package approval persists human-decision gates as hash-linked records.
//
// Every record's chain_this_hash covers all of its fields plus the chain
// hash of the most recently written record in the same workspace, so field
// tampering and out-of-order insertion are detectable by recomputation.
// Records are created pending and transition exactly once to approved or
// denied; deciding re-links the record to the current chain tail, which may
// have moved since creation.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisrun/aegis/internal/canonical"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/approval")

var (
	// ErrApprovalNotFound is returned when no record matches (id, workspace).
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrAlreadyDecided is returned when deciding a record that is not pending.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrInvalidDecision is returned for a decision other than approved/denied.
	ErrInvalidDecision = errors.New("invalid approval decision")
	// ErrChainIntegrity is returned by VerifyChain on a hash mismatch. Data
	// corruption: fatal and non-recoverable.
	ErrChainIntegrity = errors.New("approval chain integrity violation")
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Record is one approval gate.
type Record struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	Actor          string     `json:"actor,omitempty"`
	WorkspaceID    string     `json:"workspace_id"`
	Scope          string     `json:"scope"`
	PayloadHash    string     `json:"payload_hash"`
	Status         string     `json:"status"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	ChainPrevHash  *string    `json:"chain_prev_hash"`
	ChainThisHash  string     `json:"chain_this_hash"`
}

// Chain persists approval records in the shared governance database.
// All chain writes for a workspace are serialized through a per-workspace
// mutex so tail lookup + insert is observably atomic (one writer per
// workspace at a time).
type Chain struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChain creates an approval chain on the shared governance database.
// chain_seq orders all writes (creates and decisions) per workspace so the
// tail survives restarts; it is internal to this package.
func NewChain(db *sql.DB) *Chain {
	return &Chain{db: db, locks: make(map[string]*sync.Mutex)}
}

func (c *Chain) lockFor(workspace string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[workspace]
	if !ok {
		m = &sync.Mutex{}
		c.locks[workspace] = m
	}
	return m
}

// chainHash computes a record's chain hash over every field except
// chain_this_hash itself, via canonical JSON.
func chainHash(r *Record) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"id":              r.ID,
		"created_at":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"actor":           r.Actor,
		"workspace_id":    r.WorkspaceID,
		"scope":           r.Scope,
		"payload_hash":    r.PayloadHash,
		"status":          r.Status,
		"decided_at":      formatTimePtr(r.DecidedAt),
		"decision_reason": r.DecisionReason,
		"chain_prev_hash": r.ChainPrevHash,
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// tail returns the chain hash and sequence of the most recently written
// record for the workspace. A nil hash means the chain is empty.
func (c *Chain) tail(ctx context.Context, workspace string) (*string, int64, error) {
	var hash string
	var seq int64
	err := c.db.QueryRowContext(ctx,
		`SELECT chain_this_hash, chain_seq FROM approvals
		 WHERE workspace_id = ? ORDER BY chain_seq DESC LIMIT 1`,
		workspace,
	).Scan(&hash, &seq)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("querying approval chain tail: %w", err)
	}
	return &hash, seq, nil
}

// Create inserts a pending approval linked to the current chain tail.
func (c *Chain) Create(ctx context.Context, workspace, scope, payloadHash, actor string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "approval.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("approval.scope", scope),
	)

	lock := c.lockFor(workspace)
	lock.Lock()
	defer lock.Unlock()

	prevHash, prevSeq, err := c.tail(ctx, workspace)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            "apr_" + uuid.New().String()[:12],
		CreatedAt:     time.Now().UTC(),
		Actor:         actor,
		WorkspaceID:   workspace,
		Scope:         scope,
		PayloadHash:   payloadHash,
		Status:        StatusPending,
		ChainPrevHash: prevHash,
	}
	rec.ChainThisHash, err = chainHash(rec)
	if err != nil {
		return nil, fmt.Errorf("hashing approval record: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO approvals (id, workspace_id, created_at, actor, scope, payload_hash,
		                        status, chain_prev_hash, chain_this_hash, chain_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkspaceID, rec.CreatedAt, rec.Actor, rec.Scope, rec.PayloadHash,
		rec.Status, rec.ChainPrevHash, rec.ChainThisHash, prevSeq+1,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting approval: %w", err)
	}

	span.SetAttributes(attribute.String("approval.id", rec.ID))
	return rec, nil
}

// Decide transitions a pending approval to approved or denied. Fails with
// ErrApprovalNotFound when (id, workspace) misses and ErrAlreadyDecided when
// the record left pending; neither failure mutates the record. The chain
// hash is recomputed against the current tail, which may differ from the
// record's original chain_prev_hash.
func (c *Chain) Decide(ctx context.Context, workspace, id, decision, reason string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "approval.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("approval.id", id),
		attribute.String("approval.decision", decision),
	)

	if decision != StatusApproved && decision != StatusDenied {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	lock := c.lockFor(workspace)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.get(ctx, workspace, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, rec.Status)
	}

	prevHash, prevSeq, err := c.tail(ctx, workspace)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.Status = decision
	rec.DecidedAt = &now
	rec.DecisionReason = reason
	rec.ChainPrevHash = prevHash
	rec.ChainThisHash, err = chainHash(rec)
	if err != nil {
		return nil, fmt.Errorf("hashing decided approval: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`UPDATE approvals
		 SET status = ?, decided_at = ?, decision_reason = ?,
		     chain_prev_hash = ?, chain_this_hash = ?, chain_seq = ?
		 WHERE id = ? AND workspace_id = ?`,
		rec.Status, rec.DecidedAt, rec.DecisionReason,
		rec.ChainPrevHash, rec.ChainThisHash, prevSeq+1,
		rec.ID, rec.WorkspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating approval: %w", err)
	}
	return rec, nil
}

// Get returns a single approval record. Read-only.
func (c *Chain) Get(ctx context.Context, workspace, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "approval.get")
	defer span.End()
	return c.get(ctx, workspace, id)
}

func (c *Chain) get(ctx context.Context, workspace, id string) (*Record, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, created_at, actor, scope, payload_hash,
		        status, decided_at, decision_reason, chain_prev_hash, chain_this_hash
		 FROM approvals WHERE id = ? AND workspace_id = ?`,
		id, workspace,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s in workspace %s", ErrApprovalNotFound, id, workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("querying approval: %w", err)
	}
	return rec, nil
}

// List returns the workspace's approvals, newest first, optionally filtered
// by status. Read-only.
func (c *Chain) List(ctx context.Context, workspace, status string) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "approval.list")
	defer span.End()

	query := `SELECT id, workspace_id, created_at, actor, scope, payload_hash,
	                 status, decided_at, decision_reason, chain_prev_hash, chain_this_hash
	          FROM approvals WHERE workspace_id = ?`
	args := []interface{}{workspace}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		records = append(records, *rec)
	}
	span.SetAttributes(attribute.Int("approval.count", len(records)))
	return records, rows.Err()
}

// VerifyChain recomputes every record's chain hash from its stored fields.
// The first mismatch fails with ErrChainIntegrity: a mismatch means a field
// was altered after the record was written.
func (c *Chain) VerifyChain(ctx context.Context, workspace string) error {
	ctx, span := tracer.Start(ctx, "approval.verify_chain")
	defer span.End()

	records, err := c.List(ctx, workspace, "")
	if err != nil {
		return err
	}
	for i := range records {
		expected, err := chainHash(&records[i])
		if err != nil {
			return fmt.Errorf("recomputing approval hash: %w", err)
		}
		if expected != records[i].ChainThisHash {
			return fmt.Errorf("%w: record %s hash mismatch", ErrChainIntegrity, records[i].ID)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var actor, reason sql.NullString
	var decidedAt sql.NullTime
	var prevHash sql.NullString
	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.CreatedAt, &actor, &rec.Scope,
		&rec.PayloadHash, &rec.Status, &decidedAt, &reason, &prevHash, &rec.ChainThisHash)
	if err != nil {
		return nil, err
	}
	rec.Actor = actor.String
	rec.DecisionReason = reason.String
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		rec.DecidedAt = &t
	}
	if prevHash.Valid {
		rec.ChainPrevHash = &prevHash.String
	}
	return &rec, nil
}
