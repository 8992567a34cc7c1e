// Package audit records every governed action as an append-only,
// hash-linked log. Each entry stores a hash of the tool input rather than
// the input itself, so the log carries no payload data, and links to the
// previous entry's chain hash so insertion, deletion, and field tampering
// are all detectable by recomputation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisrun/aegis/internal/canonical"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/audit")

// ErrChainIntegrity is returned by VerifyChain on any hash or linkage
// mismatch.
var ErrChainIntegrity = errors.New("audit chain integrity violation")

// Policy decisions recorded per entry.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionApproveRequired = "approve_required"
	DecisionDryRun          = "dry_run"
)

// Outcomes recorded per entry.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
	OutcomeDryRun  = "dry_run"
)

// Entry is one committed audit record.
type Entry struct {
	ID                   string             `json:"id"`
	Timestamp            time.Time          `json:"timestamp"`
	Actor                string             `json:"actor,omitempty"`
	WorkspaceID          string             `json:"workspace_id"`
	ToolID               string             `json:"tool_id,omitempty"`
	ToolVersion          string             `json:"tool_version,omitempty"`
	SchemaID             string             `json:"schema_id,omitempty"`
	InputHash            string             `json:"input_hash"`
	PolicyDecision       string             `json:"policy_decision"`
	Costs                map[string]float64 `json:"costs,omitempty"`
	Outcome              string             `json:"outcome"`
	ArtifactManifestHash string             `json:"artifact_manifest_hash,omitempty"`
	DryRun               bool               `json:"dry_run"`
	ChainPrevHash        *string            `json:"chain_prev_hash"`
	ChainThisHash        string             `json:"chain_this_hash"`
}

// Input describes an action to append. RawInput is hashed via canonical
// JSON and discarded; it never reaches the database or the mirror.
type Input struct {
	Actor                string
	ToolID               string
	ToolVersion          string
	SchemaID             string
	RawInput             interface{}
	PolicyDecision       string
	Costs                map[string]float64
	Outcome              string
	ArtifactManifestHash string
	DryRun               bool
}

// Chain is the append-only audit log backed by the shared governance
// database, with a best-effort JSONL mirror per workspace. Appends for a
// workspace are serialized through a per-workspace mutex so tail lookup +
// insert is atomic.
type Chain struct {
	db        *sql.DB
	mirrorDir string // empty disables the mirror

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChain creates an audit chain. mirrorDir is the root for per-workspace
// JSONL mirrors; pass "" to disable mirroring.
func NewChain(db *sql.DB, mirrorDir string) *Chain {
	return &Chain{db: db, mirrorDir: mirrorDir, locks: make(map[string]*sync.Mutex)}
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

func chainHash(e *Entry) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"id":                     e.ID,
		"timestamp":              e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":                  e.Actor,
		"workspace_id":           e.WorkspaceID,
		"tool_id":                e.ToolID,
		"tool_version":           e.ToolVersion,
		"schema_id":              e.SchemaID,
		"input_hash":             e.InputHash,
		"policy_decision":        e.PolicyDecision,
		"costs":                  e.Costs,
		"outcome":                e.Outcome,
		"artifact_manifest_hash": e.ArtifactManifestHash,
		"dry_run":                e.DryRun,
		"chain_prev_hash":        e.ChainPrevHash,
	})
}

// Append hashes the input, links the entry to the workspace's current tail,
// and commits it. The JSONL mirror is written after the SQLite insert; a
// mirror failure logs a warning and never fails the append.
func (c *Chain) Append(ctx context.Context, workspace string, in Input) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("audit.tool_id", in.ToolID),
		attribute.String("audit.outcome", in.Outcome),
	)

	inputHash, err := canonical.Hash(in.RawInput)
	if err != nil {
		return nil, fmt.Errorf("hashing audit input: %w", err)
	}

	lock := c.lockFor(workspace)
	lock.Lock()
	defer lock.Unlock()

	prevHash, err := c.tail(ctx, workspace)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:                   "aud_" + uuid.New().String()[:12],
		Timestamp:            time.Now().UTC(),
		Actor:                in.Actor,
		WorkspaceID:          workspace,
		ToolID:               in.ToolID,
		ToolVersion:          in.ToolVersion,
		SchemaID:             in.SchemaID,
		InputHash:            inputHash,
		PolicyDecision:       in.PolicyDecision,
		Costs:                in.Costs,
		Outcome:              in.Outcome,
		ArtifactManifestHash: in.ArtifactManifestHash,
		DryRun:               in.DryRun,
		ChainPrevHash:        prevHash,
	}
	entry.ChainThisHash, err = chainHash(entry)
	if err != nil {
		return nil, fmt.Errorf("hashing audit entry: %w", err)
	}

	var costsJSON []byte
	if entry.Costs != nil {
		costsJSON, err = json.Marshal(entry.Costs)
		if err != nil {
			return nil, fmt.Errorf("encoding audit costs: %w", err)
		}
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, workspace_id, timestamp, actor, tool_id, tool_version,
		                        schema_id, input_hash, policy_decision, costs_json, outcome,
		                        artifact_manifest_hash, dry_run, chain_prev_hash, chain_this_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkspaceID, entry.Timestamp, entry.Actor, entry.ToolID,
		entry.ToolVersion, entry.SchemaID, entry.InputHash, entry.PolicyDecision,
		nullableString(costsJSON), entry.Outcome, entry.ArtifactManifestHash,
		entry.DryRun, entry.ChainPrevHash, entry.ChainThisHash,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting audit entry: %w", err)
	}

	c.mirror(entry)

	span.SetAttributes(attribute.String("audit.id", entry.ID))
	return entry, nil
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// mirror appends the entry to the workspace's JSONL file. Best effort:
// the SQLite row is already committed and remains the source of truth.
func (c *Chain) mirror(entry *Entry) {
	if c.mirrorDir == "" {
		return
	}
	dir := filepath.Join(c.mirrorDir, entry.WorkspaceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("workspace_id", entry.WorkspaceID).
			Msg("audit_mirror_dir_failed")
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("audit_id", entry.ID).Msg("audit_mirror_encode_failed")
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", entry.WorkspaceID).
			Msg("audit_mirror_open_failed")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Str("audit_id", entry.ID).Msg("audit_mirror_write_failed")
	}
}

// tail returns the chain hash of the most recent entry for the workspace,
// nil when the chain is empty.
func (c *Chain) tail(ctx context.Context, workspace string) (*string, error) {
	var hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT chain_this_hash FROM audit_log
		 WHERE workspace_id = ? ORDER BY rowid DESC LIMIT 1`,
		workspace,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit chain tail: %w", err)
	}
	return &hash, nil
}

// List returns the workspace's entries, newest first.
func (c *Chain) List(ctx context.Context, workspace string, limit, offset int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, workspace_id, timestamp, actor, tool_id, tool_version, schema_id,
		        input_hash, policy_decision, costs_json, outcome,
		        artifact_manifest_hash, dry_run, chain_prev_hash, chain_this_hash
		 FROM audit_log WHERE workspace_id = ?
		 ORDER BY rowid DESC LIMIT ? OFFSET ?`,
		workspace, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	span.SetAttributes(attribute.Int("audit.count", len(entries)))
	return entries, rows.Err()
}

// VerifyChain walks the workspace's entries in append order, recomputing
// every hash and checking each entry's chain_prev_hash against its
// predecessor's chain_this_hash. The first violation fails with
// ErrChainIntegrity.
func (c *Chain) VerifyChain(ctx context.Context, workspace string) error {
	ctx, span := tracer.Start(ctx, "audit.verify_chain")
	defer span.End()

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, workspace_id, timestamp, actor, tool_id, tool_version, schema_id,
		        input_hash, policy_decision, costs_json, outcome,
		        artifact_manifest_hash, dry_run, chain_prev_hash, chain_this_hash
		 FROM audit_log WHERE workspace_id = ? ORDER BY rowid ASC`,
		workspace,
	)
	if err != nil {
		return fmt.Errorf("walking audit chain: %w", err)
	}
	defer rows.Close()

	var prev *string
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scanning audit entry: %w", err)
		}
		if (prev == nil) != (entry.ChainPrevHash == nil) ||
			(prev != nil && *prev != *entry.ChainPrevHash) {
			return fmt.Errorf("%w: entry %s prev-hash linkage broken", ErrChainIntegrity, entry.ID)
		}
		expected, err := chainHash(entry)
		if err != nil {
			return fmt.Errorf("recomputing audit hash: %w", err)
		}
		if expected != entry.ChainThisHash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrChainIntegrity, entry.ID)
		}
		prev = &entry.ChainThisHash
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var toolID, toolVersion, schemaID, costsJSON, manifestHash, prevHash sql.NullString
	err := row.Scan(&entry.ID, &entry.WorkspaceID, &entry.Timestamp, &entry.Actor,
		&toolID, &toolVersion, &schemaID, &entry.InputHash, &entry.PolicyDecision,
		&costsJSON, &entry.Outcome, &manifestHash, &entry.DryRun, &prevHash,
		&entry.ChainThisHash)
	if err != nil {
		return nil, err
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.ToolID = toolID.String
	entry.ToolVersion = toolVersion.String
	entry.SchemaID = schemaID.String
	entry.ArtifactManifestHash = manifestHash.String
	if prevHash.Valid {
		entry.ChainPrevHash = &prevHash.String
	}
	if costsJSON.Valid && costsJSON.String != "" {
		if err := json.Unmarshal([]byte(costsJSON.String), &entry.Costs); err != nil {
			return nil, fmt.Errorf("decoding audit costs: %w", err)
		}
	}
	return &entry, nil
}
