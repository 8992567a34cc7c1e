package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/vault")

// ErrInvalidEncryptionKey is returned when the vault key is not exactly
// 32 raw bytes or 64 hex characters (AES-256).
var ErrInvalidEncryptionKey = errors.New("invalid vault encryption key")

// sqliteProvider stores secrets in SQLite, encrypted with AES-256-GCM.
// Secrets are scoped per workspace; each value gets a fresh nonce.
type sqliteProvider struct {
	db  *sql.DB
	gcm cipher.AEAD
}

func newSQLiteProvider(dbPath, encryptionKey string) (*sqliteProvider, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS vault_secrets (
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		nonce TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, name)
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sqliteProvider{db: db, gcm: gcm}, nil
}

// resolveEncryptionKey interprets the key as 32 raw bytes or 64 hex
// characters decoding to 32 bytes.
func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 && isHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("vault key hex must decode to 32 bytes: %w", ErrInvalidEncryptionKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("vault key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func (s *sqliteProvider) Close() error {
	return s.db.Close()
}

// SetSecret stores a secret, upserting on conflict.
func (s *sqliteProvider) SetSecret(ctx context.Context, workspace, name string, value []byte) error {
	ctx, span := tracer.Start(ctx, "vault.set_secret")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("secret.name", name),
	)

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := s.gcm.Seal(nil, nonce, value, nil)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (workspace_id, name, encrypted_value, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		workspace, name,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// GetSecret decrypts and returns a secret, or nil when it does not exist.
func (s *sqliteProvider) GetSecret(ctx context.Context, workspace, name string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "vault.get_secret")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspace),
		attribute.String("secret.name", name),
	)

	var encryptedValue, nonceB64 string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value, nonce FROM vault_secrets WHERE workspace_id = ? AND name = ?`,
		workspace, name,
	).Scan(&encryptedValue, &nonceB64)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying secret: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	return plaintext, nil
}

// DeleteSecret removes a secret; deleting a missing secret is a no-op.
func (s *sqliteProvider) DeleteSecret(ctx context.Context, workspace, name string) error {
	ctx, span := tracer.Start(ctx, "vault.delete_secret")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE workspace_id = ? AND name = ?`,
		workspace, name,
	)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}

// ListSecrets returns metadata for the workspace's secrets, sorted by name.
func (s *sqliteProvider) ListSecrets(ctx context.Context, workspace string) ([]SecretMetadata, error) {
	ctx, span := tracer.Start(ctx, "vault.list_secrets")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at, updated_at FROM vault_secrets
		 WHERE workspace_id = ? ORDER BY name`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var results []SecretMetadata
	for rows.Next() {
		var meta SecretMetadata
		if err := rows.Scan(&meta.Name, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret metadata: %w", err)
		}
		results = append(results, meta)
	}
	return results, rows.Err()
}

// Status reports backend health via a count query.
func (s *sqliteProvider) Status(ctx context.Context) (*StatusInfo, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vault_secrets`).Scan(&count)
	if err != nil {
		return &StatusInfo{Backend: "sqlite", Healthy: false}, nil
	}
	return &StatusInfo{Backend: "sqlite", Healthy: true, Secrets: count}, nil
}
