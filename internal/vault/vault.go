// Package vault stores connector credentials encrypted at rest. Handlers
// and sandbox callers consume the Provider interface; the runner never
// touches the vault directly. Backends are chosen at construction through
// NewProvider — an unknown backend is a configuration error, never a
// runtime surprise.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned by NewProvider for a backend the build
// does not support.
var ErrUnknownBackend = errors.New("unknown vault backend")

// Provider is the secret storage contract. GetSecret returns nil for a
// missing secret, not an error.
type Provider interface {
	SetSecret(ctx context.Context, workspace, name string, value []byte) error
	GetSecret(ctx context.Context, workspace, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, workspace, name string) error
	ListSecrets(ctx context.Context, workspace string) ([]SecretMetadata, error)
	Status(ctx context.Context) (*StatusInfo, error)
	Close() error
}

// SecretMetadata is the public view of a stored secret; plaintext values
// never appear here.
type SecretMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusInfo reports backend health.
type StatusInfo struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Secrets int    `json:"secrets"`
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend       string // "sqlite"
	DBPath        string
	EncryptionKey string
}

// NewProvider builds the configured backend. Backend selection happens
// here and nowhere else; future backends plug in as new cases.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return newSQLiteProvider(cfg.DBPath, cfg.EncryptionKey)
	default:
		return nil, fmt.Errorf("%w: %q (supported: sqlite)", ErrUnknownBackend, cfg.Backend)
	}
}
