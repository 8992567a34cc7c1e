package vault

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestProvider(t *testing.T) Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Backend:       "sqlite",
		DBPath:        filepath.Join(t.TempDir(), "vault.db"),
		EncryptionKey: testKey,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewProviderUnknownBackendFailsFast(t *testing.T) {
	_, err := NewProvider(Config{Backend: "hashicorp", EncryptionKey: testKey})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewProviderRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "short", strings.Repeat("x", 33), strings.Repeat("g", 64)} {
		_, err := NewProvider(Config{
			Backend:       "sqlite",
			DBPath:        filepath.Join(t.TempDir(), "vault.db"),
			EncryptionKey: key,
		})
		assert.ErrorIs(t, err, ErrInvalidEncryptionKey, "key %q", key)
	}
}

func TestNewProviderAcceptsHexKey(t *testing.T) {
	p, err := NewProvider(Config{
		Backend:       "sqlite",
		DBPath:        filepath.Join(t.TempDir(), "vault.db"),
		EncryptionKey: strings.Repeat("ab", 32), // 64 hex chars
	})
	require.NoError(t, err)
	p.Close()
}

func TestSetGetRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "github-token", []byte("ghp_secret")))

	got, err := p.GetSecret(ctx, "ws1", "github-token")
	require.NoError(t, err)
	assert.Equal(t, []byte("ghp_secret"), got)
}

func TestGetMissingSecretReturnsNilNotError(t *testing.T) {
	p := newTestProvider(t)

	got, err := p.GetSecret(context.Background(), "ws1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSecretsAreWorkspaceScoped(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "token", []byte("ws1-value")))
	require.NoError(t, p.SetSecret(ctx, "ws2", "token", []byte("ws2-value")))

	got, err := p.GetSecret(ctx, "ws2", "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("ws2-value"), got)

	got, err = p.GetSecret(ctx, "ws3", "token")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetOverwrites(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "token", []byte("old")))
	require.NoError(t, p.SetSecret(ctx, "ws1", "token", []byte("new")))

	got, err := p.GetSecret(ctx, "ws1", "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestDeleteSecret(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "token", []byte("v")))
	require.NoError(t, p.DeleteSecret(ctx, "ws1", "token"))

	got, err := p.GetSecret(ctx, "ws1", "token")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is a no-op.
	require.NoError(t, p.DeleteSecret(ctx, "ws1", "token"))
}

func TestListSecretsNoValues(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "b-token", []byte("v1")))
	require.NoError(t, p.SetSecret(ctx, "ws1", "a-token", []byte("v2")))
	require.NoError(t, p.SetSecret(ctx, "ws2", "other", []byte("v3")))

	metas, err := p.ListSecrets(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "a-token", metas[0].Name)
	assert.Equal(t, "b-token", metas[1].Name)
}

func TestValuesEncryptedAtRest(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vault.db")
	p, err := NewProvider(Config{Backend: "sqlite", DBPath: dbPath, EncryptionKey: testKey})
	require.NoError(t, err)
	defer p.Close()

	plaintext := "super-sensitive-value"
	require.NoError(t, p.SetSecret(context.Background(), "ws1", "token", []byte(plaintext)))

	sp := p.(*sqliteProvider)
	var stored string
	err = sp.db.QueryRow(`SELECT encrypted_value FROM vault_secrets WHERE name = 'token'`).Scan(&stored)
	require.NoError(t, err)
	assert.NotContains(t, stored, plaintext)
}

func TestStatus(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "ws1", "token", []byte("v")))

	status, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", status.Backend)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.Secrets)
}
