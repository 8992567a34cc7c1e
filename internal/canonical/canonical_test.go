package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"y": "z", "x": "w"}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": "w", "y": "z"}, "a": 1, "b": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashDiffersOnContentChange(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"k": "v1"})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"k": "v2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashStructsWithJSONTags(t *testing.T) {
	type rec struct {
		WorkspaceID string  `json:"workspace_id"`
		PrevHash    *string `json:"chain_prev_hash"`
	}
	h1, err := Hash(rec{WorkspaceID: "ws1"})
	require.NoError(t, err)

	// Equivalent map form must hash identically.
	h2, err := Hash(map[string]interface{}{"workspace_id": "ws1", "chain_prev_hash": nil})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
