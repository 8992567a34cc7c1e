package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrun/aegis/internal/policy"
)

func testPack() *policy.Pack {
	return &policy.Pack{
		Allowlists: policy.AllowlistsConfig{
			EgressDomains: []string{"api.example.com", "*.googleapis.com", "93.184.216.34"},
			EgressByConnector: map[string][]string{
				"github": {"github.com", "*.github.com"},
			},
			EgressByTool: map[string][]string{
				"video.publish": {"upload.youtube.com"},
				"locked.tool":   {},
			},
		},
	}
}

func TestCheckLoopbackAlwaysAllowed(t *testing.T) {
	pack := &policy.Pack{} // empty allowlists everywhere

	for _, host := range []string{"localhost", "127.0.0.1", "::1", "[::1]", "127.0.0.53"} {
		d := Check(host, pack, Options{})
		assert.True(t, d.Allowed, "host %s", host)
		assert.Equal(t, "loopback", d.MatchedRule)
	}
}

func TestCheckIPLiteralsNeedExactGlobalEntry(t *testing.T) {
	pack := testPack()

	assert.True(t, Check("93.184.216.34", pack, Options{}).Allowed)
	assert.False(t, Check("8.8.8.8", pack, Options{}).Allowed)

	// Tool and connector lists never admit IP literals.
	d := Check("140.82.112.3", pack, Options{ConnectorID: "github"})
	assert.False(t, d.Allowed)
}

func TestCheckToolListAuthoritative(t *testing.T) {
	pack := testPack()

	assert.True(t, Check("upload.youtube.com", pack, Options{ToolID: "video.publish"}).Allowed)

	// The tool list is defined, so the global list must not be consulted.
	d := Check("api.example.com", pack, Options{ToolID: "video.publish"})
	assert.False(t, d.Allowed)

	// An empty-but-defined tool list denies everything.
	d = Check("api.example.com", pack, Options{ToolID: "locked.tool"})
	assert.False(t, d.Allowed)
}

func TestCheckConnectorListAuthoritative(t *testing.T) {
	pack := testPack()

	assert.True(t, Check("github.com", pack, Options{ConnectorID: "github"}).Allowed)
	assert.True(t, Check("api.github.com", pack, Options{ConnectorID: "github"}).Allowed)
	assert.False(t, Check("api.example.com", pack, Options{ConnectorID: "github"}).Allowed)

	// Unknown connector falls through to the global list.
	assert.True(t, Check("api.example.com", pack, Options{ConnectorID: "unknown"}).Allowed)
}

func TestCheckWildcardMatchesExactlyOneLabel(t *testing.T) {
	pack := testPack()

	assert.True(t, Check("storage.googleapis.com", pack, Options{}).Allowed)
	assert.False(t, Check("googleapis.com", pack, Options{}).Allowed, "bare domain")
	assert.False(t, Check("a.b.googleapis.com", pack, Options{}).Allowed, "two labels")
}

func TestCheckCaseInsensitiveAndDefaultDeny(t *testing.T) {
	pack := testPack()

	assert.True(t, Check("API.Example.COM", pack, Options{}).Allowed)

	d := Check("evil.example.org", pack, Options{})
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestSafeClientBlocksBeforeDial(t *testing.T) {
	client, err := NewSafeClient(&policy.Pack{}, Options{ToolID: "t"}, "")
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "https://blocked.example.com/data")
	require.Error(t, err)
	assert.True(t, IsBlocked(err))

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "blocked.example.com", blocked.Host)
}

func TestSafeClientAllowsLoopbackServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewSafeClient(&policy.Pack{}, Options{}, "")
	require.NoError(t, err)

	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
