package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRunner swaps the docker invocation for a shell script so the wire
// protocol and cleanup behavior can be tested without a container runtime.
func newTestRunner(t *testing.T, script string) *Runner {
	t.Helper()
	r := NewRunner("aegis-tools:test", t.TempDir(),
		WithScratchRoot(t.TempDir()),
		WithTimeout(5*time.Second))
	r.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return r
}

func scratchEntries(t *testing.T, root string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	return entries
}

func TestRunToolParsesLastNonEmptyStdoutLine(t *testing.T) {
	r := newTestRunner(t, `
		echo "tool log line"
		echo ""
		echo '{"status":"ok","output":{"published":true}}'
	`)

	out, err := r.RunTool(context.Background(), Request{ToolID: "video.publish"})
	require.NoError(t, err)

	var decoded map[string]bool
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.True(t, decoded["published"])
}

func TestRunToolErrorStatusSurfacesError(t *testing.T) {
	r := newTestRunner(t, `echo '{"status":"error","error":"quota exhausted"}'`)

	_, err := r.RunTool(context.Background(), Request{ToolID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestRunToolNonZeroExitIsTransportError(t *testing.T) {
	r := newTestRunner(t, `
		echo "partial output"
		echo "boom: missing runtime" >&2
		exit 3
	`)

	_, err := r.RunTool(context.Background(), Request{ToolID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3")
	assert.Contains(t, err.Error(), "boom: missing runtime")
	assert.Contains(t, err.Error(), "partial output")
}

func TestRunToolReceivesPayloadOnStdin(t *testing.T) {
	// Child echoes its stdin back inside the response output.
	r := newTestRunner(t, `
		payload=$(cat)
		printf '{"status":"ok","output":%s}\n' "$payload"
	`)

	out, err := r.RunTool(context.Background(), Request{
		ToolID:      "echo",
		Input:       map[string]interface{}{"msg": "hello"},
		ConnectorID: "github",
	})
	require.NoError(t, err)

	var req Request
	require.NoError(t, json.Unmarshal(out, &req))
	assert.Equal(t, "echo", req.ToolID)
	assert.Equal(t, "hello", req.Input["msg"])
	assert.Equal(t, "github", req.ConnectorID)
}

func TestScratchDirRemovedOnSuccessAndFailure(t *testing.T) {
	scratchRoot := t.TempDir()

	ok := NewRunner("img", t.TempDir(), WithScratchRoot(scratchRoot), WithTimeout(5*time.Second))
	ok.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", `echo '{"status":"ok"}'`)
	}
	_, err := ok.RunTool(context.Background(), Request{ToolID: "t"})
	require.NoError(t, err)
	assert.Empty(t, scratchEntries(t, scratchRoot), "scratch must be removed after success")

	bad := NewRunner("img", t.TempDir(), WithScratchRoot(scratchRoot), WithTimeout(5*time.Second))
	bad.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", `exit 1`)
	}
	_, err = bad.RunTool(context.Background(), Request{ToolID: "t"})
	require.Error(t, err)
	assert.Empty(t, scratchEntries(t, scratchRoot), "scratch must be removed after failure")
}

func TestRunToolTimeoutKillsChild(t *testing.T) {
	scratchRoot := t.TempDir()
	r := NewRunner("img", t.TempDir(), WithScratchRoot(scratchRoot),
		WithTimeout(200*time.Millisecond))

	var killed []string
	r.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if len(args) > 0 && args[0] == "kill" {
			killed = append(killed, args[1])
			return exec.CommandContext(ctx, "true")
		}
		// A grandchild inherits the stdout pipe and outlives the direct
		// child, the shape of a container surviving its docker client.
		return exec.CommandContext(ctx, "sh", "-c", `sleep 30 & wait`)
	}

	start := time.Now()
	_, err := r.RunTool(context.Background(), Request{ToolID: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, scratchEntries(t, scratchRoot), "scratch must be removed after timeout")

	require.Len(t, killed, 1, "the container must be killed, not just the client")
	assert.Contains(t, killed[0], "aegis_")
}

func TestDockerArgsHardening(t *testing.T) {
	projectDir := t.TempDir()
	r := NewRunner("aegis-tools:v1", projectDir,
		WithNetwork("egress-only"),
		WithProxy("http://127.0.0.1:3128"),
		WithLimits(Limits{PIDs: 64, CPUs: 0.5, MemoryMB: 256}),
		WithUser("2000:2000"))

	args := r.dockerArgs("aegis_abc", "/tmp/scr_abc", "video.publish")
	joined := fmt.Sprintf("%v", args)

	for _, want := range []string{
		"--name aegis_abc",
		"--read-only",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--tmpfs /tmp:rw,noexec,nosuid,nodev",
		"--pids-limit 64",
		"--cpus 0.50",
		"--memory 256m",
		"--memory-swap 256m",
		"--network egress-only",
		"--user 2000:2000",
		projectDir + ":/project:ro",
		"/tmp/scr_abc:/scratch:rw",
		"AEGIS_SANDBOX=1",
		"HTTP_PROXY=http://127.0.0.1:3128",
		"HTTPS_PROXY=http://127.0.0.1:3128",
	} {
		assert.Contains(t, joined, want)
	}
	// Image then tool id close the argument list.
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "aegis-tools:v1", args[len(args)-2])
	assert.Equal(t, "video.publish", args[len(args)-1])
}
