// Package sandbox executes tool code inside a hardened container. The child
// gets a read-only root filesystem, no capabilities, pid/cpu/memory limits,
// and only the network the operator named; its sole channels are a JSON
// payload on stdin and a single JSON line on stdout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/sandbox")

// Response statuses on the sandbox wire protocol.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the JSON payload written to the child's stdin.
type Request struct {
	ToolID      string                 `json:"tool_id"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Ctx         map[string]interface{} `json:"ctx,omitempty"`
	Policy      interface{}            `json:"policy,omitempty"`
	ConnectorID string                 `json:"connector_id,omitempty"`
}

// Response is the single JSON line the child writes to stdout. A non-zero
// exit code signals launch/transport failure, distinct from status "error".
type Response struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Limits bound the child's resource usage.
type Limits struct {
	PIDs     int
	CPUs     float64
	MemoryMB int
}

// Runner launches sandboxed tool processes via docker.
type Runner struct {
	image      string
	projectDir string
	scratchDir string
	network    string
	proxyURL   string
	timeout    time.Duration
	limits     Limits
	user       string

	// Replaced in tests to run without docker.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Option configures a Runner at creation time.
type Option func(*Runner)

// WithNetwork names the docker network the child joins. Default "none".
func WithNetwork(network string) Option {
	return func(r *Runner) { r.network = network }
}

// WithProxy routes the child's HTTP(S) traffic through an egress proxy.
func WithProxy(proxyURL string) Option {
	return func(r *Runner) { r.proxyURL = proxyURL }
}

// WithTimeout bounds how long a child may run before forced termination.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLimits overrides the default resource limits.
func WithLimits(l Limits) Option {
	return func(r *Runner) { r.limits = l }
}

// WithUser sets the uid:gid the child runs as. Default "1000:1000".
func WithUser(user string) Option {
	return func(r *Runner) { r.user = user }
}

// WithScratchRoot sets where per-run scratch directories are created.
// Default os.TempDir().
func WithScratchRoot(dir string) Option {
	return func(r *Runner) { r.scratchDir = dir }
}

// NewRunner creates a sandbox runner for one tool image. projectDir is
// mounted read-only at /project inside the child.
func NewRunner(image, projectDir string, opts ...Option) *Runner {
	r := &Runner{
		image:      image,
		projectDir: projectDir,
		scratchDir: os.TempDir(),
		network:    "none",
		timeout:    120 * time.Second,
		limits:     Limits{PIDs: 128, CPUs: 1.0, MemoryMB: 512},
		user:       "1000:1000",

		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunTool executes one tool invocation in a fresh container and returns the
// tool's output. The per-run scratch directory is removed unconditionally,
// whether the run succeeds, fails, or times out.
func (r *Runner) RunTool(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "sandbox.run_tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool_id", req.ToolID),
		attribute.String("sandbox.image", r.image),
		attribute.String("sandbox.network", r.network),
	)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox payload: %w", err)
	}

	runID := uuid.New().String()[:12]
	container := "aegis_" + runID
	scratch := filepath.Join(r.scratchDir, "scr_"+runID)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn().Err(err).Str("scratch", scratch).Msg("sandbox_scratch_cleanup_failed")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := r.execCommand(ctx, "docker", r.dockerArgs(container, scratch, req.ToolID)...)
	cmd.Stdin = bytes.NewReader(payload)
	// The context kill reaches only the docker client; anything it spawned
	// still holds the stdout/stderr pipes. WaitDelay makes Run return anyway.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	span.SetAttributes(attribute.Int64("sandbox.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			r.killContainer(container)
			return nil, fmt.Errorf("sandbox tool %s timed out after %s", req.ToolID, r.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("sandbox tool %s exited %d: %s",
				req.ToolID, exitErr.ExitCode(), combinedOutput(&stderr, &stdout))
		}
		return nil, fmt.Errorf("launching sandbox for tool %s: %w", req.ToolID, err)
	}

	line := lastNonEmptyLine(stdout.String())
	if line == "" {
		return nil, fmt.Errorf("sandbox tool %s produced no response line", req.ToolID)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("decoding sandbox response for tool %s: %w", req.ToolID, err)
	}
	switch resp.Status {
	case StatusOK:
		return resp.Output, nil
	case StatusError:
		return nil, fmt.Errorf("sandbox tool %s failed: %s", req.ToolID, resp.Error)
	default:
		return nil, fmt.Errorf("sandbox tool %s returned unknown status %q", req.ToolID, resp.Status)
	}
}

// killContainer stops the container left behind by a timed-out run. Killing
// the docker client ends only the client process; the sandboxed tool keeps
// running until the daemon is told to stop it.
func (r *Runner) killContainer(container string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.execCommand(ctx, "docker", "kill", container).Run(); err != nil {
		log.Warn().Err(err).Str("container", container).Msg("sandbox_container_kill_failed")
	}
}

func (r *Runner) dockerArgs(container, scratch, toolID string) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", container,
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,nodev",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", fmt.Sprintf("%d", r.limits.PIDs),
		"--cpus", fmt.Sprintf("%.2f", r.limits.CPUs),
		"--memory", fmt.Sprintf("%dm", r.limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", r.limits.MemoryMB),
		"--network", r.network,
		"--user", r.user,
		"-v", fmt.Sprintf("%s:/project:ro", r.projectDir),
		"-v", fmt.Sprintf("%s:/scratch:rw", scratch),
		"-e", "AEGIS_SANDBOX=1",
	}
	if r.proxyURL != "" {
		args = append(args,
			"-e", "HTTP_PROXY="+r.proxyURL,
			"-e", "HTTPS_PROXY="+r.proxyURL,
		)
	}
	args = append(args, r.image, toolID)
	return args
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func combinedOutput(stderr, stdout *bytes.Buffer) string {
	out := strings.TrimSpace(stderr.String() + "\n" + stdout.String())
	if out == "" {
		return "(no output)"
	}
	return out
}
