package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/appforge/genforge/internal/observability"
)

// tracer wraps every exec call in a span via the shared observability.Tracer
// rather than a bare otel.Tracer, so the OTLP endpoint/sampling config in
// TraceConfig applies here the same way it does in cmd/genforge.
var tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "genforge-workspace"})

// ExecParams configures a single command execution inside a Workspace's
// container.
type ExecParams struct {
	Command        string
	Cwd            string
	Env            map[string]string
	Timeout        time.Duration
	CPUMillicores   int
	MemoryMB       int
	NetworkEnabled bool
	Mutates        bool // exec_mut: materialize the overlay before running, capture overlay deltas after
}

// ExecResult is the outcome of a container exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Timeout  bool
	Error    string
}

// Executor is the container backend a Workspace delegates reads, listings,
// and command execution to. Production code is backed by dockerExecutor;
// tests use an in-memory fake.
type Executor interface {
	ReadBaseFile(path string) (string, error)
	ListBaseFiles(prefix string) ([]string, error)
	Exec(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error)
	ExecWithPostgres(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error)
}

// Exec runs a read-only command against the Workspace's current overlay
// materialized atop its base image, inside an isolated container.
func (w *Workspace) Exec(ctx context.Context, params ExecParams) (ExecResult, error) {
	ctx, span := tracer.TraceToolExecution(ctx, "workspace.exec")
	defer span.End()
	tracer.SetAttributes(span, "workspace.id", w.id, "workspace.mutates", params.Mutates)

	w.mu.RLock()
	overlay := cloneOverlay(w.overlay)
	base := w.baseImage
	w.mu.RUnlock()

	result, err := w.exec.Exec(ctx, base, overlay, params)
	tracer.RecordError(span, err)
	if params.Mutates && err == nil {
		w.mu.Lock()
		for k, v := range overlay {
			w.overlay[k] = v
		}
		w.mu.Unlock()
	}
	return result, err
}

// ExecMut runs a command that is allowed to mutate the overlay (e.g.
// `npm install`, a code generator): the overlay is materialized, the command
// runs, and the resulting file tree is diffed back into the overlay.
func (w *Workspace) ExecMut(ctx context.Context, params ExecParams) (ExecResult, error) {
	params.Mutates = true
	return w.Exec(ctx, params)
}

// ExecWithPostgres runs a command against a transient Postgres instance,
// torn down unconditionally when the call returns (including on panic or
// context cancellation).
func (w *Workspace) ExecWithPostgres(ctx context.Context, params ExecParams) (ExecResult, error) {
	ctx, span := tracer.TraceDatabaseQuery(ctx, "exec", "postgres")
	defer span.End()
	tracer.SetAttributes(span, "workspace.id", w.id)

	w.mu.RLock()
	overlay := cloneOverlay(w.overlay)
	base := w.baseImage
	w.mu.RUnlock()

	result, err := w.exec.ExecWithPostgres(ctx, base, overlay, params)
	tracer.RecordError(span, err)
	return result, err
}

func cloneOverlay(overlay map[string]*OverlayEntry) map[string]*OverlayEntry {
	cp := make(map[string]*OverlayEntry, len(overlay))
	for k, v := range overlay {
		entry := *v
		cp[k] = &entry
	}
	return cp
}

// DockerExecutor is the production Executor backend. It shells out to the
// `docker` CLI exactly as the teacher's sandbox backend does: `docker run
// --rm` with resource limits and network isolation by default, or a
// create/cp/start/rm sequence when the overlay must be materialized into a
// fresh container filesystem rather than bind-mounted.
type DockerExecutor struct {
	BaseDir string // host directory holding the expanded base image content, read-only
	Image   string
}

// NewDockerExecutor returns a DockerExecutor rooted at baseDir using image.
func NewDockerExecutor(baseDir, image string) *DockerExecutor {
	return &DockerExecutor{BaseDir: baseDir, Image: image}
}

func (d *DockerExecutor) ReadBaseFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.BaseDir, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *DockerExecutor) ListBaseFiles(prefix string) ([]string, error) {
	root := filepath.Join(d.BaseDir, prefix)
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.BaseDir, p)
		if err != nil {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DockerExecutor) Exec(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error) {
	work, cleanup, err := materialize(d.BaseDir, overlay)
	if err != nil {
		return ExecResult{}, err
	}
	defer cleanup()

	runCtx := ctx
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	args := []string{"run", "--rm"}
	args = append(args, baseDockerArgs(params)...)
	for k, v := range params.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, "-v", fmt.Sprintf("%s:/workspace:rw", work), "-w", "/workspace")
	args = append(args, d.Image)
	args = append(args, "sh", "-c", params.Command)

	result, runErr := runDockerCommand(runCtx, args)
	if params.Mutates && runErr == nil {
		if derr := collectMutations(work, overlay); derr != nil {
			return result, derr
		}
	}
	return result, runErr
}

// ExecWithPostgres is implemented by the higher-level postgres.go helper
// that wraps testcontainers-go; this method exists so DockerExecutor
// satisfies Executor when Postgres support isn't wired (exec_with_pg is
// only reachable through the validator suite's schema-push check, which
// always uses PostgresExecutor below).
func (d *DockerExecutor) ExecWithPostgres(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error) {
	return ExecResult{}, errors.New("workspace: exec_with_pg requires a PostgresExecutor wrapper")
}

func baseDockerArgs(params ExecParams) []string {
	args := []string{}
	if !params.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	cpu := params.CPUMillicores
	if cpu == 0 {
		cpu = 1000
	}
	mem := params.MemoryMB
	if mem == 0 {
		mem = 512
	}
	args = append(args,
		"--cpus", fmt.Sprintf("%.2f", float64(cpu)/1000.0),
		"--memory", fmt.Sprintf("%dm", mem),
		"--memory-swap", fmt.Sprintf("%dm", mem),
		"--pids-limit", "200",
		"--ulimit", "nofile=2048:2048",
	)
	return args
}

func runDockerCommand(ctx context.Context, args []string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case ctx.Err() == context.DeadlineExceeded:
			result.Timeout = true
			result.Error = "execution timeout"
		default:
			result.Error = err.Error()
		}
	}
	return result, nil
}

// materialize copies baseDir plus the overlay into a fresh temp directory so
// a command can run against a normal filesystem view of the Workspace.
func materialize(baseDir string, overlay map[string]*OverlayEntry) (dir string, cleanup func(), err error) {
	tmp, err := os.MkdirTemp("", "genforge-ws-*")
	if err != nil {
		return "", nil, fmt.Errorf("materialize workspace: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(tmp) }

	if baseDir != "" {
		if err := copyTree(baseDir, tmp); err != nil {
			cleanup()
			return "", nil, err
		}
	}
	for p, entry := range overlay {
		dest := filepath.Join(tmp, filepath.FromSlash(p))
		if entry.Tombstone {
			_ = os.Remove(dest)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			cleanup()
			return "", nil, err
		}
		if err := os.WriteFile(dest, []byte(entry.Content), 0o644); err != nil {
			cleanup()
			return "", nil, err
		}
	}
	return tmp, cleanup, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// collectMutations walks the materialized tree after an exec_mut call and
// folds any changes back into the overlay map in place.
func collectMutations(work string, overlay map[string]*OverlayEntry) error {
	return filepath.Walk(work, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(work, p)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		overlay[key] = &OverlayEntry{Content: string(data)}
		return nil
	})
}
