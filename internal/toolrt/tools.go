package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/appforge/genforge/internal/workspace"
)

// FileTools builds the read/write/edit/delete/ls tool set bound to ws.
func FileTools(ws *workspace.Workspace) []Tool {
	return []Tool{
		&readFileTool{ws: ws},
		&writeFileTool{ws: ws},
		&editFileTool{ws: ws},
		&deleteFileTool{ws: ws},
		&lsTool{ws: ws},
	}
}

// ExecTools builds the exec/exec_mut/exec_with_pg tool set bound to ws.
func ExecTools(ws *workspace.Workspace) []Tool {
	return []Tool{
		&execTool{ws: ws},
		&execMutTool{ws: ws},
		&execWithPgTool{ws: ws},
	}
}

type readFileTool struct{ ws *workspace.Workspace }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read the content of a file in the workspace." }
func (t *readFileTool) Schema() string {
	return `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
}
func (t *readFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct{ Path string `json:"path"` }
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	content, err := t.ws.ReadFile(args.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: content}, nil
}

type writeFileTool struct{ ws *workspace.Workspace }

func (t *writeFileTool) Name() string        { return "write_file" }
func (t *writeFileTool) Description() string { return "Create or overwrite a file in the workspace." }
func (t *writeFileTool) Schema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`
}
func (t *writeFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := t.ws.WriteFile(args.Path, args.Content); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}, nil
}

type editFileTool struct{ ws *workspace.Workspace }

func (t *editFileTool) Name() string        { return "edit_file" }
func (t *editFileTool) Description() string { return "Replace an exact substring of a file's content." }
func (t *editFileTool) Schema() string {
	return `{"type":"object","properties":{"path":{"type":"string"},"search":{"type":"string"},"replace":{"type":"string"},"replace_all":{"type":"boolean"}},"required":["path","search","replace"]}`
}
func (t *editFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct {
		Path       string `json:"path"`
		Search     string `json:"search"`
		Replace    string `json:"replace"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := t.ws.EditFile(args.Path, args.Search, args.Replace, args.ReplaceAll); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("applied edit to %s", args.Path)}, nil
}

type deleteFileTool struct{ ws *workspace.Workspace }

func (t *deleteFileTool) Name() string        { return "delete_file" }
func (t *deleteFileTool) Description() string { return "Delete a file from the workspace." }
func (t *deleteFileTool) Schema() string {
	return `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
}
func (t *deleteFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct{ Path string `json:"path"` }
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if err := t.ws.DeleteFile(args.Path); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: "deleted " + args.Path}, nil
}

type lsTool struct{ ws *workspace.Workspace }

func (t *lsTool) Name() string        { return "ls" }
func (t *lsTool) Description() string { return "List files under a path prefix in the workspace." }
func (t *lsTool) Schema() string {
	return `{"type":"object","properties":{"prefix":{"type":"string"}}}`
}
func (t *lsTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct{ Prefix string `json:"prefix"` }
	_ = json.Unmarshal(input, &args)
	entries, err := t.ws.Ls(args.Prefix)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	data, _ := json.Marshal(entries)
	return &Result{Content: string(data)}, nil
}

type execTool struct{ ws *workspace.Workspace }

func (t *execTool) Name() string        { return "exec" }
func (t *execTool) Description() string { return "Run a read-only command against the workspace inside an isolated container." }
func (t *execTool) Schema() string {
	return `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"},"timeout_seconds":{"type":"integer"}},"required":["command"]}`
}
func (t *execTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	return runExec(ctx, t.ws, input, false)
}

type execMutTool struct{ ws *workspace.Workspace }

func (t *execMutTool) Name() string        { return "exec_mut" }
func (t *execMutTool) Description() string { return "Run a command that may mutate the workspace's files (e.g. a codegen tool or package install)." }
func (t *execMutTool) Schema() string {
	return `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"},"timeout_seconds":{"type":"integer"}},"required":["command"]}`
}
func (t *execMutTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	return runExec(ctx, t.ws, input, true)
}

func runExec(ctx context.Context, ws *workspace.Workspace, input json.RawMessage, mutates bool) (*Result, error) {
	var args struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	timeout := 60 * time.Second
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	params := workspace.ExecParams{Command: args.Command, Cwd: args.Cwd, Timeout: timeout}

	var (
		res ExecOutcome
		err error
	)
	if mutates {
		r, e := ws.ExecMut(ctx, params)
		res, err = ExecOutcome(r), e
	} else {
		r, e := ws.Exec(ctx, params)
		res, err = ExecOutcome(r), e
	}
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return res.toResult(), nil
}

type execWithPgTool struct{ ws *workspace.Workspace }

func (t *execWithPgTool) Name() string        { return "exec_with_pg" }
func (t *execWithPgTool) Description() string { return "Run a command against a transient Postgres instance (e.g. a schema push), torn down on return." }
func (t *execWithPgTool) Schema() string {
	return `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"},"timeout_seconds":{"type":"integer"}},"required":["command"]}`
}
func (t *execWithPgTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	timeout := 120 * time.Second
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	res, err := t.ws.ExecWithPostgres(ctx, workspace.ExecParams{Command: args.Command, Cwd: args.Cwd, Timeout: timeout})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return ExecOutcome(res).toResult(), nil
}

// ExecOutcome adapts a workspace.ExecResult into a tool Result.
type ExecOutcome workspace.ExecResult

func (r ExecOutcome) toResult() *Result {
	isError := r.ExitCode != 0 || r.Error != ""
	content := fmt.Sprintf("exit code: %d\nstdout:\n%s\nstderr:\n%s", r.ExitCode, r.Stdout, r.Stderr)
	if r.Error != "" {
		content += "\nerror: " + r.Error
	}
	return &Result{Content: content, IsError: isError}
}

// CompleteTool signals that the sub-agent considers its task finished. A
// single instance is shared across a beam search's concurrently-expanding
// sibling candidates, so its state is mutex-guarded.
type CompleteTool struct {
	mu       sync.Mutex
	signaled bool
	summary  string
}

func (t *CompleteTool) Name() string        { return "complete" }
func (t *CompleteTool) Description() string { return "Signal that the task is finished." }
func (t *CompleteTool) Schema() string {
	return `{"type":"object","properties":{"summary":{"type":"string"}}}`
}
func (t *CompleteTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct{ Summary string `json:"summary"` }
	_ = json.Unmarshal(input, &args)
	t.mu.Lock()
	t.signaled = true
	t.summary = args.Summary
	t.mu.Unlock()
	return &Result{Content: "marked complete"}, nil
}

// Signaled reports whether any candidate has invoked complete, and the
// summary text from the most recent call.
func (t *CompleteTool) Signaled() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaled, t.summary
}
