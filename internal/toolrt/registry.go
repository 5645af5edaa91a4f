// Package toolrt implements the fixed tool vocabulary every sub-agent
// candidate drives: read/write/edit/delete against a Workspace plus
// exec/exec_mut/exec_with_pg and a terminal complete signal, with optional
// per-sub-agent custom tools layered on top.
package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/appforge/genforge/pkg/models"
)

// Tool parameter limits, mirrored from the teacher's resource-exhaustion
// guards.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Tool is one entry in a Registry's fixed vocabulary.
type Tool interface {
	Name() string
	Description() string
	Schema() string // raw JSON Schema document
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Result is the outcome of one tool invocation.
type Result struct {
	Content string
	IsError bool
}

// Registry is a thread-safe set of tools available to a sub-agent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema map[string]*jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		schema: make(map[string]*jsonschema.Schema),
	}
}

// Register adds tool to the registry, compiling its declared JSON Schema so
// Execute can validate input before dispatch. A compile failure is a
// programmer error and panics, mirroring registration-time validation
// elsewhere in the stack (the Orchestrator panics on bad static config at
// construction time in the same spirit).
func (r *Registry) Register(tool Tool) {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		panic(fmt.Sprintf("toolrt: tool %q has invalid schema: %v", tool.Name(), err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schema[tool.Name()] = compiled
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	if raw == "" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// AsLLMTools returns the registered tools for inclusion in an LLM request.
func (r *Registry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute validates name/size, validates input against the tool's compiled
// schema, then dispatches — matching the teacher's ToolRegistry.Execute
// name/size-check-then-dispatch shape.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (res *Result, err error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schema[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if schema != nil {
		if verr := validateInput(schema, params); verr != nil {
			return &Result{Content: fmt.Sprintf("invalid input for tool %s: %v", name, verr), IsError: true}, nil
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res = &Result{Content: fmt.Sprintf("tool %s panicked: %v", name, p), IsError: true}
			err = nil
		}
	}()

	return tool.Execute(ctx, params)
}

func validateInput(schema *jsonschema.Schema, params json.RawMessage) error {
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// DispatchToolUse runs one ToolUseBlock against the registry and wraps the
// result into the matching ToolResultBlk, preserving strict one-result-per-
// tool-use ordering when called in a loop over a turn's tool-use blocks.
func (r *Registry) DispatchToolUse(ctx context.Context, use *models.ToolUseBlock) models.Block {
	result, err := r.Execute(ctx, use.Name, use.Input)
	if err != nil {
		result = &Result{Content: err.Error(), IsError: true}
	}
	return models.Block{
		Kind: models.BlockToolResult,
		ToolResult: &models.ToolResultBlk{
			ToolUseID: use.ID,
			Content:   result.Content,
			IsError:   result.IsError,
		},
	}
}

// ContinueOrCompleteNudge is the synthetic message appended when a turn
// produced text but no tool use and no completion signal, nudging the model
// to either keep working or call the complete tool.
const ContinueOrCompleteNudge = "Continue working on the task, or call complete if you are finished."
