package toolrt

import (
	"context"
	"encoding/json"
	"testing"
)

type echoTool struct{ calls int }

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes input" }
func (t *echoTool) Schema() string {
	return `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`
}
func (t *echoTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	t.calls++
	var args struct{ Text string `json:"text"` }
	_ = json.Unmarshal(input, &args)
	return &Result{Content: args.Text}, nil
}

func TestRegistry_ExecuteDispatchesToRegisteredTool(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{}
	r.Register(tool)

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != "hi" {
		t.Errorf("result = %+v, want content=hi isError=false", res)
	}
	if tool.calls != 1 {
		t.Errorf("calls = %d, want 1", tool.calls)
	}
}

func TestRegistry_ExecuteRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected schema validation error for missing required field")
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for unknown tool")
	}
}

type panicTool struct{}

func (t *panicTool) Name() string                                                            { return "boom" }
func (t *panicTool) Description() string                                                     { return "panics" }
func (t *panicTool) Schema() string                                                          { return "" }
func (t *panicTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) { panic("boom") }

func TestRegistry_ExecuteRecoversFromPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&panicTool{})

	res, err := r.Execute(context.Background(), "boom", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected panic to be converted into an error result")
	}
}
