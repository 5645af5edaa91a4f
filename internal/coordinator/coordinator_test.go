package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/stagemachine"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

type fakeExecutor struct{}

func (fakeExecutor) ReadBaseFile(path string) (string, error)      { return "", errors.New("not found") }
func (fakeExecutor) ListBaseFiles(prefix string) ([]string, error) { return nil, nil }
func (fakeExecutor) Exec(ctx context.Context, baseImage string, overlay map[string]*workspace.OverlayEntry, params workspace.ExecParams) (workspace.ExecResult, error) {
	return workspace.ExecResult{}, nil
}
func (fakeExecutor) ExecWithPostgres(ctx context.Context, baseImage string, overlay map[string]*workspace.OverlayEntry, params workspace.ExecParams) (workspace.ExecResult, error) {
	return workspace.ExecResult{}, nil
}

// solvingAgent always produces a terminal node writing path/content into a
// clone of the workspace it is handed, mirroring the stagemachine package's
// own test fixture.
type solvingAgent struct{ path, content string }

func (a solvingAgent) Execute(ctx context.Context, rootTurn models.Turn, base *workspace.Workspace) (*models.Node, *workspace.Workspace, error) {
	ws := base.Clone()
	if err := ws.WriteFile(a.path, a.content); err != nil {
		return nil, nil, err
	}
	return &models.Node{Terminal: true}, ws, nil
}

type failingAgent struct{}

func (failingAgent) Execute(ctx context.Context, rootTurn models.Turn, base *workspace.Workspace) (*models.Node, *workspace.Workspace, error) {
	return nil, nil, errors.New("search exhausted")
}

func buildInput(c *stagemachine.Context) models.Turn {
	return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: c.Prompt}}}
}

// fakeTemplate builds a minimal trpc-shaped graph out of solvingAgent
// fixtures, bypassing TrpcTemplate/LegacyTemplate so these tests exercise
// Coordinator's own orchestration rather than subagent.Agent's LLM loop.
func fakeTemplate(deps Dependencies, mode models.InteractionMode, settings stagemachine.Settings) map[models.StageName]*stagemachine.Stage {
	return stagemachine.BuildTrpcGraph(
		mode,
		solvingAgent{path: "draft.txt", content: "draft"},
		solvingAgent{path: "client/App.tsx", content: "app"},
		func(name string) stagemachine.SubAgent { return solvingAgent{path: "src/handlers/" + name + ".ts", content: "handler"} },
		buildInput, buildInput,
		func(c *stagemachine.Context, name string) models.Turn { return buildInput(c) },
	)
}

func failingTemplate(deps Dependencies, mode models.InteractionMode, settings stagemachine.Settings) map[models.StageName]*stagemachine.Stage {
	return stagemachine.BuildTrpcGraph(
		mode,
		failingAgent{},
		solvingAgent{path: "client/App.tsx", content: "app"},
		func(name string) stagemachine.SubAgent { return solvingAgent{path: "x.ts", content: "x"} },
		buildInput, buildInput,
		func(c *stagemachine.Context, name string) models.Turn { return buildInput(c) },
	)
}

func baseDeps(templates map[string]Template) Dependencies {
	return Dependencies{
		Executor:  fakeExecutor{},
		BaseImage: "base:latest",
		Snapshots: NewMemorySnapshotStore(),
		Templates: templates,
	}
}

func drain(t *testing.T, ch <-chan *models.Event) []*models.Event {
	t.Helper()
	var events []*models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
			return nil
		}
	}
}

func req(template string, messages []models.RequestMessage) *models.GenRequest {
	return &models.GenRequest{
		TraceID:     "trace-1",
		Template:    template,
		AllMessages: messages,
	}
}

func TestHandle_NonInteractiveRunsToCompleteWithDiffAndCommitMessage(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	c := New(deps)

	r := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	r.Settings = map[string]any{"interaction_mode": "non_interactive"}

	ch, err := c.Handle(context.Background(), r)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	events := drain(t, ch)
	if len(events) < 2 {
		t.Fatalf("expected at least an initial diff event and a terminal event, got %d", len(events))
	}

	first := events[0]
	if first.Kind != models.EventDiff || first.Status != models.StatusRunning {
		t.Fatalf("expected first event to be a running diff event, got %+v", first)
	}
	if first.AppName == "" {
		t.Fatal("expected first event to carry a generated app name")
	}

	last := events[len(events)-1]
	if last.Status != models.StatusIdle {
		t.Fatalf("expected last event to be idle, got %v", last.Status)
	}
	if last.Kind != models.EventDiff || last.Stage != models.StageComplete {
		t.Fatalf("expected terminal diff event at complete, got %+v", last)
	}
	if last.CommitMessage == "" {
		t.Fatal("expected a fallback commit message when no Gateway is configured")
	}

	for _, ev := range events[:len(events)-1] {
		if ev.Status != models.StatusRunning {
			t.Fatalf("expected every non-terminal event to be running, got %+v", ev)
		}
	}
}

func TestHandle_SequenceNumbersAreMonotonic(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	c := New(deps)

	r := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	ch, err := c.Handle(context.Background(), r)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	events := drain(t, ch)

	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not monotonic at index %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestHandle_InteractivePausesForReview(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	c := New(deps)

	r := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	r.Settings = map[string]any{"interaction_mode": "interactive"}

	ch, err := c.Handle(context.Background(), r)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Status != models.StatusIdle {
		t.Fatalf("expected idle terminal event, got %v", last.Status)
	}
	if last.Kind != models.EventStageResult || last.Stage != "draft_review" {
		t.Fatalf("expected terminal event to report the draft_review pause, got %+v", last)
	}
}

func TestHandle_FailurePathEmitsRuntimeErrorWithLastError(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": failingTemplate})
	c := New(deps)

	r := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	r.Settings = map[string]any{"interaction_mode": "non_interactive"}

	ch, err := c.Handle(context.Background(), r)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Status != models.StatusIdle || last.Kind != models.EventRuntimeError {
		t.Fatalf("expected idle runtime_error event, got %+v", last)
	}
	if last.Stage != models.StageFailure {
		t.Fatalf("expected failure stage, got %v", last.Stage)
	}
	if last.Error == "" {
		t.Fatal("expected the recorded error to be carried on the event")
	}
}

func TestHandle_UnknownTemplateErrors(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	c := New(deps)

	_, err := c.Handle(context.Background(), req("nonexistent", nil))
	if err == nil {
		t.Fatal("expected an error for an unregistered template")
	}
}

func TestHandle_RestoresFromCheckpointAndContinues(t *testing.T) {
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	c := New(deps)

	r1 := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	r1.Settings = map[string]any{"interaction_mode": "interactive"}
	ch1, err := c.Handle(context.Background(), r1)
	if err != nil {
		t.Fatalf("Handle (turn 1): %v", err)
	}
	events1 := drain(t, ch1)
	last1 := events1[len(events1)-1]
	if last1.Stage != "draft_review" {
		t.Fatalf("expected first turn to pause at draft_review, got %v", last1.Stage)
	}

	data, err := deps.Snapshots.Get(context.Background(), r1.TraceID, "fsm_exit")
	if err != nil || data == nil {
		t.Fatalf("expected an fsm_exit checkpoint to be persisted, err=%v", err)
	}
	cp, err := models.DeserializeCheckpoint(data)
	if err != nil {
		t.Fatalf("DeserializeCheckpoint: %v", err)
	}

	r2 := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "confirm"}})
	r2.AgentState = cp
	r2.Settings = map[string]any{"interaction_mode": "interactive"}
	ch2, err := c.Handle(context.Background(), r2)
	if err != nil {
		t.Fatalf("Handle (turn 2): %v", err)
	}
	events2 := drain(t, ch2)

	for _, ev := range events2 {
		if ev.Kind == models.EventDiff && ev.AppName != "" {
			t.Fatal("a restored session should not re-emit the fresh-session initial diff event")
		}
	}
	last2 := events2[len(events2)-1]
	if last2.Stage != "draft_review" {
		t.Fatalf("expected restored machine to still be at draft_review (no CONFIRM event sent), got %v", last2.Stage)
	}
}

func TestGenerateCommitMessage_FallsBackWithNilGateway(t *testing.T) {
	c := New(Dependencies{})
	msg := c.generateCommitMessage(context.Background(), "--- a\n+++ b\n")
	if msg != "Update generated application" {
		t.Fatalf("expected fallback commit message, got %q", msg)
	}
}

func TestGenerateCommitMessage_FallsBackOnEmptyDiff(t *testing.T) {
	c := New(Dependencies{Gateway: llmgateway.New(map[string]llmgateway.Provider{"fake": commitProvider{}})})
	msg := c.generateCommitMessage(context.Background(), "   ")
	if msg != "Update generated application" {
		t.Fatalf("expected fallback commit message for an empty diff, got %q", msg)
	}
}

func TestGenerateCommitMessage_UsesGatewayResponse(t *testing.T) {
	deps := Dependencies{
		Gateway:        llmgateway.New(map[string]llmgateway.Provider{"fake": commitProvider{}}),
		CommitProvider: "fake",
		CommitModel:    "test-model",
	}
	c := New(deps)
	msg := c.generateCommitMessage(context.Background(), "--- a\n+++ b\n@@\n-old\n+new\n")
	if msg != "Add new field" {
		t.Fatalf("expected the gateway's commit message, got %q", msg)
	}
}

func TestGenerateCommitMessage_FallsBackOnGatewayError(t *testing.T) {
	deps := Dependencies{
		Gateway:        llmgateway.New(map[string]llmgateway.Provider{"fake": erroringProvider{}}),
		CommitProvider: "fake",
	}
	c := New(deps)
	msg := c.generateCommitMessage(context.Background(), "--- a\n+++ b\n")
	if msg != "Update generated application" {
		t.Fatalf("expected fallback commit message on gateway error, got %q", msg)
	}
}

type commitProvider struct{}

func (commitProvider) Name() string { return "fake" }
func (commitProvider) Complete(ctx context.Context, r *llmgateway.Request) (*llmgateway.Completion, error) {
	return &llmgateway.Completion{Blocks: []models.Block{{Kind: models.BlockText, Text: "Add new field"}}}, nil
}

type erroringProvider struct{}

func (erroringProvider) Name() string { return "fake" }
func (erroringProvider) Complete(ctx context.Context, r *llmgateway.Request) (*llmgateway.Completion, error) {
	return nil, errors.New("provider unavailable")
}

func TestSlugifyAppName(t *testing.T) {
	cases := []struct{ prompt, want string }{
		{"Build a Notes App with reminders", "build-a-notes-app"},
		{"   ", "generated-app"},
		{"Track-Inventory!!", "track-inventory"},
	}
	for _, tc := range cases {
		if got := slugifyAppName(tc.prompt); got != tc.want {
			t.Errorf("slugifyAppName(%q) = %q, want %q", tc.prompt, got, tc.want)
		}
	}
}

func TestParseSettings_DefaultsAndOverrides(t *testing.T) {
	s, mode := parseSettings(nil)
	if mode != stagemachine.TrpcSettings.InteractionMode {
		t.Fatalf("expected default interaction mode, got %v", mode)
	}

	raw := map[string]any{
		"beam_width":       float64(7),
		"max_depth":        float64(3),
		"thinking_budget":  float64(1024),
		"interaction_mode": "typespec_only",
	}
	s, mode = parseSettings(raw)
	if s.BeamWidth != 7 || s.MaxDepth != 3 || s.ThinkingBudget != 1024 {
		t.Fatalf("expected overrides to apply, got %+v", s)
	}
	if mode != models.InteractionTypespecOnly {
		t.Fatalf("expected typespec_only mode, got %v", mode)
	}

	// an unrecognized interaction_mode value is ignored, keeping the default
	s, mode = parseSettings(map[string]any{"interaction_mode": "bogus"})
	if mode != stagemachine.TrpcSettings.InteractionMode {
		t.Fatalf("expected unrecognized interaction_mode to be ignored, got %v", mode)
	}
}

func TestMaterializeFilesAndFilesMap(t *testing.T) {
	ws := workspace.New("base:latest", workspace.Permissions{}, fakeExecutor{})
	if err := ws.WriteFile("a.txt", "hello"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	files := materializeFiles(ws)
	if files["a.txt"] != "hello" {
		t.Fatalf("expected materializeFiles to surface a.txt, got %+v", files)
	}

	entries := []models.FileEntry{{Path: "b.txt", Content: "world"}}
	m := filesMap(entries)
	if m["b.txt"] != "world" {
		t.Fatalf("expected filesMap to carry entries through, got %+v", m)
	}
}

func TestLastUserMessage_PrefersMostRecentUserTurn(t *testing.T) {
	r := &models.GenRequest{
		AllMessages: []models.RequestMessage{
			{Role: models.RoleUser, Content: "first"},
			{Role: models.RoleAssistant, Content: "ack"},
			{Role: models.RoleUser, Content: "second"},
		},
	}
	if got := lastUserMessage(r); got != "second" {
		t.Fatalf("expected most recent user message, got %q", got)
	}
}

func TestPersistEvent_RoundTripsThroughSnapshotStore(t *testing.T) {
	store := NewMemorySnapshotStore()
	deps := baseDeps(map[string]Template{"fake": fakeTemplate})
	deps.Snapshots = store
	c := New(deps)

	r := req("fake", []models.RequestMessage{{Role: models.RoleUser, Content: "build a notes app"}})
	r.Settings = map[string]any{"interaction_mode": "non_interactive"}
	ch, err := c.Handle(context.Background(), r)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	events := drain(t, ch)

	data, err := store.Get(context.Background(), r.TraceID, "sse_events/0")
	if err != nil || data == nil {
		t.Fatalf("expected the first event to be persisted under sse_events/0, err=%v", err)
	}
	var persisted models.Event
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("Unmarshal persisted event: %v", err)
	}
	if persisted.Kind != events[0].Kind {
		t.Fatalf("persisted event kind %v does not match emitted event kind %v", persisted.Kind, events[0].Kind)
	}
}
