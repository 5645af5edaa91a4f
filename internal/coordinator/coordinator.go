// Package coordinator implements the Session Coordinator: the per-request
// orchestration that parses an inbound generation request, builds or
// restores a Stage Machine over a Workspace, drives it to its next pause,
// completion, or failure point, and streams progress/diff/error events back
// to the caller while persisting checkpoints along the way.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/stagemachine"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// Coordinator drives one request/response turn of a code generation session.
type Coordinator struct {
	deps Dependencies
}

// New returns a Coordinator wired with deps.
func New(deps Dependencies) *Coordinator {
	return &Coordinator{deps: deps}
}

// Handle parses req, drives generation through exactly one turn (to the next
// review pause, completion, or failure), and returns a channel of Events.
// The channel receives zero or more running events followed by exactly one
// idle event, then is closed.
func (c *Coordinator) Handle(ctx context.Context, req *models.GenRequest) (<-chan *models.Event, error) {
	tmpl, ok := c.deps.Templates[req.Template]
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown template %q", req.Template)
	}

	settings, mode := parseSettings(req.Settings)
	graph := tmpl(c.deps, mode, settings)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.TraceID
	}

	ws := c.buildWorkspace(req)

	var seq uint64
	out := make(chan *models.Event, 32)

	emit := func(ev models.Event) {
		ev.SessionID = sessionID
		ev.Sequence = atomic.AddUint64(&seq, 1) - 1
		ev.Time = time.Now().UTC()
		if ev.Status == "" {
			ev.Status = models.StatusRunning
		}
		out <- &ev
		c.persistEvent(ctx, req.TraceID, ev)
	}

	onProgress := func(stage models.StageName, message string) {
		emit(models.Event{Kind: models.EventStageResult, Stage: stage, Message: message})
	}

	fresh := req.AgentState == nil
	var machine *stagemachine.Machine
	var err error
	if fresh {
		sctx := stagemachine.NewContext(ws, lastUserMessage(req))
		machine, err = stagemachine.New(sessionID, req.Template, mode, graph, models.StageDraft, sctx, onProgress)
	} else {
		machine, err = stagemachine.Restore(req.AgentState, graph, ws, onProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: build stage machine: %w", err)
	}

	go c.run(ctx, req, machine, ws, fresh, emit, out)

	return out, nil
}

// run drives the machine to completion and emits the turn's terminal idle
// event, always closing out on every exit path including panic.
func (c *Coordinator) run(ctx context.Context, req *models.GenRequest, m *stagemachine.Machine, ws *workspace.Workspace, fresh bool, emit func(models.Event), out chan *models.Event) {
	defer close(out)
	defer func() {
		if p := recover(); p != nil {
			emit(models.Event{Kind: models.EventRuntimeError, Status: models.StatusIdle, Error: fmt.Sprintf("panic: %v", p)})
		}
	}()

	c.persistCheckpoint(ctx, req.TraceID, "fsm_enter", m)

	if fresh {
		emit(models.Event{
			Kind:    models.EventDiff,
			Diff:    UnifiedDiff(nil, materializeFiles(ws)),
			AppName: slugifyAppName(lastUserMessage(req)),
		})
	}

	runErr := m.Run(ctx)

	c.persistCheckpoint(ctx, req.TraceID, "fsm_exit", m)

	final := c.terminalEvent(ctx, req, m, ws, runErr)
	final.Status = models.StatusIdle
	emit(final)
}

// terminalEvent builds the single idle-status event ending this turn,
// selected by where the machine stopped: a runtime error, the complete
// stage, the failure stage, or a review state awaiting an external event.
func (c *Coordinator) terminalEvent(ctx context.Context, req *models.GenRequest, m *stagemachine.Machine, ws *workspace.Workspace, runErr error) models.Event {
	if runErr != nil {
		return models.Event{Kind: models.EventRuntimeError, Stage: m.Current(), Error: runErr.Error()}
	}

	switch m.Current() {
	case models.StageComplete:
		diff := UnifiedDiff(filesMap(req.AllFiles), materializeFiles(ws))
		return models.Event{
			Kind:          models.EventDiff,
			Stage:         models.StageComplete,
			Diff:          diff,
			CommitMessage: c.generateCommitMessage(ctx, diff),
		}
	case models.StageFailure:
		return models.Event{Kind: models.EventRuntimeError, Stage: models.StageFailure, Error: m.Context().LastError}
	default:
		return models.Event{Kind: models.EventStageResult, Stage: m.Current(), Message: fmt.Sprintf("awaiting review at %s", m.Current())}
	}
}

func (c *Coordinator) buildWorkspace(req *models.GenRequest) *workspace.Workspace {
	ws := workspace.New(c.deps.BaseImage, c.deps.Permissions, c.deps.Executor)
	for _, f := range req.AllFiles {
		_ = ws.WriteFile(f.Path, f.Content)
	}
	for path, content := range req.SourceTree {
		_ = ws.WriteFile(path, content)
	}
	return ws
}

func (c *Coordinator) persistCheckpoint(ctx context.Context, traceID, key string, m *stagemachine.Machine) {
	if c.deps.Snapshots == nil {
		return
	}
	data, err := m.Dump().Serialize()
	if err != nil {
		return
	}
	_ = c.deps.Snapshots.Put(ctx, traceID, key, data)
}

func (c *Coordinator) persistEvent(ctx context.Context, traceID string, ev models.Event) {
	if c.deps.Snapshots == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.deps.Snapshots.Put(ctx, traceID, fmt.Sprintf("sse_events/%d", ev.Sequence), data)
}

var commitPromptTemplate = template.Must(template.New("commit_message").Parse(
	`Write a single-line, imperative-mood git commit message summarizing the diff below. Respond with only the commit message: no quotes, no trailing period, no preamble.

{{.Diff}}`))

// generateCommitMessage asks the LLM Gateway for a one-line commit message
// describing diff, falling back to a fixed message if the gateway is unset
// or the call fails.
func (c *Coordinator) generateCommitMessage(ctx context.Context, diff string) string {
	const fallback = "Update generated application"
	if c.deps.Gateway == nil || strings.TrimSpace(diff) == "" {
		return fallback
	}

	var prompt strings.Builder
	if err := commitPromptTemplate.Execute(&prompt, struct{ Diff string }{Diff: truncateForPrompt(diff, 6000)}); err != nil {
		return fallback
	}

	req := &llmgateway.Request{
		Model:     c.deps.CommitModel,
		System:    "You write concise git commit messages from unified diffs.",
		Messages:  []models.Turn{{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: prompt.String()}}}},
		MaxTokens: 64,
	}
	completion, err := c.deps.Gateway.Complete(ctx, c.deps.CommitProvider, req)
	if err != nil {
		return fallback
	}
	for _, b := range completion.Blocks {
		if b.Kind == models.BlockText && strings.TrimSpace(b.Text) != "" {
			return strings.TrimSpace(strings.SplitN(strings.TrimSpace(b.Text), "\n", 2)[0])
		}
	}
	return fallback
}

func truncateForPrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// materializeFiles reads every path the workspace currently reports (base
// image plus overlay, tombstones excluded) into a flat path->content map
// suitable for UnifiedDiff.
func materializeFiles(ws *workspace.Workspace) map[string]string {
	entries, err := ws.Ls("")
	if err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir || e.Tombstone {
			continue
		}
		content, err := ws.ReadFile(e.Path)
		if err != nil {
			continue
		}
		out[e.Path] = content
	}
	return out
}

func filesMap(entries []models.FileEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Path] = e.Content
	}
	return out
}

// lastUserMessage returns the most recent user turn's text, the source of a
// fresh session's initial prompt.
func lastUserMessage(req *models.GenRequest) string {
	for i := len(req.AllMessages) - 1; i >= 0; i-- {
		msg := req.AllMessages[i]
		if msg.Role != models.RoleUser {
			continue
		}
		if msg.Content != "" {
			return msg.Content
		}
		return firstBlockText(msg.Blocks)
	}
	return req.Prompt
}

func firstBlockText(blocks []models.Block) string {
	for _, b := range blocks {
		if b.Kind == models.BlockText {
			return b.Text
		}
	}
	return ""
}

// parseSettings reads the recognized settings keys (beam_width, max_depth,
// thinking_budget, interaction_mode) out of a request's raw settings map,
// falling back to the trpc template's documented defaults for anything
// absent or malformed.
func parseSettings(raw map[string]any) (stagemachine.Settings, models.InteractionMode) {
	s := stagemachine.TrpcSettings
	if raw != nil {
		if n, ok := toInt(raw["beam_width"]); ok {
			s.BeamWidth = n
		}
		if n, ok := toInt(raw["max_depth"]); ok {
			s.MaxDepth = n
		}
		if n, ok := toInt(raw["thinking_budget"]); ok {
			s.ThinkingBudget = n
		}
		if v, ok := raw["interaction_mode"].(string); ok {
			switch models.InteractionMode(v) {
			case models.InteractionNonInteractive, models.InteractionInteractive, models.InteractionTypespecOnly:
				s.InteractionMode = models.InteractionMode(v)
			}
		}
	}
	return s, s.InteractionMode
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// slugifyAppName derives a kebab-case app name from the first few words of
// prompt, grounded on the same character-class slugify shape genforge's
// agent-id slugifier uses.
func slugifyAppName(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 4 {
		words = words[:4]
	}
	s := strings.ToLower(strings.Join(words, " "))

	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			lastDash = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "generated-app"
	}
	return out
}
