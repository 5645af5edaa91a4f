package stagemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appforge/genforge/internal/observability"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// tracer wraps every stage invocation in a span so a request's progression
// through a stage graph shows up alongside the LLM Gateway and Workspace
// spans the same OTLP endpoint collects.
var tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "genforge-stagemachine"})

// SubAgent is implemented by a sub-agent capable of driving a single stage
// to completion. subagent.Agent satisfies this directly.
type SubAgent interface {
	Execute(ctx context.Context, rootTurn models.Turn, baseWorkspace *workspace.Workspace) (*models.Node, *workspace.Workspace, error)
}

// Context carries state across stage invocations: the live Workspace, the
// running artifact set (typespec text, drizzle schema, handler sources,
// ...), and the error recorded on an on_error transition.
type Context struct {
	mu sync.Mutex

	Workspace *workspace.Workspace
	Prompt    string
	Artifacts map[string]string
	Handlers  []string // names of handler functions to process, populated by the typescript stage
	LastError string
}

// NewContext seeds a Context for a fresh session.
func NewContext(ws *workspace.Workspace, prompt string) *Context {
	return &Context{Workspace: ws, Prompt: prompt, Artifacts: map[string]string{}}
}

func (c *Context) SetArtifact(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Artifacts[name] = value
}

func (c *Context) Artifact(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.Artifacts[name]
	return v, ok
}

func (c *Context) dump() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	artifacts := make(map[string]any, len(c.Artifacts))
	for k, v := range c.Artifacts {
		artifacts[k] = v
	}
	return map[string]any{
		"prompt":     c.Prompt,
		"artifacts":  artifacts,
		"handlers":   c.Handlers,
		"last_error": c.LastError,
	}
}

// Invocation is the invoke block of a work state. Run drives whatever
// sub-agent work the stage needs (a single candidate search for most
// stages, N concurrent per-handler searches for the handlers stage) and
// folds the result back into sctx itself, mutating sctx.Workspace and its
// artifacts on success. OnError additionally records diagnostic state when
// Run fails.
type Invocation struct {
	Run     func(ctx context.Context, sctx *Context) error
	OnError func(c *Context, err error)
}

// Stage is one node in the graph: either a work state with an Invocation and
// a single on_done target, or a pure transition state (review/complete/
// failure) with an event-keyed transition table.
type Stage struct {
	Name   models.StageName
	Invoke *Invocation

	// OnDoneTarget is where a successful invoke moves the machine.
	OnDoneTarget models.StageName
	// OnErrorTarget is where a failed invoke moves the machine. Empty
	// defaults to StageFailure.
	OnErrorTarget models.StageName

	// Transitions maps event type strings ("CONFIRM", "REVISE_draft", ...)
	// to a target stage, for transition-only states. A transition may carry
	// an Action that folds event payload into the context before the move.
	Transitions map[string]Transition
}

// Transition is one event-triggered edge out of a transition-only stage.
type Transition struct {
	Target models.StageName
	Action func(c *Context, payload any) error
}

// ErrNoActiveSession is returned by operations that require a started
// Machine.
var ErrNoActiveSession = fmt.Errorf("stagemachine: no active session")

// ErrUnknownStage is returned when a graph references a stage that was
// never registered.
type ErrUnknownStage models.StageName

func (e ErrUnknownStage) Error() string { return fmt.Sprintf("stagemachine: unknown stage %q", string(e)) }

// Machine is a hierarchical stage graph bound to one session. Not safe for
// concurrent Advance/SendEvent calls from more than one goroutine; the
// Session Coordinator serializes access per session.
type Machine struct {
	mu sync.Mutex

	sessionID string
	template  string
	mode      models.InteractionMode
	graph     map[models.StageName]*Stage
	stackPath []models.StageName
	sctx      *Context
	createdAt time.Time

	onProgress func(stage models.StageName, message string)
}

// New builds a Machine over graph, rooted at root, for the given session.
// template identifies the registered template the graph came from (e.g.
// "trpc", "legacy") and is only used to label trace spans. onProgress, if
// non-nil, is called before and after every invoke with a human-readable
// progress message (the source of StageResult events).
func New(sessionID, template string, mode models.InteractionMode, graph map[models.StageName]*Stage, root models.StageName, sctx *Context, onProgress func(models.StageName, string)) (*Machine, error) {
	if _, ok := graph[root]; !ok {
		return nil, ErrUnknownStage(root)
	}
	return &Machine{
		sessionID:  sessionID,
		template:   template,
		mode:       mode,
		graph:      graph,
		stackPath:  []models.StageName{root},
		sctx:       sctx,
		createdAt:  time.Now(),
		onProgress: onProgress,
	}, nil
}

// Current returns the stage at the top of the stack.
func (m *Machine) Current() models.StageName {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stackPath[len(m.stackPath)-1]
}

// Context returns the machine's session context, for callers (the Session
// Coordinator) that need to read artifacts or the last recorded error after
// a Run call returns.
func (m *Machine) Context() *Context {
	return m.sctx
}

// Run drives the machine forward from its current stage: invoking work
// states and folding their results, stopping at a review state awaiting an
// external event, or at complete/failure.
func (m *Machine) Run(ctx context.Context) error {
	for {
		stage, ok := m.currentStage()
		if !ok {
			return ErrUnknownStage(m.Current())
		}
		if stage.Invoke == nil {
			return nil // review, complete, or failure: awaits an external event or is terminal
		}
		if err := m.runInvoke(ctx, stage); err != nil {
			return err
		}
	}
}

func (m *Machine) currentStage() (*Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.graph[m.stackPath[len(m.stackPath)-1]]
	return s, ok
}

func (m *Machine) runInvoke(ctx context.Context, stage *Stage) error {
	inv := stage.Invoke
	m.progress(stage.Name, fmt.Sprintf("running %s", stage.Name))

	ctx, span := tracer.TraceStageTransition(ctx, m.template, string(stage.Name), m.sessionID)
	err := inv.Run(ctx, m.sctx)
	tracer.RecordError(span, err)
	span.End()
	if err != nil {
		return m.transitionOnError(stage, inv, err)
	}

	m.progress(stage.Name, fmt.Sprintf("%s complete", stage.Name))
	return m.move(stage.OnDoneTarget)
}

func (m *Machine) transitionOnError(stage *Stage, inv *Invocation, cause error) error {
	if inv.OnError != nil {
		inv.OnError(m.sctx, cause)
	}
	m.sctx.LastError = cause.Error()
	target := stage.OnErrorTarget
	if target == "" {
		target = models.StageFailure
	}
	m.progress(stage.Name, fmt.Sprintf("%s failed: %v", stage.Name, cause))
	return m.move(target)
}

func (m *Machine) move(target models.StageName) error {
	if _, ok := m.graph[target]; !ok {
		return ErrUnknownStage(target)
	}
	m.mu.Lock()
	m.stackPath = append(m.stackPath, target)
	m.mu.Unlock()
	return nil
}

func (m *Machine) progress(stage models.StageName, msg string) {
	if m.onProgress != nil {
		m.onProgress(stage, msg)
	}
}

// SendEvent delivers an external event (CONFIRM, REVISE_<stage>, ...) to the
// stage at the top of the stack. Unknown events are ignored, per the
// machine's on-external-event semantics. When the event carries a
// transition to a work state, Run is invoked again afterward by the caller.
func (m *Machine) SendEvent(eventType string, payload any) error {
	stage, ok := m.currentStage()
	if !ok {
		return ErrUnknownStage(m.Current())
	}
	t, ok := stage.Transitions[eventType]
	if !ok {
		return nil // unknown events are ignored
	}
	if t.Action != nil {
		if err := t.Action(m.sctx, payload); err != nil {
			return err
		}
	}
	return m.move(t.Target)
}

// Dump serializes the machine to a checkpoint. The live Workspace is not
// part of the checkpoint; the caller (Session Coordinator) is responsible
// for persisting and re-attaching workspace state across a restore.
func (m *Machine) Dump() *models.StageCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.StageCheckpoint{
		Version:      1,
		SessionID:    m.sessionID,
		StackPath:    append([]models.StageName(nil), m.stackPath...),
		Current:      m.stackPath[len(m.stackPath)-1],
		Mode:         m.mode,
		Context:      m.sctx.dump(),
		LastError:    m.sctx.LastError,
		CreatedAt:    m.createdAt,
		CheckpointAt: time.Now(),
	}
}

// Restore rebuilds a Machine from a checkpoint over graph, reattaching ws as
// the live Workspace (the Session Coordinator loads this from its own
// snapshot store).
func Restore(cp *models.StageCheckpoint, graph map[models.StageName]*Stage, ws *workspace.Workspace, onProgress func(models.StageName, string)) (*Machine, error) {
	if len(cp.StackPath) == 0 {
		return nil, fmt.Errorf("stagemachine: checkpoint has empty stack_path")
	}
	for _, s := range cp.StackPath {
		if _, ok := graph[s]; !ok {
			return nil, ErrUnknownStage(s)
		}
	}

	sctx := &Context{Workspace: ws, Artifacts: map[string]string{}}
	if cp.Context != nil {
		if prompt, ok := cp.Context["prompt"].(string); ok {
			sctx.Prompt = prompt
		}
		if artifacts, ok := cp.Context["artifacts"].(map[string]any); ok {
			for k, v := range artifacts {
				if s, ok := v.(string); ok {
					sctx.Artifacts[k] = s
				}
			}
		}
		if handlers, ok := cp.Context["handlers"].([]any); ok {
			for _, h := range handlers {
				if s, ok := h.(string); ok {
					sctx.Handlers = append(sctx.Handlers, s)
				}
			}
		}
	}
	sctx.LastError = cp.LastError

	return &Machine{
		sessionID:  cp.SessionID,
		mode:       cp.Mode,
		graph:      graph,
		stackPath:  append([]models.StageName(nil), cp.StackPath...),
		sctx:       sctx,
		createdAt:  cp.CreatedAt,
		onProgress: onProgress,
	}, nil
}
