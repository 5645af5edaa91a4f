package stagemachine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// Settings is a template's tunable sub-agent defaults.
type Settings struct {
	BeamWidth       int
	MaxDepth        int
	InteractionMode models.InteractionMode
	ThinkingBudget  int
}

// TrpcSettings is the trpc template's documented defaults. Other templates
// may register their own Settings as they're added; nothing in the machine
// itself depends on these values beyond what a SubAgent's own construction
// reads from them.
var TrpcSettings = Settings{
	BeamWidth:       3,
	MaxDepth:        8,
	InteractionMode: models.InteractionInteractive,
	ThinkingBudget:  0,
}

// singleAgentRun wraps one SubAgent.Execute call as an Invocation.Run,
// folding the resulting node/workspace back into sctx on a terminal
// solution.
func singleAgentRun(agent SubAgent, buildInput func(*Context) models.Turn, onDone func(*Context, *models.Node, *workspace.Workspace) error) func(ctx context.Context, sctx *Context) error {
	return func(ctx context.Context, sctx *Context) error {
		turn := buildInput(sctx)
		node, ws, err := agent.Execute(ctx, turn, sctx.Workspace)
		if err != nil {
			return err
		}
		if node == nil || !node.Terminal {
			return fmt.Errorf("stagemachine: sub-agent produced no terminal solution")
		}
		if onDone != nil {
			if err := onDone(sctx, node, ws); err != nil {
				return err
			}
		}
		sctx.Workspace = ws
		return nil
	}
}

// handlersRun drives one sub-agent per name in sctx.Handlers concurrently,
// each against its own clone of the stage's base workspace, and merges
// every candidate's file changes back onto sctx.Workspace. This is the
// "handlers sub-agent processes N handlers concurrently" fan-out.
func handlersRun(agentFor func(handlerName string) SubAgent, buildInput func(sctx *Context, handlerName string) models.Turn) func(ctx context.Context, sctx *Context) error {
	return func(ctx context.Context, sctx *Context) error {
		names := sctx.Handlers
		if len(names) == 0 {
			return nil
		}

		baseSnapshot := sctx.Workspace.OverlaySnapshot()
		results := make([]*workspace.Workspace, len(names))

		group, gctx := errgroup.WithContext(ctx)
		for i, name := range names {
			idx, handlerName := i, name
			group.Go(func() error {
				agent := agentFor(handlerName)
				turn := buildInput(sctx, handlerName)
				node, ws, err := agent.Execute(gctx, turn, sctx.Workspace.Clone())
				if err != nil {
					return fmt.Errorf("handler %s: %w", handlerName, err)
				}
				if node == nil || !node.Terminal {
					return fmt.Errorf("handler %s: sub-agent produced no terminal solution", handlerName)
				}
				results[idx] = ws
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		for _, ws := range results {
			mergeOverlay(sctx.Workspace, baseSnapshot, ws)
		}
		return nil
	}
}

// mergeOverlay applies every path in src that changed relative to base onto
// dst, via the public WriteFile/DeleteFile surface (dst's overlay internals
// stay private to the workspace package).
func mergeOverlay(dst *workspace.Workspace, base map[string]workspace.OverlayEntry, src *workspace.Workspace) {
	for path, entry := range src.OverlaySnapshot() {
		if orig, ok := base[path]; ok && orig == entry {
			continue
		}
		if entry.Tombstone {
			_ = dst.DeleteFile(path)
			continue
		}
		_ = dst.WriteFile(path, entry.Content)
	}
}

// reviewStage builds a transition-only review state sitting between a work
// state and its successor in interactive mode: CONFIRM advances to next,
// REVISE_<stage> folds feedback into the named artifact and loops back to
// rerun.
func reviewStage(name models.StageName, next, rework models.StageName, reviseEvent, artifact string) *Stage {
	return &Stage{
		Name: name,
		Transitions: map[string]Transition{
			"CONFIRM": {Target: next},
			reviseEvent: {
				Target: rework,
				Action: func(c *Context, payload any) error {
					feedback, _ := payload.(string)
					c.SetArtifact(artifact+"_feedback", feedback)
					return nil
				},
			},
		},
	}
}

// BuildTrpcGraph assembles the canonical draft -> handlers -> frontend ->
// complete graph. mode selects whether work states cascade directly
// (non-interactive) or pause at a review state awaiting CONFIRM/REVISE_draft
// etc (interactive); typespec-only pauses only after the first stage.
func BuildTrpcGraph(mode models.InteractionMode, draftAgent, frontendAgent SubAgent, handlerAgentFor func(string) SubAgent, buildDraftInput, buildFrontendInput func(*Context) models.Turn, buildHandlerInput func(*Context, string) models.Turn) map[models.StageName]*Stage {
	graph := map[models.StageName]*Stage{}

	draftDone := models.StageHandlers
	if pausesAfter(mode, models.StageDraft) {
		draftDone = "draft_review"
	}
	handlersDone := models.StageFrontend
	if pausesAfter(mode, models.StageHandlers) {
		handlersDone = "handlers_review"
	}
	frontendDone := models.StageComplete
	if pausesAfter(mode, models.StageFrontend) {
		frontendDone = "frontend_review"
	}

	graph[models.StageDraft] = &Stage{
		Name: models.StageDraft,
		Invoke: &Invocation{
			Run: singleAgentRun(draftAgent, buildDraftInput, func(c *Context, node *models.Node, ws *workspace.Workspace) error {
				c.SetArtifact("draft_summary", firstText(node.Turn))
				return nil
			}),
		},
		OnDoneTarget: draftDone,
	}
	graph[models.StageHandlers] = &Stage{
		Name: models.StageHandlers,
		Invoke: &Invocation{
			Run: handlersRun(handlerAgentFor, buildHandlerInput),
		},
		OnDoneTarget: handlersDone,
	}
	graph[models.StageFrontend] = &Stage{
		Name: models.StageFrontend,
		Invoke: &Invocation{
			Run: singleAgentRun(frontendAgent, buildFrontendInput, nil),
		},
		OnDoneTarget: frontendDone,
	}
	graph[models.StageComplete] = &Stage{Name: models.StageComplete}
	graph[models.StageFailure] = &Stage{Name: models.StageFailure}

	if draftDone == "draft_review" {
		graph["draft_review"] = reviewStage("draft_review", models.StageHandlers, models.StageDraft, "REVISE_draft", "draft")
	}
	if handlersDone == "handlers_review" {
		graph["handlers_review"] = reviewStage("handlers_review", models.StageFrontend, models.StageHandlers, "REVISE_handlers", "handlers")
	}
	if frontendDone == "frontend_review" {
		graph["frontend_review"] = reviewStage("frontend_review", models.StageComplete, models.StageFrontend, "REVISE_frontend", "frontend")
	}

	return graph
}

// pausesAfter reports whether interaction mode m inserts a review state
// after stage.
func pausesAfter(m models.InteractionMode, stage models.StageName) bool {
	switch m {
	case models.InteractionInteractive:
		return true
	case models.InteractionTypespecOnly:
		return false // the legacy typespec pipeline is the only one that pauses in this mode
	default:
		return false
	}
}

// BuildLegacyGraph assembles the optional earlier pipeline some templates
// still use ahead of handlers: typespec -> drizzle -> typescript ->
// handler_tests -> handlers -> complete. typespec-only interaction mode
// pauses only after the typespec stage; every other stage cascades
// directly regardless of mode.
func BuildLegacyGraph(mode models.InteractionMode, typespecAgent, drizzleAgent, typescriptAgent, handlerTestsAgent, handlersAgent SubAgent, buildTypespecInput, buildDrizzleInput, buildTypescriptInput, buildHandlerTestsInput, buildHandlersInput func(*Context) models.Turn) map[models.StageName]*Stage {
	graph := map[models.StageName]*Stage{}

	typespecDone := models.StageDrizzle
	if mode == models.InteractionTypespecOnly || mode == models.InteractionInteractive {
		typespecDone = "typespec_review"
	}

	graph[models.StageTypespec] = &Stage{
		Name: models.StageTypespec,
		Invoke: &Invocation{
			Run: singleAgentRun(typespecAgent, buildTypespecInput, func(c *Context, node *models.Node, ws *workspace.Workspace) error {
				c.SetArtifact("typespec", firstText(node.Turn))
				return nil
			}),
		},
		OnDoneTarget: typespecDone,
	}
	graph[models.StageDrizzle] = &Stage{
		Name: models.StageDrizzle,
		Invoke: &Invocation{
			Run: singleAgentRun(drizzleAgent, buildDrizzleInput, func(c *Context, node *models.Node, ws *workspace.Workspace) error {
				c.SetArtifact("drizzle_schema", firstText(node.Turn))
				return nil
			}),
		},
		OnDoneTarget: models.StageTypescript,
	}
	graph[models.StageTypescript] = &Stage{
		Name: models.StageTypescript,
		Invoke: &Invocation{
			Run: singleAgentRun(typescriptAgent, buildTypescriptInput, func(c *Context, node *models.Node, ws *workspace.Workspace) error {
				c.SetArtifact("typescript_schema", firstText(node.Turn))
				return nil
			}),
		},
		OnDoneTarget: models.StageHandlerTests,
	}
	graph[models.StageHandlerTests] = &Stage{
		Name: models.StageHandlerTests,
		Invoke: &Invocation{
			Run: singleAgentRun(handlerTestsAgent, buildHandlerTestsInput, nil),
		},
		OnDoneTarget: models.StageHandlers,
	}
	graph[models.StageHandlers] = &Stage{
		Name: models.StageHandlers,
		Invoke: &Invocation{
			Run: singleAgentRun(handlersAgent, buildHandlersInput, nil),
		},
		OnDoneTarget: models.StageComplete,
	}
	graph[models.StageComplete] = &Stage{Name: models.StageComplete}
	graph[models.StageFailure] = &Stage{Name: models.StageFailure}

	if typespecDone == "typespec_review" {
		graph["typespec_review"] = reviewStage("typespec_review", models.StageDrizzle, models.StageTypespec, "REVISE_typespec", "typespec")
	}

	return graph
}

// firstText returns the text of the first text block in a turn, or "" if
// none exists.
func firstText(t models.Turn) string {
	for _, b := range t.Blocks {
		if b.Kind == models.BlockText {
			return b.Text
		}
	}
	return ""
}
