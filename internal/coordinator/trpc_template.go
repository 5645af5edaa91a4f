package coordinator

import (
	"github.com/appforge/genforge/internal/stagemachine"
	"github.com/appforge/genforge/internal/subagent"
	"github.com/appforge/genforge/pkg/models"
)

const (
	draftSystemPrompt = "You are the draft sub-agent of a tRPC code generation " +
		"session. Read the user's request and the current workspace, then use " +
		"the file tools to write the application's typespec, schema, and route " +
		"plan. Call complete once the draft compiles."
	frontendSystemPrompt = "You are the frontend sub-agent. Build the React " +
		"client against the handlers already present in the workspace. Call " +
		"complete once the client typechecks, lints, and builds."
	handlerSystemPrompt = "You are a handler sub-agent. Implement exactly one " +
		"tRPC handler function against the drizzle schema and typescript types " +
		"already in the workspace, and make its test pass. Call complete once " +
		"the handler and its test both pass."
)

// TrpcTemplate builds the canonical draft -> handlers -> frontend -> complete
// graph, wiring one beam searcher per stage over deps' gateway/validator and
// the stage's live workspace.
func TrpcTemplate(deps Dependencies, mode models.InteractionMode, settings stagemachine.Settings) map[models.StageName]*stagemachine.Stage {
	toolsFor := deps.ToolsFor
	if toolsFor == nil {
		toolsFor = defaultToolsFor
	}
	va := validatorAdapter{suite: deps.Validator}

	newAgent := func(validatorContext, systemPrompt string) *subagent.Agent {
		return subagent.New(deps.Gateway, deps.Provider, deps.Model, toolsFor, va, validatorContext, systemPrompt,
			subagent.WithBeamWidth(settings.BeamWidth), subagent.WithMaxDepth(settings.MaxDepth))
	}

	draftAgent := newAgent("draft", draftSystemPrompt)
	frontendAgent := newAgent("frontend", frontendSystemPrompt)
	handlerAgentFor := func(name string) stagemachine.SubAgent {
		return newAgent("handler:"+name, handlerSystemPrompt)
	}

	buildDraftInput := func(c *stagemachine.Context) models.Turn {
		prompt := c.Prompt
		if fb, ok := c.Artifact("draft_feedback"); ok && fb != "" {
			prompt = prompt + "\n\nRevision requested: " + fb
		}
		return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: prompt}}}
	}
	buildFrontendInput := func(c *stagemachine.Context) models.Turn {
		summary, _ := c.Artifact("draft_summary")
		text := "Build the frontend for:\n" + summary
		if fb, ok := c.Artifact("frontend_feedback"); ok && fb != "" {
			text = text + "\n\nRevision requested: " + fb
		}
		return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: text}}}
	}
	buildHandlerInput := func(c *stagemachine.Context, name string) models.Turn {
		summary, _ := c.Artifact("draft_summary")
		text := "Implement handler " + name + " for:\n" + summary
		if fb, ok := c.Artifact("handlers_feedback"); ok && fb != "" {
			text = text + "\n\nRevision requested: " + fb
		}
		return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: text}}}
	}

	return stagemachine.BuildTrpcGraph(mode, draftAgent, frontendAgent, handlerAgentFor, buildDraftInput, buildFrontendInput, buildHandlerInput)
}
