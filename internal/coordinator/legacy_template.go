package coordinator

import (
	"github.com/appforge/genforge/internal/stagemachine"
	"github.com/appforge/genforge/internal/subagent"
	"github.com/appforge/genforge/pkg/models"
)

const (
	typespecSystemPrompt = "You are the typespec sub-agent. Write the " +
		"application's TypeSpec definition for the user's request. Call " +
		"complete once it compiles."
	drizzleSystemPrompt = "You are the drizzle sub-agent. Translate the " +
		"typespec in context into a drizzle-orm schema and push it against the " +
		"transient database. Call complete once the push succeeds."
	typescriptSystemPrompt = "You are the typescript sub-agent. Generate the " +
		"typescript types implied by the typespec and drizzle schema in " +
		"context. Call complete once tsc reports no errors."
	handlerTestsSystemPrompt = "You are the handler_tests sub-agent. Write one " +
		"failing test per handler implied by the schemas in context, under " +
		"src/tests/handlers/. Call complete once every test file lints clean."
	legacyHandlersSystemPrompt = "You are the handlers sub-agent. Implement " +
		"every handler needed to satisfy the tests already in the workspace. " +
		"Call complete once every test passes."
)

// LegacyTemplate assembles the earlier typespec -> drizzle -> typescript ->
// handler_tests -> handlers -> complete pipeline, predating the canonical
// draft/handlers/frontend graph but still selectable by name.
func LegacyTemplate(deps Dependencies, mode models.InteractionMode, settings stagemachine.Settings) map[models.StageName]*stagemachine.Stage {
	toolsFor := deps.ToolsFor
	if toolsFor == nil {
		toolsFor = defaultToolsFor
	}
	va := validatorAdapter{suite: deps.Validator}

	newAgent := func(validatorContext, systemPrompt string) *subagent.Agent {
		return subagent.New(deps.Gateway, deps.Provider, deps.Model, toolsFor, va, validatorContext, systemPrompt,
			subagent.WithBeamWidth(settings.BeamWidth), subagent.WithMaxDepth(settings.MaxDepth))
	}

	typespecAgent := newAgent("draft", typespecSystemPrompt)
	drizzleAgent := newAgent("draft", drizzleSystemPrompt)
	typescriptAgent := newAgent("draft", typescriptSystemPrompt)
	handlerTestsAgent := newAgent("draft", handlerTestsSystemPrompt)
	handlersAgent := newAgent("draft", legacyHandlersSystemPrompt)

	withArtifacts := func(base string, names ...string) func(*stagemachine.Context) models.Turn {
		return func(c *stagemachine.Context) models.Turn {
			text := base
			for _, name := range names {
				if v, ok := c.Artifact(name); ok && v != "" {
					text = text + "\n\n" + name + ":\n" + v
				}
			}
			if fb, ok := c.Artifact("typespec_feedback"); ok && fb != "" {
				text = text + "\n\nRevision requested: " + fb
			}
			return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: text}}}
		}
	}

	buildTypespecInput := func(c *stagemachine.Context) models.Turn {
		text := c.Prompt
		if fb, ok := c.Artifact("typespec_feedback"); ok && fb != "" {
			text = text + "\n\nRevision requested: " + fb
		}
		return models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: text}}}
	}
	buildDrizzleInput := withArtifacts("Translate this typespec into a drizzle schema.", "typespec")
	buildTypescriptInput := withArtifacts("Generate typescript types for this schema.", "typespec", "drizzle_schema")
	buildHandlerTestsInput := withArtifacts("Write handler tests for this schema.", "typespec", "drizzle_schema", "typescript_schema")
	buildHandlersInput := withArtifacts("Implement handlers satisfying these tests.", "typespec", "drizzle_schema", "typescript_schema")

	return stagemachine.BuildLegacyGraph(mode, typespecAgent, drizzleAgent, typescriptAgent, handlerTestsAgent, handlersAgent,
		buildTypespecInput, buildDrizzleInput, buildTypescriptInput, buildHandlerTestsInput, buildHandlersInput)
}
