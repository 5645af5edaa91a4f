// Package validator runs the per-context check tables a beam searcher
// candidate must pass before its complete tool call is accepted as a
// solution: backend type-checking, schema push against a live Postgres,
// handler-scoped test runs, and client build/lint, with LLM-based
// compaction of any combined failure text over a fixed size.
package validator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/appforge/genforge/internal/compaction"
	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// CompactThreshold is the combined failure-text length (in characters)
// above which check output is folded through the LLM Gateway before being
// handed back to a candidate, rather than returned verbatim.
const CompactThreshold = 4096

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name     string
	Passed   bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// ValidationResult is the outcome of running one context's check table.
type ValidationResult struct {
	Passed bool
	Report string // compacted failure text when Passed is false
}

// Suite runs the check tables for each sub-agent context (draft,
// handler:<name>, frontend, edit) and compacts failure text through the LLM
// Gateway when it grows past CompactThreshold.
type Suite struct {
	gateway          *llmgateway.Gateway
	compactProvider  string
	compactModel     string
	compactThreshold int
	frontendInspect  bool // optional visual-UI inspection pass, off by default
}

// Option configures a Suite at construction time.
type Option func(*Suite)

// WithCompactThreshold overrides the default 4096-character threshold.
func WithCompactThreshold(n int) Option {
	return func(s *Suite) { s.compactThreshold = n }
}

// WithFrontendInspection turns on the optional visual-UI inspection pass in
// the frontend context. Off by default.
func WithFrontendInspection(enabled bool) Option {
	return func(s *Suite) { s.frontendInspect = enabled }
}

// New returns a Suite that compacts oversized failure text through gateway
// using the given provider/model (expected to be a fast, cheap model).
func New(gateway *llmgateway.Gateway, compactProvider, compactModel string, opts ...Option) *Suite {
	s := &Suite{
		gateway:          gateway,
		compactProvider:  compactProvider,
		compactModel:     compactModel,
		compactThreshold: CompactThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate runs the check table for validatorContext against ws. Contexts
// are "draft", "frontend", "edit", or "handler:<name>" for a specific
// handler.
func (s *Suite) Validate(ctx context.Context, validatorContext string, ws *workspace.Workspace) (*ValidationResult, error) {
	var checks []CheckResult
	var err error

	switch {
	case validatorContext == "draft":
		checks, err = s.runConcurrently(ctx, ws, draftChecks(ws)...)
	case validatorContext == "frontend":
		checks, err = s.runConcurrently(ctx, ws, s.frontendChecks(ws)...)
	case validatorContext == "edit":
		all := append(draftChecks(ws), s.frontendChecks(ws)...)
		checks, err = s.runConcurrently(ctx, ws, all...)
	case strings.HasPrefix(validatorContext, "handler:"):
		name := strings.TrimPrefix(validatorContext, "handler:")
		checks, err = s.runConcurrently(ctx, ws, handlerChecks(ws, name)...)
	default:
		return nil, fmt.Errorf("validator: unknown context %q", validatorContext)
	}
	if err != nil {
		return nil, err
	}

	return s.fold(ctx, checks)
}

// fold combines check results into a ValidationResult, compacting the
// combined failure text through the LLM Gateway when it exceeds
// compactThreshold.
func (s *Suite) fold(ctx context.Context, checks []CheckResult) (*ValidationResult, error) {
	var failing []CheckResult
	for _, c := range checks {
		if !c.Passed {
			failing = append(failing, c)
		}
	}
	if len(failing) == 0 {
		return &ValidationResult{Passed: true}, nil
	}

	var combined strings.Builder
	for _, c := range failing {
		fmt.Fprintf(&combined, "## %s (exit %d)\n", c.Name, c.ExitCode)
		if c.Stdout != "" {
			fmt.Fprintf(&combined, "stdout:\n%s\n", c.Stdout)
		}
		if c.Stderr != "" {
			fmt.Fprintf(&combined, "stderr:\n%s\n", c.Stderr)
		}
	}
	report := combined.String()

	if len(report) <= s.compactThreshold || s.gateway == nil {
		return &ValidationResult{Passed: false, Report: report}, nil
	}

	compacted, err := compaction.SummarizeWithFallback(ctx, []*compaction.Message{{Role: "user", Content: report}}, &gatewaySummarizer{s}, s.compactionConfig())
	if err != nil {
		// Falls back to the raw (truncated) report rather than failing the
		// whole validation pass, matching the summarizer's fallback shape.
		return &ValidationResult{Passed: false, Report: truncate(report, s.compactThreshold)}, nil
	}
	return &ValidationResult{Passed: false, Report: compacted}, nil
}

// compactionConfig derives a compaction.SummarizationConfig from the
// Suite's character-based compactThreshold, scaled to the token-based units
// compaction.ChunkMessagesByMaxTokens expects.
func (s *Suite) compactionConfig() *compaction.SummarizationConfig {
	cfg := compaction.DefaultSummarizationConfig()
	cfg.MaxChunkTokens = s.compactThreshold / compaction.CharsPerToken
	cfg.ContextWindow = cfg.MaxChunkTokens * 4
	return cfg
}

// gatewaySummarizer adapts the Suite's LLM Gateway to compaction.Summarizer
// so oversized failure reports are folded through compaction's
// chunk-then-merge logic instead of a single unbounded completion call.
type gatewaySummarizer struct{ s *Suite }

func (g *gatewaySummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	system := "Summarize the following build/test/lint failure output for an AI coding agent. Preserve every distinct error message, file path, and line number; drop repeated stack frames and passing-check noise. Be concise."
	if config.CustomInstructions != "" {
		system = config.CustomInstructions
	}

	completion, err := g.s.gateway.Complete(ctx, g.s.compactProvider, &llmgateway.Request{
		Model:     g.s.compactModel,
		System:    system,
		Messages:  userTextTurn(compaction.FormatMessagesForSummary(messages)),
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, b := range completion.Blocks {
		out.WriteString(b.Text)
	}
	return out.String(), nil
}

func userTextTurn(text string) []models.Turn {
	return []models.Turn{{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: text}}}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...(truncated)"
}

const checkTimeout = 120 * time.Second
