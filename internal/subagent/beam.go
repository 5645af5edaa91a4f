// Package subagent implements the bounded tree-search "beam searcher": each
// sub-agent holds a Node Tree rooted at an initial prompt and walks it,
// expanding candidate leaves by calling the LLM Gateway and running the Tool
// Runtime against a per-candidate Workspace clone, until a complete tool call
// passes validation or the search space is exhausted.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/nodetree"
	"github.com/appforge/genforge/internal/toolrt"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// ErrSearchFailed is returned when no candidate remains and no solution was
// found.
var ErrSearchFailed = errors.New("subagent: search exhausted without a solution")

// Validator runs the checks appropriate to one expansion context (draft,
// handler:<name>, frontend, edit) against a candidate's workspace and
// reports whether the candidate's work is acceptable.
type Validator interface {
	Validate(ctx context.Context, validatorContext string, ws *workspace.Workspace) (*ValidationResult, error)
}

// ValidationResult is the outcome of running a Validator's check table.
type ValidationResult struct {
	Passed bool
	Report string // compacted, LLM-folded failure text when Passed is false
}

// Agent is one beam searcher: a Node Tree, the LLM/tool surface its
// candidates call through, and the search parameters bounding its expansion.
type Agent struct {
	gateway          *llmgateway.Gateway
	provider         string
	model            string
	toolsFor         func(*workspace.Workspace) *toolrt.Registry
	validator        Validator
	validatorContext string
	systemPrompt     string

	beamWidth int
	maxDepth  int
	logger    *slog.Logger
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithBeamWidth overrides the default beam width (3).
func WithBeamWidth(n int) Option {
	return func(a *Agent) { a.beamWidth = n }
}

// WithMaxDepth overrides the default max search depth (8).
func WithMaxDepth(n int) Option {
	return func(a *Agent) { a.maxDepth = n }
}

// WithLogger overrides the Agent's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// New returns an Agent that expands candidates through gateway/provider,
// drives tools through a registry built fresh per candidate by toolsFor (so
// each concurrently-expanding candidate dispatches tool calls against its
// own workspace clone, never another candidate's), and validates completions
// in validatorContext.
func New(gateway *llmgateway.Gateway, provider, model string, toolsFor func(*workspace.Workspace) *toolrt.Registry, validator Validator, validatorContext, systemPrompt string, opts ...Option) *Agent {
	a := &Agent{
		gateway:          gateway,
		provider:         provider,
		model:            model,
		toolsFor:         toolsFor,
		validator:        validator,
		validatorContext: validatorContext,
		systemPrompt:     systemPrompt,
		beamWidth:        3,
		maxDepth:         8,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// candidate is one leaf under active expansion: the node it descends from
// and the workspace clone carrying that lineage's file state.
type candidate struct {
	nodeID models.NodeID
	ws     *workspace.Workspace
}

// Execute runs the beam search to completion: it seeds the tree with
// rootTurn over baseWorkspace, then repeatedly selects candidates, expands
// them via the LLM Gateway, runs the Tool Runtime against each child's
// workspace clone, and validates any candidate that invoked complete. It
// returns the first solution node found, or ErrSearchFailed if the search
// space is exhausted first.
func (a *Agent) Execute(ctx context.Context, rootTurn models.Turn, baseWorkspace *workspace.Workspace) (*models.Node, *workspace.Workspace, error) {
	tree := nodetree.New()
	tree.SetRootTurn(rootTurn)
	if err := tree.MarkShouldBranch(nodetree.RootID, true); err != nil {
		return nil, nil, err
	}

	workspaces := map[models.NodeID]*workspace.Workspace{nodetree.RootID: baseWorkspace}
	var wsMu sync.Mutex

	for {
		candidates, err := a.selectCandidates(tree, workspaces, &wsMu)
		if err != nil {
			return nil, nil, err
		}
		if len(candidates) == 0 {
			return nil, nil, ErrSearchFailed
		}

		solution, solutionWS, err := a.expandAll(ctx, tree, candidates, &wsMu, workspaces)
		if err != nil {
			return nil, nil, err
		}
		if solution != nil {
			return solution, solutionWS, nil
		}
	}
}

// selectCandidates implements candidate selection: if the root is a fresh
// leaf marked should_branch, replicate it beam_width times. Otherwise every
// non-terminal leaf at depth <= max_depth is a candidate; a leaf whose parent
// is marked should_branch multiplies by an effective beam width of 1 once
// the tree already holds enough siblings at its depth, else by beam_width.
func (a *Agent) selectCandidates(tree *nodetree.Tree, workspaces map[models.NodeID]*workspace.Workspace, wsMu *sync.Mutex) ([]candidate, error) {
	rootNode, ok := tree.Get(nodetree.RootID)
	if !ok {
		return nil, fmt.Errorf("subagent: root node missing")
	}

	if len(rootNode.Children) == 0 && rootNode.ShouldBranch {
		wsMu.Lock()
		rootWS := workspaces[nodetree.RootID]
		wsMu.Unlock()

		out := make([]candidate, 0, a.beamWidth)
		for i := 0; i < a.beamWidth; i++ {
			out = append(out, candidate{nodeID: nodetree.RootID, ws: rootWS})
		}
		return out, nil
	}

	var out []candidate
	for _, id := range tree.Leaves() {
		node, ok := tree.Get(id)
		if !ok || node.Terminal || node.Depth > a.maxDepth {
			continue
		}

		copies := 1
		if node.ParentID != -1 {
			if parent, ok := tree.Get(node.ParentID); ok && parent.ShouldBranch {
				siblings, err := tree.SiblingCount(id)
				if err != nil {
					return nil, err
				}
				if siblings < a.beamWidth {
					copies = a.beamWidth
				}
			}
		}

		wsMu.Lock()
		ws, ok := workspaces[id]
		wsMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("subagent: no workspace recorded for node %d", id)
		}

		for i := 0; i < copies; i++ {
			out = append(out, candidate{nodeID: id, ws: ws})
		}
	}
	return out, nil
}

// expandResult carries one candidate's outcome back to the fan-in point.
type expandResult struct {
	solution   *models.Node
	solutionWS *workspace.Workspace
	err        error
}

// expandAll runs the LLM call and Tool Runtime execution for every candidate
// concurrently via an errgroup, collecting results into a preallocated
// slice indexed by candidate position. The first candidate to produce a
// validated solution short-circuits the rest via the group's shared
// context. A single candidate's internal error (panic, node-tree bug) is
// logged and pruned rather than failing the whole search; expandAll itself
// only returns an error for a condition that should abort the entire beam
// (none currently exists, but the shape mirrors the teacher's ExecuteAll
// fan-out contract).
func (a *Agent) expandAll(ctx context.Context, tree *nodetree.Tree, candidates []candidate, wsMu *sync.Mutex, workspaces map[models.NodeID]*workspace.Workspace) (*models.Node, *workspace.Workspace, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	results := make([]expandResult, len(candidates))
	for i, c := range candidates {
		idx, cand := i, c
		group.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					results[idx] = expandResult{err: fmt.Errorf("subagent: candidate panicked: %v", p)}
				}
			}()
			solution, solutionWS, err := a.expandOne(gctx, tree, cand, wsMu, workspaces)
			results[idx] = expandResult{solution: solution, solutionWS: solutionWS, err: err}
			if solution != nil {
				cancel()
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, r := range results {
		if r.solution != nil {
			return r.solution, r.solutionWS, nil
		}
	}
	for _, r := range results {
		if r.err != nil {
			a.logger.Warn("subagent candidate expansion failed", "error", r.err)
		}
	}
	return nil, nil, nil
}

// expandOne expands a single candidate: call the LLM with the node's full
// trajectory, create a child per completion block set, run the Tool
// Runtime against a clone of the candidate's workspace, and validate if a
// complete tool call was made.
func (a *Agent) expandOne(ctx context.Context, tree *nodetree.Tree, cand candidate, wsMu *sync.Mutex, workspaces map[models.NodeID]*workspace.Workspace) (*models.Node, *workspace.Workspace, error) {
	trajectory, err := tree.Trajectory(cand.nodeID)
	if err != nil {
		return nil, nil, err
	}
	turns := make([]models.Turn, len(trajectory))
	for i, n := range trajectory {
		turns[i] = n.Turn
	}

	childWS := cand.ws.Clone()
	before := cand.ws.OverlaySnapshot()
	tools := a.toolsFor(childWS)

	req := &llmgateway.Request{
		Model:    a.model,
		System:   a.systemPrompt,
		Messages: turns,
		Tools:    toGatewayTools(tools),
	}
	completion, err := a.gateway.Complete(ctx, a.provider, req)
	if err != nil {
		return nil, nil, nil // transient/fatal LLM errors prune this candidate, not the whole search
	}

	assistantTurn := models.Turn{Role: models.RoleAssistant, Blocks: completion.Blocks}

	var resultBlocks []models.Block
	completed := false
	for _, block := range completion.Blocks {
		if block.Kind != models.BlockToolUse {
			continue
		}
		if block.ToolUse.Name == "complete" {
			completed = true
		}
		resultBlocks = append(resultBlocks, tools.DispatchToolUse(ctx, block.ToolUse))
	}

	deltas := diffOverlay(before, childWS.OverlaySnapshot())
	childID, err := tree.AddChild(cand.nodeID, assistantTurn, deltas)
	if err != nil {
		return nil, nil, err
	}

	wsMu.Lock()
	workspaces[childID] = childWS
	wsMu.Unlock()

	if len(resultBlocks) > 0 {
		toolResultTurn := models.Turn{Role: models.RoleUser, Blocks: resultBlocks}
		resultID, err := tree.AddChild(childID, toolResultTurn, nil)
		if err != nil {
			return nil, nil, err
		}
		wsMu.Lock()
		workspaces[resultID] = childWS
		wsMu.Unlock()

		if !completed {
			return nil, nil, nil
		}

		result, err := a.validator.Validate(ctx, a.validatorContext, childWS)
		if err != nil {
			return nil, nil, err
		}
		if result.Passed {
			_ = tree.MarkTerminal(resultID, 1.0, "")
			return mustGet(tree, resultID), childWS, nil
		}

		// Fold the validator's compacted failure report into the next
		// expansion so the candidate can see what to fix.
		reportTurn := models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: result.Report}}}
		reportID, err := tree.AddChild(resultID, reportTurn, nil)
		if err != nil {
			return nil, nil, err
		}
		wsMu.Lock()
		workspaces[reportID] = childWS
		wsMu.Unlock()
		return nil, nil, nil
	}

	// No tool use: nudge the candidate to continue or complete.
	nudgeTurn := models.Turn{Role: models.RoleUser, Blocks: []models.Block{{Kind: models.BlockText, Text: toolrt.ContinueOrCompleteNudge}}}
	nudgeID, err := tree.AddChild(childID, nudgeTurn, nil)
	if err != nil {
		return nil, nil, err
	}
	wsMu.Lock()
	workspaces[nudgeID] = childWS
	wsMu.Unlock()
	return nil, nil, nil
}

func mustGet(tree *nodetree.Tree, id models.NodeID) *models.Node {
	n, _ := tree.Get(id)
	return n
}

func toGatewayTools(reg *toolrt.Registry) []llmgateway.Tool {
	regTools := reg.AsLLMTools()
	out := make([]llmgateway.Tool, len(regTools))
	for i, t := range regTools {
		out[i] = llmgateway.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      []byte(t.Schema()),
		}
	}
	return out
}

// diffOverlay computes the FileDelta set that turns before into after,
// recording writes and tombstones but skipping paths unchanged between the
// two snapshots.
func diffOverlay(before, after map[string]workspace.OverlayEntry) []models.FileDelta {
	var deltas []models.FileDelta
	for path, entry := range after {
		prior, existed := before[path]
		if existed && prior == entry {
			continue
		}
		deltas = append(deltas, models.FileDelta{Path: path, Content: entry.Content, Tombstone: entry.Tombstone})
	}
	return deltas
}
