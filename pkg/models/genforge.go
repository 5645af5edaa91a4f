package models

import (
	"encoding/json"
	"time"
)

// BlockKind discriminates the kind of content carried by a Block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is a tagged union over the three content shapes an LLM turn can
// carry. Exactly one of Text/ToolUse/ToolResult is populated, selected by
// Kind.
type Block struct {
	Kind       BlockKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolUseBlock   `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlk  `json:"tool_result,omitempty"`
}

// ToolUseBlock is an LLM request to invoke a tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlk carries the outcome of a tool invocation back to the model.
type ToolResultBlk struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Turn is one message in a sub-agent's trajectory: a role plus an ordered
// list of content blocks.
type Turn struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// NodeID identifies a node in a Sub-Agent's search tree.
type NodeID int64

// FileDelta is one file mutation recorded against a node, applied in order
// when folding a trajectory from root to a given node.
type FileDelta struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"` // true if this delta deletes Path
}

// Node is one point in the beam searcher's tree: the LLM turn that produced
// it, the file deltas it introduced, and links to its place in the tree.
type Node struct {
	ID       NodeID      `json:"id"`
	ParentID NodeID      `json:"parent_id"`
	Children []NodeID    `json:"children,omitempty"`
	Depth    int         `json:"depth"`
	Turn     Turn        `json:"turn"`
	Deltas   []FileDelta `json:"deltas,omitempty"`
	Score    float64     `json:"score"`
	Terminal bool        `json:"terminal"`
	Error    string      `json:"error,omitempty"`

	// ShouldBranch marks a node whose children should be replicated across
	// the beam searcher's candidate pool rather than expanded singly.
	ShouldBranch bool `json:"should_branch,omitempty"`
}

// StageName identifies a node in the Stage Machine's stage graph.
type StageName string

const (
	StageDraft        StageName = "draft"
	StageHandlers     StageName = "handlers"
	StageFrontend     StageName = "frontend"
	StageComplete     StageName = "complete"
	StageFailure      StageName = "failure"
	StageTypespec     StageName = "typespec"
	StageDrizzle      StageName = "drizzle"
	StageTypescript   StageName = "typescript"
	StageHandlerTests StageName = "handler_tests"
)

// InteractionMode selects how the Stage Machine surfaces intermediate
// results to the client.
type InteractionMode string

const (
	InteractionNonInteractive InteractionMode = "non_interactive"
	InteractionInteractive    InteractionMode = "interactive"
	InteractionTypespecOnly   InteractionMode = "typespec_only"
)

// StageCheckpoint is the serializable snapshot of a Stage Machine run,
// restorable via Deserialize to resume a suspended session.
type StageCheckpoint struct {
	Version      int              `json:"version"`
	SessionID    string           `json:"session_id"`
	StackPath    []StageName      `json:"stack_path"`
	Current      StageName        `json:"current"`
	Mode         InteractionMode  `json:"mode"`
	Context      map[string]any   `json:"context"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CheckpointAt time.Time        `json:"checkpoint_at"`
}

// Serialize encodes a checkpoint to JSON.
func (s *StageCheckpoint) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeCheckpoint decodes a checkpoint previously produced by Serialize.
func DeserializeCheckpoint(data []byte) (*StageCheckpoint, error) {
	var s StageCheckpoint
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RequestMessage is one entry of GenRequest.AllMessages: a user turn (a
// plain content string) or an assistant turn (the block sequence previously
// emitted on a prior turn).
type RequestMessage struct {
	Role    Role    `json:"role"`
	Content string  `json:"content,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// FileEntry is one path/content pair in GenRequest.AllFiles.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GenRequest is the inbound request that starts or continues a code
// generation session.
type GenRequest struct {
	ApplicationID string            `json:"application_id"`
	TraceID       string            `json:"trace_id"`
	SessionID     string            `json:"session_id,omitempty"`
	Template      string            `json:"template"`
	AllMessages   []RequestMessage  `json:"all_messages"`
	AgentState    *StageCheckpoint  `json:"agent_state,omitempty"`
	AllFiles      []FileEntry       `json:"all_files,omitempty"`
	Settings      map[string]any    `json:"settings,omitempty"`

	// SourceTree and Prompt/Feedback remain for callers that build a
	// GenRequest programmatically (tests, CLI) without going through the
	// all_messages/all_files wire shape.
	SourceTree map[string]string `json:"source_tree,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
}

// EventKind discriminates the kind of payload an Event carries on the
// Session Coordinator's stream.
type EventKind string

const (
	EventStageResult       EventKind = "stage_result"
	EventDiff              EventKind = "diff"
	EventRuntimeError      EventKind = "runtime_error"
	EventRefinementRequest EventKind = "refinement_request"
	EventStreamClosed      EventKind = "stream_closed"
)

// EventStatus discriminates whether an event is one of the (zero or more)
// intermediate events on a session's stream or the single terminal one.
type EventStatus string

const (
	StatusRunning EventStatus = "running"
	StatusIdle    EventStatus = "idle"
)

// Event is one item on a session's outbound event stream, ordered by a
// monotonic per-session Sequence number. Status is "running" for every event
// but the last, which is always "idle".
type Event struct {
	Kind      EventKind   `json:"kind"`
	Status    EventStatus `json:"status"`
	Sequence  uint64      `json:"seq"`
	Time      time.Time   `json:"time"`
	SessionID string      `json:"session_id"`

	Stage         StageName `json:"stage,omitempty"`
	Message       string    `json:"message,omitempty"`
	Diff          string    `json:"diff,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	AppName       string    `json:"app_name,omitempty"`
	Error         string    `json:"error,omitempty"`
}
