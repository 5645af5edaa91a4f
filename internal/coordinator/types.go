package coordinator

import (
	"context"
	"sync"

	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/stagemachine"
	"github.com/appforge/genforge/internal/toolrt"
	"github.com/appforge/genforge/internal/validator"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

// SnapshotStore persists checkpoint and event snapshots keyed by
// (trace_id, key), key ranging over "fsm_enter", "fsm_exit", and
// "sse_events/<seq>".
type SnapshotStore interface {
	Put(ctx context.Context, traceID, key string, data []byte) error
	Get(ctx context.Context, traceID, key string) ([]byte, error)
}

// MemorySnapshotStore is an in-memory SnapshotStore for tests and local
// runs.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySnapshotStore returns an empty MemorySnapshotStore.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{data: map[string][]byte{}}
}

func (s *MemorySnapshotStore) Put(ctx context.Context, traceID, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.data[traceID+"/"+key] = cp
	return nil
}

func (s *MemorySnapshotStore) Get(ctx context.Context, traceID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[traceID+"/"+key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Template builds the stage graph for one session given its interaction
// mode and sub-agent settings. A Coordinator looks one up from
// Dependencies.Templates by request.Template name; the same graph shape is
// reused whether starting a fresh session or restoring a checkpointed one,
// since a Stage's Invocation reads the live Workspace off the Context passed
// to it at Run time, not off anything captured at graph-build time.
type Template func(deps Dependencies, mode models.InteractionMode, settings stagemachine.Settings) map[models.StageName]*stagemachine.Stage

// Dependencies wires a Coordinator's external collaborators. Every field is
// a plain interface or value; no package-level globals.
type Dependencies struct {
	Gateway     *llmgateway.Gateway
	Validator   *validator.Suite
	Snapshots   SnapshotStore
	Executor    workspace.Executor
	BaseImage   string
	Permissions workspace.Permissions
	ToolsFor    func(ws *workspace.Workspace) *toolrt.Registry
	Templates   map[string]Template

	// Provider/Model select the LLM backend sub-agents call through;
	// CommitProvider/CommitModel select the (possibly different, typically
	// cheaper) backend used for the final commit-message generation step.
	Provider       string
	Model          string
	CommitProvider string
	CommitModel    string
}

func defaultToolsFor(ws *workspace.Workspace) *toolrt.Registry {
	reg := toolrt.NewRegistry()
	for _, t := range toolrt.FileTools(ws) {
		reg.Register(t)
	}
	reg.Register(&toolrt.CompleteTool{})
	return reg
}
