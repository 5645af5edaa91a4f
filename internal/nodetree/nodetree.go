// Package nodetree implements the arena of nodes a beam searcher expands:
// stable integer ids, parent/child links, per-node file deltas, and
// trajectory folding from root to any node.
package nodetree

import (
	"fmt"
	"sync"

	"github.com/appforge/genforge/pkg/models"
)

// Tree is a thread-safe arena of models.Node values rooted at id 0.
type Tree struct {
	mu     sync.RWMutex
	nodes  map[models.NodeID]*models.Node
	nextID models.NodeID
}

// New returns a Tree containing only its root node (id 0, no parent, no
// turn).
func New() *Tree {
	t := &Tree{nodes: make(map[models.NodeID]*models.Node)}
	t.nodes[0] = &models.Node{ID: 0, ParentID: -1, Depth: 0}
	t.nextID = 1
	return t
}

// RootID is the fixed id of the tree's root node.
const RootID models.NodeID = 0

// SetRootTurn installs the initial message on the root node. Called once,
// before any expansion, to seed the tree with the sub-agent's prompt.
func (t *Tree) SetRootTurn(turn models.Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[RootID].Turn = turn
}

// MarkShouldBranch flags a node whose children should be replicated across
// the beam width on the next candidate-selection pass.
func (t *Tree) MarkShouldBranch(id models.NodeID, should bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("nodetree: unknown node %d", id)
	}
	n.ShouldBranch = should
	return nil
}

// Leaves returns every node with no children.
func (t *Tree) Leaves() []models.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var leaves []models.NodeID
	for id, n := range t.nodes {
		if len(n.Children) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// SiblingCount returns the number of children of id's parent (i.e. how many
// siblings id has, including itself).
func (t *Tree) SiblingCount(id models.NodeID) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return 0, fmt.Errorf("nodetree: unknown node %d", id)
	}
	if n.ParentID == -1 {
		return 1, nil
	}
	parent, ok := t.nodes[n.ParentID]
	if !ok {
		return 0, fmt.Errorf("nodetree: unknown parent %d", n.ParentID)
	}
	return len(parent.Children), nil
}

// AddChild appends a new node under parent with the given turn and file
// deltas, returning its id.
func (t *Tree) AddChild(parent models.NodeID, turn models.Turn, deltas []models.FileDelta) (models.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parentNode, ok := t.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("nodetree: unknown parent %d", parent)
	}

	id := t.nextID
	t.nextID++
	node := &models.Node{
		ID:       id,
		ParentID: parent,
		Depth:    parentNode.Depth + 1,
		Turn:     turn,
		Deltas:   deltas,
	}
	t.nodes[id] = node
	parentNode.Children = append(parentNode.Children, id)
	return id, nil
}

// Get returns the node with the given id.
func (t *Tree) Get(id models.NodeID) (*models.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// MarkTerminal records that a node's search branch has ended, optionally
// with an error and a final score.
func (t *Tree) MarkTerminal(id models.NodeID, score float64, errText string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("nodetree: unknown node %d", id)
	}
	n.Terminal = true
	n.Score = score
	n.Error = errText
	return nil
}

// Trajectory returns the ordered lineage from root to id, inclusive.
func (t *Tree) Trajectory(id models.NodeID) ([]*models.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var path []*models.Node
	cur := id
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("nodetree: unknown node %d", cur)
		}
		path = append([]*models.Node{n}, path...)
		if cur == RootID {
			break
		}
		cur = n.ParentID
	}
	return path, nil
}

// FoldFiles left-folds the file deltas along id's trajectory (root to id)
// into a flat path->content map. A tombstoned delta removes any prior
// content recorded for that path.
func (t *Tree) FoldFiles(id models.NodeID) (map[string]string, error) {
	path, err := t.Trajectory(id)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	for _, node := range path {
		for _, delta := range node.Deltas {
			if delta.Tombstone {
				delete(files, delta.Path)
				continue
			}
			files[delta.Path] = delta.Content
		}
	}
	return files, nil
}

// Children returns the direct children of id.
func (t *Tree) Children(id models.NodeID) ([]models.NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("nodetree: unknown node %d", id)
	}
	return append([]models.NodeID(nil), n.Children...), nil
}

// Size returns the number of nodes currently in the tree.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
