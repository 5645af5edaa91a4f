package nodetree

import (
	"testing"

	"github.com/appforge/genforge/pkg/models"
)

func TestTree_AddChildAndTrajectory(t *testing.T) {
	tree := New()

	a, err := tree.AddChild(RootID, models.Turn{Role: models.RoleAssistant}, []models.FileDelta{
		{Path: "main.go", Content: "package main\n"},
	})
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	b, err := tree.AddChild(a, models.Turn{Role: models.RoleAssistant}, []models.FileDelta{
		{Path: "main.go", Content: "package main\n\nfunc main() {}\n"},
	})
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	traj, err := tree.Trajectory(b)
	if err != nil {
		t.Fatalf("Trajectory: %v", err)
	}
	if len(traj) != 3 || traj[0].ID != RootID || traj[2].ID != b {
		t.Fatalf("trajectory = %+v, want root,a,b", traj)
	}

	files, err := tree.FoldFiles(b)
	if err != nil {
		t.Fatalf("FoldFiles: %v", err)
	}
	if files["main.go"] != "package main\n\nfunc main() {}\n" {
		t.Errorf("folded content = %q", files["main.go"])
	}
}

func TestTree_FoldFilesHonorsTombstone(t *testing.T) {
	tree := New()
	a, _ := tree.AddChild(RootID, models.Turn{}, []models.FileDelta{{Path: "x.go", Content: "x"}})
	b, _ := tree.AddChild(a, models.Turn{}, []models.FileDelta{{Path: "x.go", Tombstone: true}})

	files, err := tree.FoldFiles(b)
	if err != nil {
		t.Fatalf("FoldFiles: %v", err)
	}
	if _, ok := files["x.go"]; ok {
		t.Error("tombstoned path should not appear in folded files")
	}
}

func TestTree_AddChildUnknownParent(t *testing.T) {
	tree := New()
	if _, err := tree.AddChild(999, models.Turn{}, nil); err == nil {
		t.Error("expected error for unknown parent")
	}
}

func TestTree_MarkTerminal(t *testing.T) {
	tree := New()
	a, _ := tree.AddChild(RootID, models.Turn{}, nil)
	if err := tree.MarkTerminal(a, 0.9, ""); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	node, _ := tree.Get(a)
	if !node.Terminal || node.Score != 0.9 {
		t.Errorf("node = %+v, want terminal score 0.9", node)
	}
}
