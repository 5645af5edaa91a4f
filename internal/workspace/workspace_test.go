package workspace

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeExecutor struct {
	files map[string]string
}

func (f *fakeExecutor) ReadBaseFile(path string) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", errors.New("not found")
	}
	return content, nil
}

func (f *fakeExecutor) ListBaseFiles(prefix string) ([]string, error) {
	var out []string
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeExecutor) Exec(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error) {
	return ExecResult{ExitCode: 0}, nil
}

func (f *fakeExecutor) ExecWithPostgres(ctx context.Context, baseImage string, overlay map[string]*OverlayEntry, params ExecParams) (ExecResult, error) {
	return ExecResult{ExitCode: 0}, nil
}

func newTestWorkspace() *Workspace {
	return New("base", Permissions{}, &fakeExecutor{files: map[string]string{
		"main.go": "package main\n",
	}})
}

func TestWorkspace_ReadWriteOverlay(t *testing.T) {
	ws := newTestWorkspace()

	if err := ws.WriteFile("handler.go", "package handler\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	content, err := ws.ReadFile("handler.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "package handler\n" {
		t.Errorf("content = %q, want %q", content, "package handler\n")
	}
}

func TestWorkspace_ReadFallsThroughToBase(t *testing.T) {
	ws := newTestWorkspace()

	content, err := ws.ReadFile("main.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "package main\n" {
		t.Errorf("content = %q, want base image content", content)
	}
}

func TestWorkspace_DeleteTombstonesOverlayEntry(t *testing.T) {
	ws := newTestWorkspace()

	if err := ws.DeleteFile("main.go"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := ws.ReadFile("main.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadFile after delete: got %v, want ErrNotFound", err)
	}
}

func TestWorkspace_CloneIsIndependent(t *testing.T) {
	ws := newTestWorkspace()
	if err := ws.WriteFile("a.go", "package a\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	clone := ws.Clone()
	if err := clone.WriteFile("a.go", "package b\n"); err != nil {
		t.Fatalf("clone WriteFile: %v", err)
	}

	original, err := ws.ReadFile("a.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if original != "package a\n" {
		t.Errorf("parent overlay was mutated by clone: got %q", original)
	}

	if clone.ID() == ws.ID() {
		t.Error("clone should have a distinct id")
	}
}

func TestWorkspace_PermissionDenied(t *testing.T) {
	ws := New("base", Permissions{ProtectedPrefixes: []string{"generated"}}, &fakeExecutor{files: map[string]string{}})

	if err := ws.WriteFile("generated/schema.ts", "x"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("WriteFile under protected prefix: got %v, want ErrPermissionDenied", err)
	}
	if err := ws.WriteFile("src/main.ts", "x"); err != nil {
		t.Errorf("WriteFile outside protected prefix should succeed: %v", err)
	}
}

func TestWorkspace_EditFile_OccurrencePolicy(t *testing.T) {
	ws := newTestWorkspace()
	if err := ws.WriteFile("dup.go", "foo\nfoo\nbar\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Zero matches.
	if err := ws.EditFile("dup.go", "missing", "x", false); !errors.Is(err, ErrNoMatch) {
		t.Errorf("zero matches: got %v, want ErrNoMatch", err)
	}

	// Exactly one match.
	if err := ws.EditFile("dup.go", "bar", "baz", false); err != nil {
		t.Errorf("single match should replace: %v", err)
	}

	// Multiple matches without ReplaceAll is ambiguous.
	err := ws.EditFile("dup.go", "foo", "qux", false)
	if !errors.Is(err, ErrAmbiguousEdit) {
		t.Errorf("multi match without replace_all: got %v, want ErrAmbiguousEdit", err)
	}
	if want := "Search text found 2 times"; err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("ambiguous edit error = %q, want substring %q", err, want)
	}

	// Multiple matches with ReplaceAll replaces every occurrence.
	if err := ws.EditFile("dup.go", "foo", "qux", true); err != nil {
		t.Fatalf("replace_all edit: %v", err)
	}
	content, _ := ws.ReadFile("dup.go")
	if content != "qux\nqux\nbaz\n" {
		t.Errorf("content = %q, want both foo occurrences replaced", content)
	}
}
