// Package workspace implements the copy-on-write file overlay and
// container-backed exec surface that every sub-agent candidate operates
// against.
package workspace

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sentinel errors for well-known workspace conditions.
var (
	ErrPermissionDenied = errors.New("workspace: permission denied")
	ErrNotFound         = errors.New("workspace: file not found")
	ErrAmbiguousEdit    = errors.New("workspace: ambiguous edit")
	ErrNoMatch          = errors.New("workspace: search text not found")
)

// OverlayEntry is one entry in a Workspace's copy-on-write file overlay.
// A Tombstone entry records that the base-image file at this path has been
// deleted.
type OverlayEntry struct {
	Content   string
	Tombstone bool
}

// Permissions declares which path prefixes a Workspace's tools may read,
// write, or never touch. AllowedPrefixes is checked first; if non-empty,
// paths must match one of its entries. ProtectedPrefixes always loses to
// AllowedPrefixes for writes: a path under a protected prefix is rejected
// even if it also matches an allowed prefix, unless Force is set on the
// call (clone-time template materialization is the only caller that sets
// Force).
type Permissions struct {
	AllowedPrefixes   []string
	ProtectedPrefixes []string
}

// allowsWrite reports whether path may be written under these permissions.
func (p Permissions) allowsWrite(clean string) bool {
	for _, prefix := range p.ProtectedPrefixes {
		if hasPrefix(clean, prefix) {
			return false
		}
	}
	if len(p.AllowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range p.AllowedPrefixes {
		if hasPrefix(clean, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(clean, prefix string) bool {
	prefix = path.Clean(prefix)
	return clean == prefix || strings.HasPrefix(clean, prefix+"/")
}

// Workspace is a forkable, copy-on-write view over a container base image.
// Reads that miss the overlay fall through to BaseImage. All mutation goes
// through the overlay; the base image is never modified.
type Workspace struct {
	mu          sync.RWMutex
	id          string
	baseImage   string
	overlay     map[string]*OverlayEntry
	permissions Permissions
	exec        Executor
}

// New creates a root Workspace over the given container base image.
func New(baseImage string, perms Permissions, exec Executor) *Workspace {
	return &Workspace{
		id:          uuid.NewString(),
		baseImage:   baseImage,
		overlay:     make(map[string]*OverlayEntry),
		permissions: perms,
		exec:        exec,
	}
}

// ID returns the Workspace's clone identity.
func (w *Workspace) ID() string { return w.id }

// Clone returns a new Workspace sharing the same base image whose overlay is
// an independent shallow copy of the parent's overlay at the time of the
// call. Mutating the clone never affects the parent, and vice versa.
func (w *Workspace) Clone() *Workspace {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cp := make(map[string]*OverlayEntry, len(w.overlay))
	for k, v := range w.overlay {
		entry := *v
		cp[k] = &entry
	}
	return &Workspace{
		id:          uuid.NewString(),
		baseImage:   w.baseImage,
		overlay:     cp,
		permissions: w.permissions,
		exec:        w.exec,
	}
}

// OverlaySnapshot returns a copy of the Workspace's overlay at the time of
// the call, independent of subsequent mutations. Callers use this to diff a
// candidate's overlay against its parent's and record the difference as file
// deltas on a search-tree node.
func (w *Workspace) OverlaySnapshot() map[string]OverlayEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cp := make(map[string]OverlayEntry, len(w.overlay))
	for k, v := range w.overlay {
		cp[k] = *v
	}
	return cp
}

// Permissions returns the Workspace's current read/write policy.
func (w *Workspace) Permissions() Permissions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.permissions
}

// ReadFile returns the content of path, consulting the overlay first and
// falling through to the base image via the Executor if the overlay has no
// entry for it.
func (w *Workspace) ReadFile(path string) (string, error) {
	clean := cleanPath(path)

	w.mu.RLock()
	entry, ok := w.overlay[clean]
	w.mu.RUnlock()

	if ok {
		if entry.Tombstone {
			return "", fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return entry.Content, nil
	}

	content, err := w.exec.ReadBaseFile(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return content, nil
}

// WriteFile overwrites (or creates) path in the overlay with content.
func (w *Workspace) WriteFile(path, content string) error {
	clean := cleanPath(path)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.permissions.allowsWrite(clean) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, clean)
	}
	w.overlay[clean] = &OverlayEntry{Content: content}
	return nil
}

// DeleteFile tombstones path in the overlay.
func (w *Workspace) DeleteFile(path string) error {
	clean := cleanPath(path)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.permissions.allowsWrite(clean) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, clean)
	}
	w.overlay[clean] = &OverlayEntry{Tombstone: true}
	return nil
}

// EditFile applies a single find/replace edit to path, following the
// occurrence-count policy: zero occurrences of search is an error, exactly
// one is a direct replace, more than one without replaceAll is an
// ambiguous-match error, and more than one with replaceAll replaces every
// occurrence.
func (w *Workspace) EditFile(path, search, replace string, replaceAll bool) error {
	clean := cleanPath(path)

	current, err := w.ReadFile(clean)
	if err != nil {
		return err
	}

	if search == "" {
		return fmt.Errorf("workspace: search must not be empty")
	}
	count := strings.Count(current, search)
	switch {
	case count == 0:
		return fmt.Errorf("%w: %q in %s", ErrNoMatch, search, clean)
	case count == 1:
		current = strings.Replace(current, search, replace, 1)
	case replaceAll:
		current = strings.ReplaceAll(current, search, replace)
	default:
		return fmt.Errorf("%w: Search text found %d times in %s (expected exactly 1)",
			ErrAmbiguousEdit, count, clean)
	}

	return w.WriteFile(clean, current)
}

// ListEntry describes one path visible in a directory listing.
type ListEntry struct {
	Path      string
	IsDir     bool
	Tombstone bool
}

// Ls lists overlay entries (and, via the Executor, base-image entries) under
// prefix. Overlay tombstones suppress their corresponding base entries.
func (w *Workspace) Ls(prefix string) ([]ListEntry, error) {
	clean := cleanPath(prefix)

	base, err := w.exec.ListBaseFiles(clean)
	if err != nil {
		base = nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]ListEntry, 0, len(base))
	for _, p := range base {
		if entry, ok := w.overlay[p]; ok {
			seen[p] = true
			if entry.Tombstone {
				continue
			}
		}
		out = append(out, ListEntry{Path: p})
	}
	for p, entry := range w.overlay {
		if seen[p] || entry.Tombstone {
			continue
		}
		if !hasPrefix(p, clean) {
			continue
		}
		out = append(out, ListEntry{Path: p})
	}
	return out, nil
}

func cleanPath(p string) string {
	return path.Clean("/" + p)[1:]
}
