package eventstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dominds/internal/dialog"
)

// MoveDialogStatus renames a root dialog's directory between status buckets.
func (s *Store) MoveDialogStatus(id dialog.ID, from, to dialog.PersistenceStatus) error {
	if !id.IsRoot() {
		return fmt.Errorf("move status: %s is not a root dialog", id)
	}
	if from == to {
		return nil
	}
	src := s.DialogDir(id, from)
	dst := s.DialogDir(id, to)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("move status: dialog %s not found in %s", id, from)
		}
		return fmt.Errorf("move status: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move status %s -> %s: %w", from, to, err)
	}
	s.forgetTree(id)
	return nil
}

// DeleteRootDialog removes the entire on-disk subtree of a root dialog.
func (s *Store) DeleteRootDialog(id dialog.ID, status dialog.PersistenceStatus) error {
	if !id.IsRoot() {
		return fmt.Errorf("delete: %s is not a root dialog", id)
	}
	if err := os.RemoveAll(s.DialogDir(id, status)); err != nil {
		return fmt.Errorf("delete dialog %s: %w", id, err)
	}
	s.forgetTree(id)
	return nil
}

// forgetTree drops cached latest pointers for the root and its subdialogs.
func (s *Store) forgetTree(id dialog.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, id.Self)
	// Subdialog cache entries are keyed by selfId only; they are pruned
	// lazily when their files turn up missing.
}

// ListDialogs returns the root dialog ids present in a status bucket.
func (s *Store) ListDialogs(status dialog.PersistenceStatus) ([]dialog.ID, error) {
	dir := filepath.Join(s.root, string(status))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dialogs: %w", err)
	}
	var ids []dialog.ID
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, dialog.ID{Self: entry.Name(), Root: entry.Name()})
		}
	}
	return ids, nil
}

// ListSubdialogIDs returns the subdialog ids of one root.
func (s *Store) ListSubdialogIDs(rootID dialog.ID, status dialog.PersistenceStatus) ([]dialog.ID, error) {
	dir := filepath.Join(s.DialogDir(rootID, status), "subdialogs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list subdialogs: %w", err)
	}
	var ids []dialog.ID
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, dialog.ID{Self: entry.Name(), Root: rootID.Root})
		}
	}
	return ids, nil
}

// ListAllDialogIDs returns every dialog id, roots then their subdialogs.
func (s *Store) ListAllDialogIDs(status dialog.PersistenceStatus) ([]dialog.ID, error) {
	roots, err := s.ListDialogs(status)
	if err != nil {
		return nil, err
	}
	var all []dialog.ID
	for _, rootID := range roots {
		all = append(all, rootID)
		subs, err := s.ListSubdialogIDs(rootID, status)
		if err != nil {
			return nil, err
		}
		all = append(all, subs...)
	}
	return all, nil
}

// ArtifactPath resolves a path under the dialog's artifacts directory,
// rejecting traversal outside it.
func (s *Store) ArtifactPath(id dialog.ID, status dialog.PersistenceStatus, rel string) (string, error) {
	base := filepath.Join(s.DialogDir(id, status), "artifacts")
	p := filepath.Join(base, rel)
	if p != base && !isWithin(base, p) {
		return "", fmt.Errorf("artifact path %q escapes artifacts dir", rel)
	}
	return p, nil
}

func isWithin(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
