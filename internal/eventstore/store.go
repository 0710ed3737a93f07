// Package eventstore is the on-disk persistence layer: per-dialog metadata,
// the mutable latest pointer, pending-subdialog records, ask-human questions,
// and per-course append-only event logs.
//
// Layout, per root dialog:
//
//	<workdir>/dialogs/<status>/<rootId>/
//	  metadata.yaml
//	  latest.yaml
//	  state.yaml
//	  q4h.yaml
//	  pending-subdialogs.json
//	  needs-drive.yaml
//	  courses/c<N>/events.log
//	  subdialogs/<selfId>/ ...
//
// All mutable files are written atomically (temp file + rename); readers
// treat a missing file as "not present" rather than an error.
package eventstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"dominds/internal/dialog"
)

const dialogsDirName = "dialogs"

// Store is the file-backed event store rooted at a working directory.
type Store struct {
	root string

	mu sync.Mutex
	// latest holds the per-dialog latest-pointer write-back state, keyed by
	// selfId. Mutations are serialized and coalesce through the cached copy.
	latest map[string]*latestEntry
	// txn holds the per-dialog subdialog-txn locks, keyed by selfId.
	txn map[string]*sync.Mutex
	// genseq tracks the next event sequence per (selfId, course).
	genseq map[string]int64
}

// Open creates (if needed) and opens a store under workdir.
func Open(workdir string) (*Store, error) {
	root := filepath.Join(workdir, dialogsDirName)
	for _, status := range []dialog.PersistenceStatus{dialog.StatusRunning, dialog.StatusCompleted, dialog.StatusArchived} {
		if err := os.MkdirAll(filepath.Join(root, string(status)), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{
		root:   root,
		latest: make(map[string]*latestEntry),
		txn:    make(map[string]*sync.Mutex),
		genseq: make(map[string]int64),
	}, nil
}

// Root returns the store's dialogs directory.
func (s *Store) Root() string {
	return s.root
}

// DialogDir resolves the on-disk directory of a dialog. Subdialogs live
// under their root's subdialogs/ directory, flat by selfId.
func (s *Store) DialogDir(id dialog.ID, status dialog.PersistenceStatus) string {
	rootDir := filepath.Join(s.root, string(status), id.Root)
	if id.IsRoot() {
		return rootDir
	}
	return filepath.Join(rootDir, "subdialogs", id.Self)
}

func (s *Store) courseDir(id dialog.ID, course int, status dialog.PersistenceStatus) string {
	return filepath.Join(s.DialogDir(id, status), "courses", fmt.Sprintf("c%d", course))
}

// SubdialogTxn runs fn under the subdialog-txn lock for id's tree. The lock
// is keyed by root id, so session-registry mutations and pending-list writes
// anywhere in one tree serialize against each other. It must never be
// acquired while holding a per-dialog drive lock, and fn must not re-enter.
func (s *Store) SubdialogTxn(id dialog.ID, fn func() error) error {
	s.mu.Lock()
	m, ok := s.txn[id.Root]
	if !ok {
		m = &sync.Mutex{}
		s.txn[id.Root] = m
	}
	s.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}

// writeFileAtomic writes data via a temp file and rename so readers never
// observe torn state.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// readFileMaybe reads a file, mapping "does not exist" to (nil, nil).
func readFileMaybe(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseCourseDirName returns the course number of a "c<N>" directory name.
func parseCourseDirName(name string) (int, bool) {
	if !strings.HasPrefix(name, "c") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
