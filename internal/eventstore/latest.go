package eventstore

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"dominds/internal/dialog"
)

const (
	latestFileName     = "latest.yaml"
	needsDriveFileName = "needs-drive.yaml"
)

// latestEntry is the write-back state for one dialog's latest pointer: a
// per-id mutex serializing mutators and a cached copy so rapid mutations
// within a round coalesce without re-reading disk.
type latestEntry struct {
	mu     sync.Mutex
	cached *dialog.Latest
}

func (s *Store) latestEntryFor(id dialog.ID) *latestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latest[id.Self]
	if !ok {
		e = &latestEntry{}
		s.latest[id.Self] = e
	}
	return e
}

// LatestMutation is the result of a latest-pointer mutator: either a partial
// patch or a full replacement.
type LatestMutation struct {
	Kind  MutationKind
	Patch dialog.LatestPatch
	Next  dialog.Latest
}

// MutationKind tags a LatestMutation.
type MutationKind string

const (
	MutationPatch   MutationKind = "patch"
	MutationReplace MutationKind = "replace"
)

// PatchLatest wraps a patch into a mutation result.
func PatchLatest(p dialog.LatestPatch) LatestMutation {
	return LatestMutation{Kind: MutationPatch, Patch: p}
}

// ReplaceLatest wraps a full replacement into a mutation result.
func ReplaceLatest(next dialog.Latest) LatestMutation {
	return LatestMutation{Kind: MutationReplace, Next: next}
}

// LoadDialogLatest reads the latest pointer, or nil when absent.
func (s *Store) LoadDialogLatest(id dialog.ID, status dialog.PersistenceStatus) (*dialog.Latest, error) {
	e := s.latestEntryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.loadLatestLocked(e, id, status)
}

func (s *Store) loadLatestLocked(e *latestEntry, id dialog.ID, status dialog.PersistenceStatus) (*dialog.Latest, error) {
	if e.cached != nil {
		cp := *e.cached
		return &cp, nil
	}
	data, err := readFileMaybe(s.latestPath(id, status))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var latest dialog.Latest
	if err := yaml.Unmarshal(data, &latest); err != nil {
		return nil, fmt.Errorf("decode latest for %s: %w", id, err)
	}
	cp := latest
	e.cached = &cp
	return &latest, nil
}

// SaveDialogLatest writes the latest pointer unconditionally.
func (s *Store) SaveDialogLatest(id dialog.ID, latest dialog.Latest, status dialog.PersistenceStatus) error {
	e := s.latestEntryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.writeLatestLocked(e, id, latest, status)
}

func (s *Store) writeLatestLocked(e *latestEntry, id dialog.ID, latest dialog.Latest, status dialog.PersistenceStatus) error {
	if latest.LastModified.IsZero() {
		latest.LastModified = time.Now()
	}
	data, err := yaml.Marshal(&latest)
	if err != nil {
		return fmt.Errorf("encode latest for %s: %w", id, err)
	}
	if err := writeFileAtomic(s.latestPath(id, status), data); err != nil {
		return err
	}
	cp := latest
	e.cached = &cp
	return nil
}

// MutateDialogLatest applies a mutator under the per-id write lock. The
// mutator receives the current value and returns a patch or replacement.
// Returns an error when the dialog has no latest pointer yet.
//
// A mutation of a dead run state to anything other than dead is rejected:
// dead is write-once.
func (s *Store) MutateDialogLatest(id dialog.ID, status dialog.PersistenceStatus, mutate func(dialog.Latest) LatestMutation) error {
	e := s.latestEntryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := s.loadLatestLocked(e, id, status)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("mutate latest: dialog %s not found", id)
	}

	m := mutate(*cur)
	var next dialog.Latest
	switch m.Kind {
	case MutationPatch:
		next = m.Patch.Apply(*cur)
	case MutationReplace:
		next = m.Next
	default:
		return fmt.Errorf("mutate latest: unknown mutation kind %q", m.Kind)
	}

	if cur.RunState.IsDead() && !next.RunState.IsDead() {
		return fmt.Errorf("mutate latest: %s is dead, run state is write-once", id)
	}
	if next.CurrentCourse < cur.CurrentCourse {
		return fmt.Errorf("mutate latest: course may only increase (%d -> %d)", cur.CurrentCourse, next.CurrentCourse)
	}
	if next.DiligencePushRemainingBudget != nil && *next.DiligencePushRemainingBudget < 0 {
		return fmt.Errorf("mutate latest: negative diligence budget")
	}

	return s.writeLatestLocked(e, id, next, status)
}

// forgetLatest drops the cached copy, e.g. after a status move or delete.
func (s *Store) forgetLatest(selfID string) {
	s.mu.Lock()
	delete(s.latest, selfID)
	s.mu.Unlock()
}

func (s *Store) latestPath(id dialog.ID, status dialog.PersistenceStatus) string {
	return s.DialogDir(id, status) + "/" + latestFileName
}

// needsDriveRecord is the persisted crash-recovery hint.
type needsDriveRecord struct {
	NeedsDrive bool      `yaml:"needsDrive"`
	UpdatedAt  time.Time `yaml:"updatedAt"`
}

// SetNeedsDrive persists the needs-drive hint for crash recovery.
func (s *Store) SetNeedsDrive(id dialog.ID, needsDrive bool, status dialog.PersistenceStatus) error {
	data, err := yaml.Marshal(needsDriveRecord{NeedsDrive: needsDrive, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode needs-drive for %s: %w", id, err)
	}
	return writeFileAtomic(s.DialogDir(id, status)+"/"+needsDriveFileName, data)
}

// LoadNeedsDrive reads the persisted needs-drive hint; absent means false.
func (s *Store) LoadNeedsDrive(id dialog.ID, status dialog.PersistenceStatus) (bool, error) {
	data, err := readFileMaybe(s.DialogDir(id, status) + "/" + needsDriveFileName)
	if err != nil || data == nil {
		return false, err
	}
	var rec needsDriveRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("decode needs-drive for %s: %w", id, err)
	}
	return rec.NeedsDrive, nil
}
