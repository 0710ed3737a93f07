package eventstore

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"dominds/internal/dialog"
)

const (
	metadataFileName = "metadata.yaml"
	stateFileName    = "state.yaml"
)

// SaveDialogMetadata writes the one-shot metadata record.
func (s *Store) SaveDialogMetadata(id dialog.ID, meta dialog.Metadata, status dialog.PersistenceStatus) error {
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", id, err)
	}
	return writeFileAtomic(s.DialogDir(id, status)+"/"+metadataFileName, data)
}

// LoadDialogMetadata reads metadata, or nil when absent.
func (s *Store) LoadDialogMetadata(id dialog.ID, status dialog.PersistenceStatus) (*dialog.Metadata, error) {
	data, err := readFileMaybe(s.DialogDir(id, status) + "/" + metadataFileName)
	if err != nil || data == nil {
		return nil, err
	}
	var meta dialog.Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// UpdateSubdialogAssignment atomically rewrites the assignment block of a
// subdialog's metadata on Type-B reassignment.
func (s *Store) UpdateSubdialogAssignment(id dialog.ID, supID dialog.ID, assignment dialog.Assignment, status dialog.PersistenceStatus) error {
	meta, err := s.LoadDialogMetadata(id, status)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("update assignment: dialog %s not found", id)
	}
	meta.SupdialogID = &supID
	meta.Assignment = &assignment
	meta.SessionSlug = assignment.SessionSlug
	return s.SaveDialogMetadata(id, *meta, status)
}

// DialogState is the restorable snapshot of a dialog's mutable fields.
type DialogState struct {
	CurrentCourse int                   `yaml:"currentCourse"`
	Messages      []dialog.Message      `yaml:"messages"`
	Reminders     []dialog.Reminder     `yaml:"reminders,omitempty"`
	ContextHealth *dialog.ContextHealth `yaml:"contextHealth,omitempty"`
}

// SaveDialogState snapshots the dialog's restorable fields. Called by the
// drive executor at round end, under the per-dialog lock.
func (s *Store) SaveDialogState(id dialog.ID, state DialogState, status dialog.PersistenceStatus) error {
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", id, err)
	}
	return writeFileAtomic(s.DialogDir(id, status)+"/"+stateFileName, data)
}

// RestoreDialog reads the dialog state snapshot, or nil when absent.
func (s *Store) RestoreDialog(id dialog.ID, status dialog.PersistenceStatus) (*DialogState, error) {
	data, err := readFileMaybe(s.DialogDir(id, status) + "/" + stateFileName)
	if err != nil || data == nil {
		return nil, err
	}
	var state DialogState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	return &state, nil
}
