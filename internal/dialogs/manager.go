// Package dialogs manages live dialog objects on top of the event store:
// creation, lazy rehydration after restart, and state snapshots. It is the
// only place dialog directories are brought to life as in-memory objects.
package dialogs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/registry"
	"dominds/pkg/logger"
)

// ErrNotFound is returned when no dialog exists for an id in any status.
var ErrNotFound = fmt.Errorf("dialog not found")

// Manager hydrates and creates dialogs.
type Manager struct {
	store *eventstore.Store
	reg   *registry.Registry

	// mu serializes rehydration so two lookups cannot build the same root twice.
	mu sync.Mutex
}

// NewManager wires a manager over the store and registry.
func NewManager(store *eventstore.Store, reg *registry.Registry) *Manager {
	return &Manager{store: store, reg: reg}
}

// Store exposes the underlying event store.
func (m *Manager) Store() *eventstore.Store {
	return m.store
}

// NewID mints an opaque short dialog id.
func NewID() string {
	return "d" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// NewCallID mints an opaque call id.
func NewCallID() string {
	return "c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// CreateRoot creates a fresh root dialog, persists its metadata and latest
// pointer, and registers it.
func (m *Manager) CreateRoot(agentID, taskDocPath string) (*dialog.Root, error) {
	selfID := NewID()
	id := dialog.ID{Self: selfID, Root: selfID}
	root, err := dialog.NewRoot(id, agentID, taskDocPath)
	if err != nil {
		return nil, err
	}

	meta := dialog.Metadata{ID: id, AgentID: agentID, TaskDocPath: taskDocPath, CreatedAt: root.CreatedAt}
	if err := m.store.SaveDialogMetadata(id, meta, dialog.StatusRunning); err != nil {
		return nil, err
	}
	if err := m.store.SaveDialogLatest(id, dialog.Latest{
		CurrentCourse: 1,
		Status:        dialog.StatusRunning,
		RunState:      dialog.Idle(),
	}, dialog.StatusRunning); err != nil {
		return nil, err
	}
	if err := m.reg.Register(root); err != nil {
		return nil, err
	}
	logger.Info().Str("root_id", id.Root).Str("agent_id", agentID).Msg("root dialog created")
	return root, nil
}

// CreateSub creates a subdialog under root, persists it, and places it in
// the arena. No session binding happens here; Type-B binding is the special
// call executor's txn.
func (m *Manager) CreateSub(root *dialog.Root, agentID, taskDocPath string, sup dialog.ID, asg dialog.Assignment) (*dialog.Sub, error) {
	id := dialog.ID{Self: NewID(), Root: root.ID.Root}
	sub, err := dialog.NewSub(id, agentID, taskDocPath, sup, asg)
	if err != nil {
		return nil, err
	}
	sub.Status = root.Status

	meta := dialog.Metadata{
		ID: id, AgentID: agentID, TaskDocPath: taskDocPath, CreatedAt: sub.CreatedAt,
		SupdialogID: &sup, Assignment: &asg, SessionSlug: asg.SessionSlug,
	}
	if err := m.store.SaveDialogMetadata(id, meta, root.Status); err != nil {
		return nil, err
	}
	if err := m.store.SaveDialogLatest(id, dialog.Latest{
		CurrentCourse: 1,
		Status:        root.Status,
		RunState:      dialog.Idle(),
	}, root.Status); err != nil {
		return nil, err
	}
	root.AddSub(sub)
	logger.Info().Str("root_id", root.ID.Root).Str("self_id", id.Self).
		Str("agent_id", agentID).Msg("subdialog created")
	return sub, nil
}

// FindStatus locates the status bucket holding the dialog.
func (m *Manager) FindStatus(id dialog.ID) (dialog.PersistenceStatus, error) {
	for _, status := range []dialog.PersistenceStatus{dialog.StatusRunning, dialog.StatusCompleted, dialog.StatusArchived} {
		meta, err := m.store.LoadDialogMetadata(id, status)
		if err != nil {
			return "", err
		}
		if meta != nil {
			return status, nil
		}
	}
	return "", ErrNotFound
}

// Root returns the live root for rootID, rehydrating the whole subtree from
// disk on first access.
func (m *Manager) Root(rootID string) (*dialog.Root, error) {
	if root, ok := m.reg.Get(rootID); ok {
		return root, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if root, ok := m.reg.Get(rootID); ok {
		return root, nil
	}

	id := dialog.ID{Self: rootID, Root: rootID}
	status, err := m.FindStatus(id)
	if err != nil {
		return nil, err
	}
	root, err := m.hydrateRoot(id, status)
	if err != nil {
		return nil, err
	}
	if err := m.reg.Register(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Resolve returns the root and the addressed dialog for id, rehydrating as
// needed.
func (m *Manager) Resolve(id dialog.ID) (*dialog.Root, *dialog.Dialog, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	root, err := m.Root(id.Root)
	if err != nil {
		return nil, nil, err
	}
	d, ok := root.Resolve(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return root, d, nil
}

// ResolveSub returns the live subdialog for id.
func (m *Manager) ResolveSub(id dialog.ID) (*dialog.Root, *dialog.Sub, error) {
	if id.IsRoot() {
		return nil, nil, fmt.Errorf("%s is a root dialog, not a subdialog", id)
	}
	root, err := m.Root(id.Root)
	if err != nil {
		return nil, nil, err
	}
	sub, ok := root.Sub(id.Self)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return root, sub, nil
}

func (m *Manager) hydrateRoot(id dialog.ID, status dialog.PersistenceStatus) (*dialog.Root, error) {
	meta, err := m.store.LoadDialogMetadata(id, status)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrNotFound
	}

	root, err := dialog.NewRoot(id, meta.AgentID, meta.TaskDocPath)
	if err != nil {
		return nil, err
	}
	root.CreatedAt = meta.CreatedAt
	root.Status = status

	if err := m.hydrateShared(&root.Dialog, status); err != nil {
		return nil, err
	}

	latest, err := m.store.LoadDialogLatest(id, status)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if latest.DisableDiligencePush != nil {
			root.DisableDiligencePush = *latest.DisableDiligencePush
		}
		if latest.DiligencePushRemainingBudget != nil {
			root.DiligencePushRemainingBudget = *latest.DiligencePushRemainingBudget
		}
	}

	subIDs, err := m.store.ListSubdialogIDs(id, status)
	if err != nil {
		return nil, err
	}
	for _, subID := range subIDs {
		if err := m.hydrateSub(root, subID, status); err != nil {
			logger.Warn().Err(err).Str("self_id", subID.Self).Msg("subdialog rehydration skipped")
		}
	}
	logger.Info().Str("root_id", id.Root).Int("subdialogs", len(subIDs)).Msg("root dialog rehydrated")
	return root, nil
}

func (m *Manager) hydrateSub(root *dialog.Root, id dialog.ID, status dialog.PersistenceStatus) error {
	meta, err := m.store.LoadDialogMetadata(id, status)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sup := root.ID
	if meta.SupdialogID != nil {
		sup = *meta.SupdialogID
	}
	var asg dialog.Assignment
	if meta.Assignment != nil {
		asg = *meta.Assignment
	}
	sub, err := dialog.NewSub(id, meta.AgentID, meta.TaskDocPath, sup, asg)
	if err != nil {
		return err
	}
	sub.CreatedAt = meta.CreatedAt
	sub.Status = status
	sub.SessionSlug = meta.SessionSlug

	if err := m.hydrateShared(&sub.Dialog, status); err != nil {
		return err
	}
	root.AddSub(sub)

	// Rebuild the Type-B session index: dead subdialogs stay out of it.
	if meta.SessionSlug != "" {
		latest, err := m.store.LoadDialogLatest(id, status)
		if err != nil {
			return err
		}
		if latest == nil || !latest.RunState.IsDead() {
			root.BindSession(meta.AgentID, meta.SessionSlug, id.Self)
		}
	}
	return nil
}

func (m *Manager) hydrateShared(d *dialog.Dialog, status dialog.PersistenceStatus) error {
	state, err := m.store.RestoreDialog(d.ID, status)
	if err != nil {
		return err
	}
	if state != nil {
		d.Messages = state.Messages
		d.Reminders = state.Reminders
		d.ContextHealth = state.ContextHealth
		if state.CurrentCourse > 0 {
			d.CurrentCourse = state.CurrentCourse
		}
	}
	return nil
}

// SaveState snapshots a dialog's restorable fields and refreshes the latest
// pointer counters. Called under the per-dialog lock.
func (m *Manager) SaveState(d *dialog.Dialog) error {
	if err := m.store.SaveDialogState(d.ID, eventstore.DialogState{
		CurrentCourse: d.CurrentCourse,
		Messages:      d.Messages,
		Reminders:     d.Reminders,
		ContextHealth: d.ContextHealth,
	}, d.Status); err != nil {
		return err
	}
	count := len(d.Messages)
	course := d.CurrentCourse
	return m.store.MutateDialogLatest(d.ID, d.Status, func(dialog.Latest) eventstore.LatestMutation {
		return eventstore.PatchLatest(dialog.LatestPatch{MessageCount: &count, CurrentCourse: &course})
	})
}
