// Package runstate owns per-dialog run-state transitions over the persisted
// latest pointer, including crash reconciliation on startup.
package runstate

import (
	"fmt"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/pubsub"
	"dominds/pkg/logger"
)

// Change is published on every applied run-state transition.
type Change struct {
	ID    dialog.ID      `json:"dialog"`
	State dialog.RunState `json:"runState"`
}

// Counts is a snapshot of running-bucket run states for run-control views.
type Counts struct {
	Idle          int `json:"idle"`
	Proceeding    int `json:"proceeding"`
	StopRequested int `json:"stopRequested"`
	Interrupted   int `json:"interrupted"`
	Dead          int `json:"dead"`
	Terminal      int `json:"terminal"`
}

// Manager applies run-state transitions.
type Manager struct {
	store *eventstore.Store
	pub   *pubsub.Pub[Change]
}

// NewManager creates a run-state manager over the store.
func NewManager(store *eventstore.Store) *Manager {
	return &Manager{store: store, pub: pubsub.NewPub[Change]()}
}

// Subscribe attaches an observer of run-state changes.
func (m *Manager) Subscribe() *pubsub.Sub[Change] {
	return m.pub.Subscribe()
}

// Close ends the change stream.
func (m *Manager) Close() {
	m.pub.Close()
}

// Get reads the persisted run state.
func (m *Manager) Get(id dialog.ID, status dialog.PersistenceStatus) (dialog.RunState, error) {
	latest, err := m.store.LoadDialogLatest(id, status)
	if err != nil {
		return dialog.RunState{}, err
	}
	if latest == nil {
		return dialog.RunState{}, fmt.Errorf("run state: dialog %s not found", id)
	}
	return latest.RunState, nil
}

// Set transitions the run state unconditionally (dead stickiness is still
// enforced by the store) and publishes the change.
func (m *Manager) Set(id dialog.ID, status dialog.PersistenceStatus, rs dialog.RunState) error {
	err := m.store.MutateDialogLatest(id, status, func(dialog.Latest) eventstore.LatestMutation {
		return eventstore.PatchLatest(dialog.LatestPatch{RunState: &rs})
	})
	if err != nil {
		return err
	}
	m.pub.Write(Change{ID: id, State: rs})
	return nil
}

// RequestInterrupt asks a proceeding dialog to stop. Returns applied=false,
// with no error, when the dialog is not proceeding: a double request is
// idempotent, and interrupting a dead dialog never re-opens it.
func (m *Manager) RequestInterrupt(id dialog.ID, status dialog.PersistenceStatus, reason dialog.InterruptReason) (bool, error) {
	latest, err := m.store.LoadDialogLatest(id, status)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, fmt.Errorf("interrupt: dialog %s not found", id)
	}
	if latest.RunState.Kind != dialog.RunProceeding {
		return false, nil
	}
	if err := m.Set(id, status, dialog.StopRequested(reason)); err != nil {
		return false, err
	}
	logger.Info().Str("dialog", id.String()).Str("reason", string(reason)).Msg("interrupt requested")
	return true, nil
}

// MarkInterrupted records that the core observed the stop request.
func (m *Manager) MarkInterrupted(id dialog.ID, status dialog.PersistenceStatus, reason dialog.InterruptReason) error {
	return m.Set(id, status, dialog.Interrupted(reason))
}

// CanResume reports whether resume_dialog is currently valid.
func (m *Manager) CanResume(id dialog.ID, status dialog.PersistenceStatus) (bool, error) {
	rs, err := m.Get(id, status)
	if err != nil {
		return false, err
	}
	return rs.Kind == dialog.RunInterrupted, nil
}

// DeclareDead transitions a dialog to the sticky dead terminal. Re-declaring
// a dead dialog is a no-op.
func (m *Manager) DeclareDead(id dialog.ID, status dialog.PersistenceStatus, reason dialog.DeadReason) error {
	latest, err := m.store.LoadDialogLatest(id, status)
	if err != nil {
		return err
	}
	if latest == nil {
		return fmt.Errorf("declare dead: dialog %s not found", id)
	}
	if latest.RunState.IsDead() {
		return nil
	}
	if err := m.Set(id, status, dialog.Dead(reason)); err != nil {
		return err
	}
	logger.Warn().Str("dialog", id.String()).Str("reason", string(reason)).Msg("dialog declared dead")
	return nil
}

// RequestEmergencyStopAll requests interrupt on every proceeding running
// dialog and returns how many requests were applied.
func (m *Manager) RequestEmergencyStopAll() (int, error) {
	ids, err := m.store.ListAllDialogIDs(dialog.StatusRunning)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, id := range ids {
		ok, err := m.RequestInterrupt(id, dialog.StatusRunning, dialog.InterruptEmergencyStop)
		if err != nil {
			logger.Error().Err(err).Str("dialog", id.String()).Msg("emergency stop request failed")
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// ReconcileOnStartup rewrites every running dialog found mid-flight
// (proceeding or proceeding_stop_requested) to interrupted{crash_recovery}.
// This is the only path that rewrites proceeding_stop_requested.
func (m *Manager) ReconcileOnStartup() (int, error) {
	ids, err := m.store.ListAllDialogIDs(dialog.StatusRunning)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, id := range ids {
		latest, err := m.store.LoadDialogLatest(id, dialog.StatusRunning)
		if err != nil {
			return reconciled, err
		}
		if latest == nil {
			continue
		}
		switch latest.RunState.Kind {
		case dialog.RunProceeding, dialog.RunProceedingStopRequested:
			if err := m.Set(id, dialog.StatusRunning, dialog.Interrupted(dialog.InterruptCrashRecovery)); err != nil {
				return reconciled, err
			}
			reconciled++
		}
	}
	if reconciled > 0 {
		logger.Info().Int("dialogs", reconciled).Msg("crash recovery reconciled mid-flight dialogs")
	}
	return reconciled, nil
}

// SnapshotCounts tallies run states across all running dialogs, subdialogs
// included.
func (m *Manager) SnapshotCounts() (Counts, error) {
	ids, err := m.store.ListAllDialogIDs(dialog.StatusRunning)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, id := range ids {
		latest, err := m.store.LoadDialogLatest(id, dialog.StatusRunning)
		if err != nil || latest == nil {
			continue
		}
		switch latest.RunState.Kind {
		case dialog.RunIdleWaitingUser:
			c.Idle++
		case dialog.RunProceeding:
			c.Proceeding++
		case dialog.RunProceedingStopRequested:
			c.StopRequested++
		case dialog.RunInterrupted:
			c.Interrupted++
		case dialog.RunDead:
			c.Dead++
		case dialog.RunTerminal:
			c.Terminal++
		}
	}
	return c, nil
}
