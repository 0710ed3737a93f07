package driver

import (
	"context"
	"errors"

	"dominds/internal/calls"
	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/q4h"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/pkg/logger"
)

// Loop is the backend driver loop: one goroutine that wakes on drive
// triggers and submits eligible roots to the executor. It never blocks on a
// single dialog; drives are scheduled, not awaited.
type Loop struct {
	reg       *registry.Registry
	store     *eventstore.Store
	states    *runstate.Manager
	questions *q4h.Queue
	exec      *Executor
}

// NewLoop wires the driver loop.
func NewLoop(reg *registry.Registry, store *eventstore.Store, states *runstate.Manager, questions *q4h.Queue, exec *Executor) *Loop {
	return &Loop{reg: reg, store: store, states: states, questions: questions, exec: exec}
}

// Run blocks until ctx is done or the registry closes.
func (l *Loop) Run(ctx context.Context) error {
	logger.Info().Msg("driver loop started")
	for {
		_, err := l.reg.WaitForDriveTrigger(ctx)
		if err != nil {
			// A closed trigger stream means the registry shut down.
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn().Err(err).Msg("driver loop trigger stream ended")
			}
			logger.Info().Msg("driver loop stopped")
			return nil
		}
		for _, root := range l.reg.DialogsNeedingDrive() {
			l.dispatch(root)
		}
	}
}

// dispatch consumes one root's needsDrive flag: schedule when eligible,
// clear as idle when not.
func (l *Loop) dispatch(root *dialog.Root) {
	id := root.ID
	eligible, why := l.eligible(id, root.Status)

	if err := l.store.SetNeedsDrive(id, false, root.Status); err != nil {
		logger.WithDialog(id.Self, id.Root).Warn().Err(err).Msg("clear needs-drive hint failed")
	}
	if !eligible {
		l.reg.MarkNotNeedingDrive(id.Root, registry.MarkOpts{Source: "driver_loop", Reason: "idle"})
		logger.WithDialog(id.Self, id.Root).Debug().Str("why", why).Msg("drive skipped")
		return
	}
	l.reg.MarkNotNeedingDrive(id.Root, registry.MarkOpts{Source: "driver_loop", Reason: "scheduled"})
	l.exec.ScheduleDrive(id, nil, calls.DriveOptions{SuppressDiligencePush: root.DisableDiligencePush})
}

func (l *Loop) eligible(id dialog.ID, status dialog.PersistenceStatus) (bool, string) {
	rs, err := l.states.Get(id, status)
	if err != nil {
		return false, "run_state_unreadable"
	}
	switch rs.Kind {
	case dialog.RunDead, dialog.RunTerminal, dialog.RunProceedingStopRequested:
		return false, string(rs.Kind)
	}
	pendingSubs, err := l.store.HasPendingSubdialogs(id, status)
	if err != nil || pendingSubs {
		return false, "pending_subdialogs"
	}
	pendingQ4H, err := l.questions.HasPending(id, status)
	if err != nil || pendingQ4H {
		return false, "pending_q4h"
	}
	return true, ""
}
