package driver

import (
	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/registry"
	"dominds/pkg/logger"
)

const diligenceAdditiveRefill = 3

// refillBudget computes the post-refill budget: a configured max refills to
// max, no max means an additive top-up with no bound.
func refillBudget(current, configuredMax int) int {
	if configuredMax > 0 {
		return configuredMax
	}
	return current + diligenceAdditiveRefill
}

// decidePush reports whether an idle root round should auto-continue, and
// decrements the budget in memory when it should. Persisting the decrement
// is the caller's job.
func decidePush(root *dialog.Root, suppress bool) (bool, string) {
	if suppress {
		return false, "suppressed"
	}
	if root.DisableDiligencePush {
		return false, "disabled"
	}
	if root.DiligencePushRemainingBudget <= 0 {
		return false, "budget_exhausted"
	}
	root.DiligencePushRemainingBudget--
	return true, "push"
}

// persistDiligence writes the root's diligence fields to the latest pointer.
func (e *Executor) persistDiligence(root *dialog.Root) error {
	disable := root.DisableDiligencePush
	budget := root.DiligencePushRemainingBudget
	return e.store.MutateDialogLatest(root.ID, root.Status, func(l dialog.Latest) eventstore.LatestMutation {
		return eventstore.PatchLatest(dialog.LatestPatch{
			DisableDiligencePush:         &disable,
			DiligencePushRemainingBudget: &budget,
		})
	})
}

// RefillDiligenceBudget tops the root's push budget back up, e.g. on a fresh
// user message.
func (e *Executor) RefillDiligenceBudget(root *dialog.Root, configuredMax int) error {
	root.DiligencePushRemainingBudget = refillBudget(root.DiligencePushRemainingBudget, configuredMax)
	return e.persistDiligence(root)
}

// SetDisableDiligencePush toggles push on a root. Turning push on for an
// idle drivable root fires one push attempt immediately.
func (e *Executor) SetDisableDiligencePush(root *dialog.Root, disable bool) error {
	wasDisabled := root.DisableDiligencePush
	root.DisableDiligencePush = disable
	if err := e.persistDiligence(root); err != nil {
		return err
	}
	if wasDisabled && !disable {
		rs, err := e.states.Get(root.ID, root.Status)
		if err != nil {
			return err
		}
		if rs.Drivable() {
			if err := e.store.SetNeedsDrive(root.ID, true, root.Status); err != nil {
				return err
			}
			e.reg.MarkNeedsDrive(root.ID.Root, registry.MarkOpts{
				Source: "diligence_toggle",
				Reason: "push_reenabled",
			})
			logger.WithDialog(root.ID.Self, root.ID.Root).Info().Msg("diligence push re-enabled, drive triggered")
		}
	}
	return nil
}
