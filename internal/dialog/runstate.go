package dialog

import "fmt"

// RunStateKind tags the run-state variant.
type RunStateKind string

const (
	RunIdleWaitingUser         RunStateKind = "idle_waiting_user"
	RunProceeding              RunStateKind = "proceeding"
	RunProceedingStopRequested RunStateKind = "proceeding_stop_requested"
	RunInterrupted             RunStateKind = "interrupted"
	RunDead                    RunStateKind = "dead"
	RunTerminal                RunStateKind = "terminal"
)

// InterruptReason explains why a dialog left proceeding.
type InterruptReason string

const (
	InterruptUserStop      InterruptReason = "user_stop"
	InterruptEmergencyStop InterruptReason = "emergency_stop"
	InterruptCrashRecovery InterruptReason = "crash_recovery"
)

// DeadReason explains why a dialog was declared dead.
type DeadReason string

const (
	DeadDeclaredByUser DeadReason = "declared_by_user"
)

// RunState is the persisted per-dialog execution state.
// Reason is meaningful for proceeding_stop_requested, interrupted and dead;
// TerminalStatus is meaningful for terminal only.
type RunState struct {
	Kind           RunStateKind      `json:"kind" yaml:"kind"`
	Reason         string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	TerminalStatus PersistenceStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// Idle returns the idle_waiting_user state.
func Idle() RunState { return RunState{Kind: RunIdleWaitingUser} }

// Proceeding returns the proceeding state.
func Proceeding() RunState { return RunState{Kind: RunProceeding} }

// StopRequested returns proceeding_stop_requested with the given reason.
func StopRequested(reason InterruptReason) RunState {
	return RunState{Kind: RunProceedingStopRequested, Reason: string(reason)}
}

// Interrupted returns the interrupted state with the given reason.
func Interrupted(reason InterruptReason) RunState {
	return RunState{Kind: RunInterrupted, Reason: string(reason)}
}

// Dead returns the dead state. Dead is irreversible once persisted.
func Dead(reason DeadReason) RunState {
	return RunState{Kind: RunDead, Reason: string(reason)}
}

// Terminal returns the terminal state for a completed or archived dialog.
func Terminal(status PersistenceStatus) RunState {
	return RunState{Kind: RunTerminal, TerminalStatus: status}
}

// IsDead reports whether the state is the sticky dead terminal.
func (s RunState) IsDead() bool { return s.Kind == RunDead }

// IsTerminal reports whether the state admits no further drives.
func (s RunState) IsTerminal() bool {
	return s.Kind == RunDead || s.Kind == RunTerminal
}

// Drivable reports whether a drive round may start from this state.
// proceeding itself is drivable: concurrent drives are gated by the
// per-dialog lock, not by the persisted state.
func (s RunState) Drivable() bool {
	switch s.Kind {
	case RunIdleWaitingUser, RunProceeding, RunInterrupted:
		return true
	}
	return false
}

func (s RunState) String() string {
	switch s.Kind {
	case RunProceedingStopRequested, RunInterrupted, RunDead:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	case RunTerminal:
		return fmt.Sprintf("terminal(%s)", s.TerminalStatus)
	default:
		return string(s.Kind)
	}
}
