package driver

import "dominds/internal/dialog"

// Verdict is the context health gate's decision for one drive round.
type Verdict string

const (
	// VerdictProceed runs the round normally.
	VerdictProceed Verdict = "proceed"
	// VerdictContinue runs the round but flags the context as high-water.
	VerdictContinue Verdict = "continue"
	// VerdictNewCourse closes the current course before running the round.
	VerdictNewCourse Verdict = "new_course"
	// VerdictSuspend skips the round without consuming it.
	VerdictSuspend Verdict = "suspend"
)

// Decision is a verdict plus the reason that produced it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

const (
	healthHighWater = 0.75
	healthCritical  = 0.90
)

// decideHealth gates a round on context-window telemetry. A user prompt in
// the critical band forces a fresh course instead of suspending; the
// critical countdown grants a few more rounds before that happens.
func decideHealth(h *dialog.ContextHealth, hasUserPrompt bool) Decision {
	if h == nil {
		return Decision{Verdict: VerdictProceed}
	}
	ratio := h.UsedRatio()
	switch {
	case ratio < healthHighWater:
		return Decision{Verdict: VerdictProceed}
	case ratio < healthCritical:
		return Decision{Verdict: VerdictContinue, Reason: "context_high_water"}
	case h.CriticalCountdown > 0:
		return Decision{Verdict: VerdictContinue, Reason: "critical_countdown"}
	case hasUserPrompt:
		return Decision{Verdict: VerdictNewCourse, Reason: "context_exhausted_user_prompt"}
	default:
		return Decision{Verdict: VerdictSuspend, Reason: "context_exhausted"}
	}
}
