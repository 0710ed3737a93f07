// Package driver runs drive rounds: it wakes on registry triggers, gates
// each round on run-state and context health, invokes the generation core,
// hands emitted calls to the special-call executor, and routes subdialog
// replies upstream.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dominds/internal/audit"
	"dominds/internal/calls"
	"dominds/internal/dialog"
	"dominds/internal/dialogs"
	"dominds/internal/eventstore"
	"dominds/internal/llm"
	"dominds/internal/q4h"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/internal/stream"
	"dominds/internal/team"
	"dominds/pkg/logger"
)

// ErrDialogBusy is the fast-fail result when waitInQueue is false and the
// dialog's drive lock is held.
var ErrDialogBusy = errors.New("driver: dialog busy")

// Executor runs one drive round at a time per dialog.
type Executor struct {
	mgr       *dialogs.Manager
	store     *eventstore.Store
	reg       *registry.Registry
	states    *runstate.Manager
	teams     *team.Provider
	calls     *calls.Executor
	questions *q4h.Queue
	core      llm.Core
	rec       *stream.Recorder
	problems  *Problems
	tracer    trace.Tracer

	auditMu sync.RWMutex
	audit   *audit.Tracker

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewExecutor wires the drive executor and attaches itself to the calls
// executor as its driver.
func NewExecutor(mgr *dialogs.Manager, reg *registry.Registry, states *runstate.Manager, teams *team.Provider, callsExec *calls.Executor, questions *q4h.Queue, core llm.Core, rec *stream.Recorder, problems *Problems) *Executor {
	e := &Executor{
		mgr:       mgr,
		store:     mgr.Store(),
		reg:       reg,
		states:    states,
		teams:     teams,
		calls:     callsExec,
		questions: questions,
		core:      core,
		rec:       rec,
		problems:  problems,
		tracer:    otel.Tracer("dominds/internal/driver"),
		active:    make(map[string]context.CancelFunc),
	}
	callsExec.SetDriver(e)
	return e
}

// SetAudit attaches the optional audit index.
func (e *Executor) SetAudit(t *audit.Tracker) {
	e.auditMu.Lock()
	e.audit = t
	e.auditMu.Unlock()
	e.calls.SetAudit(t)
}

func (e *Executor) auditRef() *audit.Tracker {
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	return e.audit
}

func (e *Executor) registerActiveRun(selfID string, cancel context.CancelFunc) {
	e.activeMu.Lock()
	e.active[selfID] = cancel
	e.activeMu.Unlock()
}

func (e *Executor) clearActiveRun(selfID string) {
	e.activeMu.Lock()
	delete(e.active, selfID)
	e.activeMu.Unlock()
}

// CancelRun cancels a dialog's in-flight round, if any. The run-state
// transition happens separately through the run-state manager.
func (e *Executor) CancelRun(selfID string) bool {
	e.activeMu.Lock()
	cancel, ok := e.active[selfID]
	e.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight round, for emergency stop.
func (e *Executor) CancelAll() int {
	e.activeMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for _, c := range e.active {
		cancels = append(cancels, c)
	}
	e.activeMu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// DriveDialog runs one drive round inline. Implements calls.Driver.
func (e *Executor) DriveDialog(ctx context.Context, id dialog.ID, prompt *dialog.Prompt, waitInQueue bool, opts calls.DriveOptions) error {
	return e.ExecuteDriveRound(ctx, id, prompt, waitInQueue, opts)
}

// ScheduleDrive enqueues a drive round asynchronously. Implements
// calls.Driver.
func (e *Executor) ScheduleDrive(id dialog.ID, prompt *dialog.Prompt, opts calls.DriveOptions) {
	go func() {
		if err := e.ExecuteDriveRound(context.Background(), id, prompt, true, opts); err != nil {
			logger.WithDialog(id.Self, id.Root).Error().Err(err).Msg("scheduled drive failed")
		}
	}()
}

// langFor resolves the language used for prompts and reminders this round.
func (e *Executor) langFor(d *dialog.Dialog, prompt *dialog.Prompt) string {
	if prompt != nil && prompt.UserLanguageCode != "" {
		return prompt.UserLanguageCode
	}
	if d.LastUserLanguage != "" {
		return d.LastUserLanguage
	}
	if t := e.teams.Current(); t != nil && t.WorkLanguage != "" {
		return t.WorkLanguage
	}
	return "en"
}

// openNewCourse closes the current course and opens the next one.
func (e *Executor) openNewCourse(d *dialog.Dialog, reason string) error {
	next := d.CurrentCourse + 1
	if err := e.store.MutateDialogLatest(d.ID, d.Status, func(l dialog.Latest) eventstore.LatestMutation {
		return eventstore.PatchLatest(dialog.LatestPatch{CurrentCourse: &next})
	}); err != nil {
		return err
	}
	d.CurrentCourse = next
	if d.ContextHealth != nil {
		h := *d.ContextHealth
		h.UsedTokens = 0
		d.ContextHealth = &h
	}
	logger.WithDialog(d.ID.Self, d.ID.Root).Info().
		Int("course", next).Str("reason", reason).Msg("new course opened")
	return nil
}

// ExecuteDriveRound runs one drive round end to end. See the ordering
// contract on each step; the per-dialog lock is held throughout.
func (e *Executor) ExecuteDriveRound(ctx context.Context, id dialog.ID, humanPrompt *dialog.Prompt, waitInQueue bool, opts calls.DriveOptions) error {
	root, d, err := e.mgr.Resolve(id)
	if err != nil {
		return err
	}

	lock := d.Lock()
	if !waitInQueue {
		if !lock.TryAcquire() {
			return ErrDialogBusy
		}
	} else if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerActiveRun(id.Self, cancel)
	defer e.clearActiveRun(id.Self)

	// Preflight gates on the persisted run-state.
	latest, err := e.store.LoadDialogLatest(id, d.Status)
	if err != nil {
		return err
	}
	rs := latest.RunState
	switch {
	case rs.IsDead() || rs.Kind == dialog.RunTerminal:
		return nil
	case rs.Kind == dialog.RunProceedingStopRequested:
		// A stop is in flight; crash reconciliation owns resolving a stale
		// one at startup.
		return nil
	case rs.Kind == dialog.RunInterrupted && !opts.AllowResumeFromInterrupted && humanPrompt == nil:
		return nil
	}

	minds, err := e.teams.Minds(d.AgentID)
	if err != nil {
		e.problems.Report(id.Self, "minds_resolution", err.Error())
		return fmt.Errorf("resolve minds for %s: %w", d.AgentID, err)
	}

	// Context health gate.
	decision := decideHealth(d.ContextHealth, humanPrompt != nil)
	switch decision.Verdict {
	case VerdictSuspend:
		logger.WithDialog(id.Self, id.Root).Warn().Str("reason", decision.Reason).Msg("round suspended by health gate")
		return nil
	case VerdictNewCourse:
		if err := e.openNewCourse(d, decision.Reason); err != nil {
			return err
		}
	case VerdictContinue:
		if decision.Reason == "critical_countdown" && d.ContextHealth != nil {
			h := *d.ContextHealth
			h.CriticalCountdown--
			d.ContextHealth = &h
		}
	}

	// Effective prompt: explicit beats queued; queued is taken at most once.
	prompt := humanPrompt
	if prompt == nil {
		prompt = d.TakeUpNext()
	}
	lang := e.langFor(d, prompt)

	ctxSpan, span := e.tracer.Start(runCtx, "driver.round",
		trace.WithAttributes(
			attribute.String("dialog.self_id", id.Self),
			attribute.String("dialog.root_id", id.Root),
			attribute.String("dialog.agent_id", d.AgentID),
			attribute.Int("dialog.course", d.CurrentCourse),
		))
	defer span.End()

	roundID := dialogs.NewID()
	if t := e.auditRef(); t != nil {
		origin := ""
		if prompt != nil {
			origin = string(prompt.Origin)
		}
		if err := t.StartRound(audit.RoundRecord{
			ID: roundID, DialogID: id.Self, RootID: id.Root, AgentID: d.AgentID,
			Course: d.CurrentCourse, PromptOrigin: origin, StartedAt: time.Now(),
		}); err != nil {
			logger.Warn().Err(err).Msg("audit round insert failed")
		}
	}
	finishAudit := func(status string, roundErr error) {
		if t := e.auditRef(); t != nil {
			var msg *string
			if roundErr != nil {
				s := roundErr.Error()
				msg = &s
			}
			if err := t.CompleteRound(roundID, status, msg); err != nil {
				logger.Warn().Err(err).Msg("audit round update failed")
			}
		}
	}

	if err := e.states.Set(id, d.Status, dialog.Proceeding()); err != nil {
		finishAudit("failed", err)
		return err
	}

	if prompt != nil {
		if prompt.UserLanguageCode != "" {
			d.LastUserLanguage = prompt.UserLanguageCode
		}
		d.AppendMessage(dialog.Message{Role: dialog.RoleUser, Content: prompt.Content, At: time.Now()})
		if _, err := e.rec.Record(d, dialog.CourseEvent{
			Kind:    dialog.EventPrompting,
			Content: prompt.Content,
			Status:  string(prompt.Origin),
			CallID:  prompt.MsgID,
		}); err != nil {
			finishAudit("failed", err)
			return err
		}
	}

	if err := e.syncPendingTellaskReminder(d, lang); err != nil {
		finishAudit("failed", err)
		return err
	}

	out, genErr := e.core.Generate(ctxSpan, llm.GenInput{
		Dialog:       id,
		AgentID:      d.AgentID,
		SystemPrompt: minds.SystemPrompt,
		Tools:        minds.Tools,
		Messages:     d.Messages,
		Reminders:    d.Reminders,
		Prompt:       prompt,
		Course:       d.CurrentCourse,
		Emit: func(ev dialog.CourseEvent) {
			if _, err := e.rec.Record(d, ev); err != nil {
				logger.WithDialog(id.Self, id.Root).Warn().Err(err).Msg("stream event append failed")
			}
		},
	})
	if out.Health != nil {
		d.ContextHealth = out.Health
		if _, err := e.rec.Record(d, dialog.CourseEvent{Kind: dialog.EventContextHealth, Health: out.Health}); err != nil {
			finishAudit("failed", err)
			return err
		}
	}

	// A stop requested mid-generation wins even when the core returned a
	// complete result.
	interrupted := out.Interrupted || errors.Is(genErr, context.Canceled)
	if !interrupted {
		if cur, err := e.store.LoadDialogLatest(id, d.Status); err == nil && cur.RunState.Kind == dialog.RunProceedingStopRequested {
			interrupted = true
		}
	}
	if interrupted {
		reason := dialog.InterruptUserStop
		if cur, err := e.store.LoadDialogLatest(id, d.Status); err == nil && cur.RunState.Reason != "" {
			reason = dialog.InterruptReason(cur.RunState.Reason)
		}
		if err := e.states.MarkInterrupted(id, d.Status, reason); err != nil {
			finishAudit("failed", err)
			return err
		}
		if err := e.mgr.SaveState(d); err != nil {
			finishAudit("interrupted", err)
			return err
		}
		span.SetAttributes(attribute.Bool("round.interrupted", true))
		finishAudit("interrupted", nil)
		return nil
	}
	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		if err := e.states.Set(id, d.Status, dialog.Idle()); err != nil {
			logger.WithDialog(id.Self, id.Root).Error().Err(err).Msg("reset run state after core failure")
		}
		finishAudit("failed", genErr)
		return fmt.Errorf("generation for %s: %w", id.Self, genErr)
	}

	if out.LastAssistantSaying != "" {
		d.AppendMessage(dialog.Message{Role: dialog.RoleAssistant, Content: out.LastAssistantSaying, At: time.Now()})
	}

	batch, err := e.calls.ExecuteBatch(runCtx, root, d, out.Calls, lang)
	if err != nil {
		finishAudit("failed", err)
		return err
	}

	if err := e.states.Set(id, d.Status, dialog.Idle()); err != nil {
		finishAudit("failed", err)
		return err
	}
	if err := e.mgr.SaveState(d); err != nil {
		finishAudit("failed", err)
		return err
	}

	// Subdialog reply supply: only when nothing still suspends this dialog.
	if !id.IsRoot() && out.LastAssistantSaying != "" && !batch.Suspend {
		if err := e.supplyUpstream(runCtx, root, id, prompt, out.LastAssistantSaying, lang); err != nil {
			finishAudit("failed", err)
			return err
		}
	}

	// Follow-up round when the batch queued new work.
	if d.PeekUpNext() && !batch.Suspend {
		e.ScheduleDrive(id, nil, opts)
		finishAudit("completed", nil)
		return nil
	}

	// Diligence push: an idle root auto-continues while budget lasts. Rounds
	// explicitly driven by a user message never push; everything else,
	// including the push rounds themselves, may chain until the budget runs
	// out.
	if id.IsRoot() && !batch.Suspend && (prompt == nil || prompt.Origin != dialog.OriginUser) {
		if push, why := decidePush(root, opts.SuppressDiligencePush); push {
			if err := e.persistDiligence(root); err != nil {
				finishAudit("failed", err)
				return err
			}
			e.ScheduleDrive(id, &dialog.Prompt{
				Content:          autoContinuePrompt(lang),
				Origin:           dialog.OriginDiligencePush,
				UserLanguageCode: lang,
			}, opts)
		} else {
			logger.WithDialog(id.Self, id.Root).Debug().Str("decision", why).Msg("diligence push skipped")
		}
	}

	finishAudit("completed", nil)
	return nil
}

// supplyUpstream routes a finished subdialog round's saying to its waiting
// caller, if one still waits.
func (e *Executor) supplyUpstream(ctx context.Context, root *dialog.Root, id dialog.ID, prompt *dialog.Prompt, saying, lang string) error {
	sub, ok := root.Sub(id.Self)
	if !ok {
		return nil
	}
	target, ok := e.calls.ResolveReplyTarget(sub, prompt)
	if !ok {
		return nil
	}
	// An assignment-derived target only fires while the owner still holds a
	// pending record; fresh-boots warm-up rounds have none and stay silent.
	if prompt == nil || prompt.SubdialogReplyTarget == nil {
		pending, err := e.store.LoadPendingSubdialogs(target.OwnerDialogID, sub.Status)
		if err != nil {
			return err
		}
		waiting := false
		for _, rec := range pending {
			if rec.SubdialogID == id.Self {
				waiting = true
				break
			}
		}
		if !waiting {
			return nil
		}
	}
	return e.calls.SupplyResponseToSupdialog(ctx, target.OwnerDialogID, id.Self, saying, target.CallType, target.CallID, "completed", lang)
}
