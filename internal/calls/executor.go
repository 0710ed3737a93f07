// Package calls parses and executes model-emitted special calls: the
// inter-agent tellask family, ask-human questions, and fresh-boots
// reasoning. It owns all mutations of the caller/callee graph that a
// generation's call batch implies.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

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

// ErrNoDriver is returned when a call needs a drive before SetDriver ran.
var ErrNoDriver = errors.New("calls: driver not attached")

// DriveOptions tunes a drive request issued on behalf of a special call.
type DriveOptions struct {
	SuppressDiligencePush      bool
	AllowResumeFromInterrupted bool
}

// Driver schedules and runs drive rounds. The drive executor implements it;
// the indirection exists because drives and special calls invoke each other.
type Driver interface {
	// DriveDialog runs one drive round inline. waitInQueue false makes the
	// call fail fast with a busy error instead of queueing.
	DriveDialog(ctx context.Context, id dialog.ID, prompt *dialog.Prompt, waitInQueue bool, opts DriveOptions) error
	// ScheduleDrive enqueues a drive round asynchronously.
	ScheduleDrive(id dialog.ID, prompt *dialog.Prompt, opts DriveOptions)
}

// Audit receives one record per executed special call.
type Audit interface {
	RecordCall(callerID, calleeID dialog.ID, name dialog.CallName, callType dialog.CallType, callID, status string)
}

// Executor wires special calls into the dialog graph.
type Executor struct {
	mgr       *dialogs.Manager
	store     *eventstore.Store
	reg       *registry.Registry
	states    *runstate.Manager
	questions *q4h.Queue
	teams     *team.Provider
	rec       *stream.Recorder

	mu     sync.RWMutex
	driver Driver
	audit  Audit
}

// NewExecutor builds the special-call executor. Attach the drive executor
// with SetDriver before the first batch.
func NewExecutor(mgr *dialogs.Manager, reg *registry.Registry, states *runstate.Manager, questions *q4h.Queue, teams *team.Provider, rec *stream.Recorder) *Executor {
	return &Executor{
		mgr:       mgr,
		store:     mgr.Store(),
		reg:       reg,
		states:    states,
		questions: questions,
		teams:     teams,
		rec:       rec,
	}
}

// SetDriver attaches the drive executor.
func (e *Executor) SetDriver(d Driver) {
	e.mu.Lock()
	e.driver = d
	e.mu.Unlock()
}

// SetAudit attaches an optional call audit sink.
func (e *Executor) SetAudit(a Audit) {
	e.mu.Lock()
	e.audit = a
	e.mu.Unlock()
}

func (e *Executor) driverRef() (Driver, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.driver == nil {
		return nil, ErrNoDriver
	}
	return e.driver, nil
}

func (e *Executor) auditCall(callerID, calleeID dialog.ID, name dialog.CallName, ctype dialog.CallType, callID, status string) {
	e.mu.RLock()
	a := e.audit
	e.mu.RUnlock()
	if a != nil {
		a.RecordCall(callerID, calleeID, name, ctype, callID, status)
	}
}

// BatchResult is the outcome of one generation's call batch.
type BatchResult struct {
	// ToolMessages are the outputs fed back to the caller, already appended
	// to its transcript in emission order.
	ToolMessages []dialog.Message
	// Suspend is true when the caller must not drive again until a
	// subdialog reply or human answer arrives.
	Suspend bool
}

// ExecuteBatch runs every special call of one generation against the dialog
// graph. The caller's drive lock is held for the duration.
func (e *Executor) ExecuteBatch(ctx context.Context, root *dialog.Root, caller *dialog.Dialog, raw []llm.RawCall, lang string) (BatchResult, error) {
	var res BatchResult
	if len(raw) == 0 {
		return res, nil
	}

	for _, c := range raw {
		if _, err := e.rec.Record(caller, dialog.CourseEvent{
			Kind:     dialog.EventFunctionCall,
			CallID:   c.CallID,
			CallName: c.Name,
			Content:  string(c.Arguments),
		}); err != nil {
			return res, err
		}
	}

	parsed, issues := ParseBatch(raw)
	for _, issue := range issues {
		msg, err := e.failCall(caller, issue.CallID, dialog.CallName(issue.Name), "", issue.Problem)
		if err != nil {
			return res, err
		}
		res.ToolMessages = append(res.ToolMessages, msg)
	}

	var asks []q4h.Ask
	for _, p := range parsed {
		var msg dialog.Message
		var err error
		switch p.Name {
		case dialog.CallAskHuman:
			asks = append(asks, q4h.Ask{CallID: p.CallID, Content: p.TellaskContent})
			continue
		case dialog.CallTellaskBack:
			msg, err = e.executeTypeA(ctx, root, caller, p, lang)
		case dialog.CallTellask:
			msg, err = e.executeTypeB(root, caller, p, lang)
		case dialog.CallTellaskSessionless:
			msg, err = e.executeTypeC(root, caller, p, lang)
		case dialog.CallFreshBoots:
			msg, err = e.executeFBR(ctx, root, caller, p, lang)
		}
		if err != nil {
			return res, err
		}
		res.ToolMessages = append(res.ToolMessages, msg)
	}

	if len(asks) > 0 {
		msgs, err := e.executeAskHuman(caller, asks, lang)
		if err != nil {
			return res, err
		}
		res.ToolMessages = append(res.ToolMessages, msgs...)
	}

	pendingSubs, err := e.store.HasPendingSubdialogs(caller.ID, caller.Status)
	if err != nil {
		return res, err
	}
	pendingQ4H, err := e.questions.HasPending(caller.ID, caller.Status)
	if err != nil {
		return res, err
	}
	res.Suspend = pendingSubs || pendingQ4H
	return res, nil
}

// failCall appends the tool failure and an environment note explaining the
// problem to the model, and records a failed tellask_result_msg.
func (e *Executor) failCall(caller *dialog.Dialog, callID string, name dialog.CallName, ctype dialog.CallType, problem string) (dialog.Message, error) {
	now := time.Now()
	tool := dialog.Message{Role: dialog.RoleTool, CallID: callID, Name: string(name), Content: "failed: " + problem, At: now}
	caller.AppendMessage(tool)
	caller.AppendMessage(dialog.Message{
		Role:    dialog.RoleEnvironment,
		Content: fmt.Sprintf("Special call %s (%s) failed: %s", name, callID, problem),
		At:      now,
	})
	_, err := e.rec.Record(caller, dialog.CourseEvent{
		Kind:     dialog.EventTellaskResult,
		Status:   "failed",
		CallID:   callID,
		CallName: string(name),
		CallType: string(ctype),
		Content:  problem,
	})
	if err != nil {
		return tool, err
	}
	e.auditCall(caller.ID, dialog.ID{}, name, ctype, callID, "failed")
	logger.WithDialog(caller.ID.Self, caller.ID.Root).Warn().
		Str("call", string(name)).Str("callId", callID).Str("problem", problem).
		Msg("special call rejected")
	return tool, nil
}

// acceptCall appends the tool acknowledgement and records the success
// tellask_result_msg. The actual response arrives later via reply routing.
func (e *Executor) acceptCall(caller *dialog.Dialog, p ParsedCall, ctype dialog.CallType, note string) (dialog.Message, error) {
	tool := dialog.Message{Role: dialog.RoleTool, CallID: p.CallID, Name: string(p.Name), Content: note, At: time.Now()}
	caller.AppendMessage(tool)
	_, err := e.rec.Record(caller, dialog.CourseEvent{
		Kind:     dialog.EventTellaskResult,
		Status:   "completed",
		CallID:   p.CallID,
		CallName: string(p.Name),
		CallType: string(ctype),
		Content:  note,
	})
	return tool, err
}

// recordAssignmentAnchor marks the call site on the callee's log so reply
// routing can back-reference it later.
func (e *Executor) recordAssignmentAnchor(sub *dialog.Sub, callerID dialog.ID, p ParsedCall, ctype dialog.CallType) error {
	peer := callerID
	_, err := e.rec.Record(&sub.Dialog, dialog.CourseEvent{
		Kind:         dialog.EventTeammateAnchor,
		Role:         dialog.AnchorAssignment,
		CallID:       p.CallID,
		CallName:     string(p.Name),
		CallType:     string(ctype),
		PeerDialogID: &peer,
		Content:      p.TellaskContent,
	})
	return err
}

// replacePendingLocked swaps any prior pending record for rec.SubdialogID
// with rec. The caller holds the tree's subdialog-txn lock.
func (e *Executor) replacePendingLocked(caller *dialog.Dialog, rec dialog.PendingSubdialog) error {
	pending, err := e.store.LoadPendingSubdialogs(caller.ID, caller.Status)
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if p.SubdialogID != rec.SubdialogID {
			kept = append(kept, p)
		}
	}
	kept = append(kept, rec)
	return e.store.SavePendingSubdialogs(caller.ID, kept, caller.Status)
}

// dropPendingLocked removes the pending record for subID, if any. The caller
// holds the tree's subdialog-txn lock.
func (e *Executor) dropPendingLocked(caller *dialog.Dialog, subID string) error {
	pending, err := e.store.LoadPendingSubdialogs(caller.ID, caller.Status)
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if p.SubdialogID != subID {
			kept = append(kept, p)
		}
	}
	return e.store.SavePendingSubdialogs(caller.ID, kept, caller.Status)
}

func lastAssistantSaying(msgs []dialog.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == dialog.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

// executeTypeA drives the caller's supdialog inline and returns its last
// saying as the tool output.
func (e *Executor) executeTypeA(ctx context.Context, root *dialog.Root, caller *dialog.Dialog, p ParsedCall, lang string) (dialog.Message, error) {
	drv, err := e.driverRef()
	if err != nil {
		return dialog.Message{}, err
	}
	sub, ok := root.Sub(caller.ID.Self)
	if !ok {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeA, "tellaskBack is only valid from a subdialog; this dialog has no supdialog")
	}
	supDlg, ok := root.Resolve(sub.SupID)
	if !ok {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeA, fmt.Sprintf("supdialog %s is gone", sub.SupID.Self))
	}

	body := fmt.Sprintf("@%s replies to your earlier assignment.\n\nAssignment was:\n%s\n\nReply:\n%s",
		sub.AgentID, sub.Assignment.TellaskContent, p.TellaskContent)
	prompt := &dialog.Prompt{Content: body, Origin: dialog.OriginSupdialog, UserLanguageCode: lang}

	status := "completed"
	reply := ""
	if driveErr := drv.DriveDialog(ctx, sub.SupID, prompt, true, DriveOptions{SuppressDiligencePush: true}); driveErr != nil {
		status = "failed"
		reply = fmt.Sprintf("supdialog drive failed: %v", driveErr)
	} else {
		reply = lastAssistantSaying(supDlg.Messages)
	}

	msg, err := e.receiveTeammateResponse(caller, supDlg.AgentID, reply, p.CallID, dialog.CallTypeA, status)
	if err != nil {
		return msg, err
	}
	e.auditCall(caller.ID, sub.SupID, p.Name, dialog.CallTypeA, p.CallID, status)
	return msg, nil
}

// executeTypeB binds the call to the (agent, slug) session, creating or
// reusing a subdialog, and schedules the callee drive.
func (e *Executor) executeTypeB(root *dialog.Root, caller *dialog.Dialog, p ParsedCall, lang string) (dialog.Message, error) {
	drv, err := e.driverRef()
	if err != nil {
		return dialog.Message{}, err
	}
	if p.TargetAgentID == caller.AgentID {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeB, "direct self-call: use freshBootsReasoning to consult yourself")
	}
	if _, err := e.teams.Minds(p.TargetAgentID); err != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeB, fmt.Sprintf("unknown teammate %q", p.TargetAgentID))
	}

	asg := dialog.Assignment{
		CallName:       dialog.CallTellask,
		TellaskContent: p.TellaskContent,
		OriginMemberID: caller.AgentID,
		CallerDialogID: caller.ID,
		CallID:         p.CallID,
		SessionSlug:    p.SessionSlug,
	}

	var sub *dialog.Sub
	txnErr := e.store.SubdialogTxn(root.ID, func() error {
		if selfID, bound := root.Session(p.TargetAgentID, p.SessionSlug); bound {
			if existing, live := root.Sub(selfID); live {
				rs, rsErr := e.states.Get(existing.ID, existing.Status)
				if rsErr == nil && !rs.IsDead() {
					existing.Reassign(asg)
					if err := e.store.UpdateSubdialogAssignment(existing.ID, caller.ID, asg, existing.Status); err != nil {
						return err
					}
					sub = existing
				}
			}
			if sub == nil {
				root.UnbindSession(p.TargetAgentID, p.SessionSlug)
			}
		}
		if sub == nil {
			created, err := e.mgr.CreateSub(root, p.TargetAgentID, caller.TaskDocPath, caller.ID, asg)
			if err != nil {
				return err
			}
			root.BindSession(p.TargetAgentID, p.SessionSlug, created.ID.Self)
			sub = created
		}
		return e.replacePendingLocked(caller, dialog.PendingSubdialog{
			SubdialogID:    sub.ID.Self,
			CreatedAt:      time.Now(),
			CallName:       dialog.CallTellask,
			TellaskContent: p.TellaskContent,
			TargetAgentID:  p.TargetAgentID,
			CallID:         p.CallID,
			CallingCourse:  caller.CurrentCourse,
			CallType:       dialog.CallTypeB,
			SessionSlug:    p.SessionSlug,
		})
	})
	if txnErr != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeB, txnErr.Error())
	}

	if err := e.recordAssignmentAnchor(sub, caller.ID, p, dialog.CallTypeB); err != nil {
		return dialog.Message{}, err
	}
	msg, err := e.acceptCall(caller, p, dialog.CallTypeB, tellaskAcceptedNote(p.TargetAgentID, lang))
	if err != nil {
		return msg, err
	}
	e.auditCall(caller.ID, sub.ID, p.Name, dialog.CallTypeB, p.CallID, "completed")

	drv.ScheduleDrive(sub.ID, &dialog.Prompt{
		Content:          p.TellaskContent,
		Origin:           dialog.OriginSupdialog,
		UserLanguageCode: lang,
		SubdialogReplyTarget: &dialog.ReplyTarget{
			OwnerDialogID: caller.ID,
			CallType:      dialog.CallTypeB,
			CallID:        p.CallID,
		},
	}, DriveOptions{SuppressDiligencePush: true})
	return msg, nil
}

// executeTypeC creates a one-shot subdialog and schedules it.
func (e *Executor) executeTypeC(root *dialog.Root, caller *dialog.Dialog, p ParsedCall, lang string) (dialog.Message, error) {
	drv, err := e.driverRef()
	if err != nil {
		return dialog.Message{}, err
	}
	if p.TargetAgentID == caller.AgentID {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, "direct self-call: use freshBootsReasoning to consult yourself")
	}
	if _, err := e.teams.Minds(p.TargetAgentID); err != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, fmt.Sprintf("unknown teammate %q", p.TargetAgentID))
	}

	asg := dialog.Assignment{
		CallName:       dialog.CallTellaskSessionless,
		TellaskContent: p.TellaskContent,
		OriginMemberID: caller.AgentID,
		CallerDialogID: caller.ID,
		CallID:         p.CallID,
	}
	sub, err := e.mgr.CreateSub(root, p.TargetAgentID, caller.TaskDocPath, caller.ID, asg)
	if err != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, err.Error())
	}
	txnErr := e.store.SubdialogTxn(root.ID, func() error {
		return e.replacePendingLocked(caller, dialog.PendingSubdialog{
			SubdialogID:    sub.ID.Self,
			CreatedAt:      time.Now(),
			CallName:       dialog.CallTellaskSessionless,
			TellaskContent: p.TellaskContent,
			TargetAgentID:  p.TargetAgentID,
			CallID:         p.CallID,
			CallingCourse:  caller.CurrentCourse,
			CallType:       dialog.CallTypeC,
		})
	})
	if txnErr != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, txnErr.Error())
	}

	if err := e.recordAssignmentAnchor(sub, caller.ID, p, dialog.CallTypeC); err != nil {
		return dialog.Message{}, err
	}
	msg, err := e.acceptCall(caller, p, dialog.CallTypeC, tellaskAcceptedNote(p.TargetAgentID, lang))
	if err != nil {
		return msg, err
	}
	e.auditCall(caller.ID, sub.ID, p.Name, dialog.CallTypeC, p.CallID, "completed")

	drv.ScheduleDrive(sub.ID, &dialog.Prompt{
		Content:          p.TellaskContent,
		Origin:           dialog.OriginSupdialog,
		UserLanguageCode: lang,
		SubdialogReplyTarget: &dialog.ReplyTarget{
			OwnerDialogID: caller.ID,
			CallType:      dialog.CallTypeC,
			CallID:        p.CallID,
		},
	}, DriveOptions{SuppressDiligencePush: true})
	return msg, nil
}

// executeFBR runs fresh-boots reasoning: serial self-subdialog rounds, each
// from a blank perspective, with a pending record written only before the
// final round so that only the last round replies upstream.
func (e *Executor) executeFBR(ctx context.Context, root *dialog.Root, caller *dialog.Dialog, p ParsedCall, lang string) (dialog.Message, error) {
	drv, err := e.driverRef()
	if err != nil {
		return dialog.Message{}, err
	}
	minds, err := e.teams.Minds(caller.AgentID)
	if err != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, err.Error())
	}
	effort := minds.FBREffort
	if p.Effort != nil {
		effort = *p.Effort
	}
	if effort < 1 {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, "fresh boots reasoning is disabled for this member (effort < 1)")
	}

	asg := dialog.Assignment{
		CallName:       dialog.CallFreshBoots,
		TellaskContent: p.TellaskContent,
		OriginMemberID: caller.AgentID,
		CallerDialogID: caller.ID,
		CallID:         p.CallID,
	}
	sub, err := e.mgr.CreateSub(root, caller.AgentID, caller.TaskDocPath, caller.ID, asg)
	if err != nil {
		return e.failCall(caller, p.CallID, p.Name, dialog.CallTypeC, err.Error())
	}
	if err := e.recordAssignmentAnchor(sub, caller.ID, p, dialog.CallTypeC); err != nil {
		return dialog.Message{}, err
	}
	msg, err := e.acceptCall(caller, p, dialog.CallTypeC, fmt.Sprintf("Fresh boots reasoning started: %d round(s).", effort))
	if err != nil {
		return msg, err
	}
	e.auditCall(caller.ID, sub.ID, p.Name, dialog.CallTypeC, p.CallID, "completed")

	for i := 1; i <= effort; i++ {
		prompt := &dialog.Prompt{
			Content:          fbrRoundBody(i, effort, p.TellaskContent, lang),
			Origin:           dialog.OriginSupdialog,
			UserLanguageCode: lang,
		}
		if i == effort {
			txnErr := e.store.SubdialogTxn(root.ID, func() error {
				return e.replacePendingLocked(caller, dialog.PendingSubdialog{
					SubdialogID:    sub.ID.Self,
					CreatedAt:      time.Now(),
					CallName:       dialog.CallFreshBoots,
					TellaskContent: p.TellaskContent,
					TargetAgentID:  caller.AgentID,
					CallID:         p.CallID,
					CallingCourse:  caller.CurrentCourse,
					CallType:       dialog.CallTypeC,
				})
			})
			if txnErr != nil {
				return msg, txnErr
			}
			prompt.SubdialogReplyTarget = &dialog.ReplyTarget{
				OwnerDialogID: caller.ID,
				CallType:      dialog.CallTypeC,
				CallID:        p.CallID,
			}
		}
		if driveErr := drv.DriveDialog(ctx, sub.ID, prompt, true, DriveOptions{SuppressDiligencePush: true}); driveErr != nil {
			logger.WithDialog(sub.ID.Self, sub.ID.Root).Error().Err(driveErr).
				Int("round", i).Int("effort", effort).Msg("fresh boots round failed")
			if i == effort {
				// The last round owns the pending record; the reply it would
				// have supplied is never coming, so the caller must not wait
				// on it.
				if txnErr := e.store.SubdialogTxn(root.ID, func() error {
					return e.dropPendingLocked(caller, sub.ID.Self)
				}); txnErr != nil {
					return msg, txnErr
				}
			}
			problem := fmt.Sprintf("Fresh boots round %d/%d failed: %v", i, effort, driveErr)
			caller.AppendMessage(dialog.Message{
				Role:    dialog.RoleEnvironment,
				Content: problem,
				At:      time.Now(),
			})
			if _, recErr := e.rec.Record(caller, dialog.CourseEvent{
				Kind:     dialog.EventTellaskResult,
				Status:   "failed",
				CallID:   p.CallID,
				CallName: string(p.Name),
				CallType: string(dialog.CallTypeC),
				Content:  problem,
			}); recErr != nil {
				return msg, recErr
			}
			e.auditCall(caller.ID, sub.ID, p.Name, dialog.CallTypeC, p.CallID, "failed")
			break
		}
	}
	return msg, nil
}

// executeAskHuman merges the batch into one persisted question and emits a
// forwarded acknowledgement per original call.
func (e *Executor) executeAskHuman(caller *dialog.Dialog, asks []q4h.Ask, lang string) ([]dialog.Message, error) {
	site := dialog.CallSiteRef{Course: caller.CurrentCourse, MessageIndex: len(caller.Messages)}
	if _, err := e.questions.Ask(caller, caller.Status, asks, lang, site); err != nil {
		return nil, err
	}
	note := q4hForwardedNote(lang)
	var out []dialog.Message
	for _, a := range asks {
		tool := dialog.Message{Role: dialog.RoleTool, CallID: a.CallID, Name: string(dialog.CallAskHuman), Content: note, At: time.Now()}
		caller.AppendMessage(tool)
		if _, err := e.rec.Record(caller, dialog.CourseEvent{
			Kind:     dialog.EventTellaskResult,
			Status:   "completed",
			CallID:   a.CallID,
			CallName: string(dialog.CallAskHuman),
			Content:  note,
		}); err != nil {
			return out, err
		}
		out = append(out, tool)
	}
	return out, nil
}
