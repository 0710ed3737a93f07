package calls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dominds/internal/dialog"
	"dominds/internal/registry"
	"dominds/pkg/logger"
)

// receiveTeammateResponse mirrors a tellask_result_msg into the parent's
// transcript and then appends the teammate_response_record to its log, in
// that order, so the next drive round sees the reply without re-reading disk
// and the log record never precedes the mirror.
func (e *Executor) receiveTeammateResponse(parent *dialog.Dialog, fromAgentID, content, callID string, ctype dialog.CallType, status string) (dialog.Message, error) {
	msg := dialog.Message{Role: dialog.RoleTool, CallID: callID, Name: fromAgentID, Content: content, At: time.Now()}
	parent.AppendMessage(msg)
	_, err := e.rec.Record(parent, dialog.CourseEvent{
		Kind:     dialog.EventTeammateReply,
		Content:  content,
		CallID:   callID,
		CallType: string(ctype),
		Status:   status,
	})
	return msg, err
}

// composeFBRRelay concatenates every fresh-boots round's saying as labeled
// sections and appends the distill note.
func composeFBRRelay(sub *dialog.Sub, lang string) string {
	var b strings.Builder
	round := 0
	for _, m := range sub.Messages {
		if m.Role != dialog.RoleAssistant || m.Content == "" {
			continue
		}
		round++
		if round > 1 {
			b.WriteString("\n\n")
		}
		b.WriteString(fbrRoundLabel(round, lang))
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	b.WriteString("\n\n")
	b.WriteString(distillNote(lang))
	return b.String()
}

// ResolveReplyTarget decides where a subdialog's reply goes. A prompt-borne
// target wins unless its callType disagrees with the owner's pending record,
// in which case it is stale and silently dropped in favor of the assignment.
func (e *Executor) ResolveReplyTarget(sub *dialog.Sub, prompt *dialog.Prompt) (dialog.ReplyTarget, bool) {
	if prompt != nil && prompt.SubdialogReplyTarget != nil {
		t := *prompt.SubdialogReplyTarget
		stale := false
		pending, err := e.store.LoadPendingSubdialogs(t.OwnerDialogID, sub.Status)
		if err == nil {
			for _, rec := range pending {
				if rec.SubdialogID == sub.ID.Self {
					stale = rec.CallType != t.CallType
					break
				}
			}
		}
		if !stale {
			return t, true
		}
		logger.WithDialog(sub.ID.Self, sub.ID.Root).Debug().
			Str("owner", t.OwnerDialogID.Self).Str("callType", string(t.CallType)).
			Msg("stale reply target dropped")
	}
	asg := sub.Assignment
	if asg.CallerDialogID.Self == "" || asg.CallName == "" || asg.CallName == dialog.CallTellaskBack {
		return dialog.ReplyTarget{}, false
	}
	return dialog.ReplyTarget{
		OwnerDialogID: asg.CallerDialogID,
		CallType:      callTypeFor(asg.CallName),
		CallID:        asg.CallID,
	}, true
}

// SupplyResponseToSupdialog delivers a subdialog's reply to its waiting
// parent: removes the pending record, anchors the response on the callee,
// records the reply on the parent, and revives the parent when nothing else
// blocks it.
func (e *Executor) SupplyResponseToSupdialog(ctx context.Context, parentID dialog.ID, subdialogID, responseText string, callType dialog.CallType, callID, resultStatus, lang string) error {
	root, parent, err := e.mgr.Resolve(parentID)
	if err != nil {
		return err
	}

	var remaining int
	txnErr := e.store.SubdialogTxn(parentID, func() error {
		pending, err := e.store.LoadPendingSubdialogs(parentID, parent.Status)
		if err != nil {
			return err
		}
		var entry *dialog.PendingSubdialog
		filtered := make([]dialog.PendingSubdialog, 0, len(pending))
		for i := range pending {
			if pending[i].SubdialogID == subdialogID && entry == nil {
				cp := pending[i]
				entry = &cp
				continue
			}
			filtered = append(filtered, pending[i])
		}
		remaining = len(filtered)

		sub, live := root.Sub(subdialogID)
		callName := dialog.CallName("")
		fromAgent := "teammate"
		switch {
		case entry != nil:
			callName = entry.CallName
			fromAgent = entry.TargetAgentID
			if callID == "" {
				callID = entry.CallID
			}
		case live:
			callName = sub.Assignment.CallName
			fromAgent = sub.AgentID
			if callID == "" {
				callID = sub.Assignment.CallID
			}
		}

		if callName == dialog.CallFreshBoots && callType == dialog.CallTypeC && live {
			responseText = composeFBRRelay(sub, lang)
		}

		if live {
			ref, anchorErr := e.store.FindAssignmentAnchor(sub.ID, sub.CurrentCourse, callID, sub.Status)
			if anchorErr != nil {
				return anchorErr
			}
			peer := parentID
			if _, err := e.rec.Record(&sub.Dialog, dialog.CourseEvent{
				Kind:         dialog.EventTeammateAnchor,
				Role:         dialog.AnchorResponse,
				CallID:       callID,
				CallName:     string(callName),
				CallType:     string(callType),
				Status:       resultStatus,
				PeerDialogID: &peer,
				AssignmentAt: ref,
			}); err != nil {
				return err
			}
		}

		if _, err := e.receiveTeammateResponse(parent, fromAgent, responseText, callID, callType, resultStatus); err != nil {
			return err
		}
		return e.store.SavePendingSubdialogs(parentID, filtered, parent.Status)
	})
	if txnErr != nil {
		return txnErr
	}

	q4hPending, err := e.questions.HasPending(parentID, parent.Status)
	if err != nil {
		return err
	}
	if q4hPending || remaining > 0 {
		return nil
	}
	rs, err := e.states.Get(parentID, parent.Status)
	if err != nil {
		return err
	}
	if rs.IsDead() || rs.IsTerminal() {
		return nil
	}

	reason := fmt.Sprintf("all_pending_subdialogs_resolved:type_%s", callType)
	if parentID.IsRoot() {
		if _, registered := e.reg.Get(parentID.Root); registered {
			if err := e.store.SetNeedsDrive(parentID, true, parent.Status); err != nil {
				return err
			}
			e.reg.MarkNeedsDrive(parentID.Root, registry.MarkOpts{
				Source: "driver_v2_supply_response",
				Reason: reason,
			})
			return nil
		}
	}
	drv, err := e.driverRef()
	if err != nil {
		return err
	}
	drv.ScheduleDrive(parentID, nil, DriveOptions{SuppressDiligencePush: root.DisableDiligencePush})
	return nil
}

// SupplyDeclaredDead delivers a localized failure reply upstream when the
// user declares a subdialog dead while its caller still waits on it.
func (e *Executor) SupplyDeclaredDead(ctx context.Context, subID dialog.ID, lang string) error {
	_, sub, err := e.mgr.ResolveSub(subID)
	if err != nil {
		return err
	}
	ctype := callTypeFor(sub.Assignment.CallName)
	return e.SupplyResponseToSupdialog(ctx, sub.SupID, subID.Self,
		declaredDeadNote(sub.AgentID, lang), ctype, sub.Assignment.CallID, "failed", lang)
}

// AnswerHumanQuestion removes the question, fans the answer out to every
// merged call id, and either queues the answer as the next prompt (when
// subdialog replies are still in flight) or revives the dialog now.
func (e *Executor) AnswerHumanQuestion(ctx context.Context, id dialog.ID, questionID, answer, lang string) error {
	_, d, err := e.mgr.Resolve(id)
	if err != nil {
		return err
	}
	q, found, err := e.questions.Answer(id, d.Status, questionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("question %s not found on %s", questionID, id.Self)
	}

	for _, callID := range q.AllCallIDs() {
		d.AppendMessage(dialog.Message{Role: dialog.RoleTool, CallID: callID, Name: "human", Content: answer, At: time.Now()})
		if _, err := e.rec.Record(d, dialog.CourseEvent{
			Kind:    dialog.EventToolResult,
			Status:  "completed",
			CallID:  callID,
			Content: answer,
		}); err != nil {
			return err
		}
	}

	prompt := &dialog.Prompt{Content: answer, Origin: dialog.OriginQ4HAnswer, UserLanguageCode: lang}
	pendingSubs, err := e.store.HasPendingSubdialogs(id, d.Status)
	if err != nil {
		return err
	}
	if pendingSubs {
		// Defer: the answer rides the next drive round instead of racing
		// in-flight subdialog replies.
		d.SetUpNext(prompt)
		return nil
	}
	if id.IsRoot() {
		d.SetUpNext(prompt)
		if err := e.store.SetNeedsDrive(id, true, d.Status); err != nil {
			return err
		}
		e.reg.MarkNeedsDrive(id.Root, registry.MarkOpts{Source: "q4h_answer", Reason: "human_answered"})
		return nil
	}
	drv, err := e.driverRef()
	if err != nil {
		return err
	}
	drv.ScheduleDrive(id, prompt, DriveOptions{AllowResumeFromInterrupted: true})
	return nil
}
