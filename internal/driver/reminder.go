package driver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dominds/internal/dialog"
)

const headLimit = 140

func head(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "…"
}

// pendingSignature canonicalizes the pending set so the sync can detect
// no-op updates cheaply.
func pendingSignature(pending []dialog.PendingSubdialog) string {
	parts := make([]string, 0, len(pending))
	for _, p := range pending {
		parts = append(parts, strings.Join([]string{
			p.SubdialogID, p.TargetAgentID, string(p.CallType), p.SessionSlug, head(p.TellaskContent, headLimit),
		}, "|"))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func reminderContent(pending []dialog.PendingSubdialog, lang string) string {
	var b strings.Builder
	b.WriteString(reminderHeading(lang))
	for i, p := range pending {
		fmt.Fprintf(&b, "\n%d. @%s | %s", i+1, p.TargetAgentID, callTypeLabel(string(p.CallType), lang))
		if p.SessionSlug != "" {
			fmt.Fprintf(&b, " (%s)", p.SessionSlug)
		}
		fmt.Fprintf(&b, " | %s", head(p.TellaskContent, headLimit))
	}
	return b.String()
}

// syncPendingTellaskReminder reconciles the dialog's single pendingTellask
// reminder with the persisted pending-subdialogs view. Caller holds the
// per-dialog lock.
func (e *Executor) syncPendingTellaskReminder(d *dialog.Dialog, lang string) error {
	pending, err := e.store.LoadPendingSubdialogs(d.ID, d.Status)
	if err != nil {
		return err
	}

	existing, err := d.OwnedReminder(dialog.ReminderOwnerPendingTellask)
	if err != nil {
		// Sole-owner contract broken by a prior write.
		e.problems.Report(d.ID.Self, "reminder_owner", err.Error())
		return err
	}

	if len(pending) == 0 {
		if existing == nil {
			return nil
		}
		d.DeleteReminder(dialog.ReminderOwnerPendingTellask)
		_, err := e.rec.Record(d, dialog.CourseEvent{
			Kind:          dialog.EventReminderDeleted,
			ReminderOwner: dialog.ReminderOwnerPendingTellask,
		})
		return err
	}

	sig := pendingSignature(pending)
	content := reminderContent(pending, lang)
	if existing != nil && existing.Meta["pendingSignature"] == sig && existing.Content == content {
		return nil
	}
	r := dialog.Reminder{
		Owner:   dialog.ReminderOwnerPendingTellask,
		Content: content,
		Meta: map[string]string{
			"pendingSignature": sig,
			"pendingCount":     fmt.Sprintf("%d", len(pending)),
			"updatedAt":        time.Now().Format(time.RFC3339),
		},
	}
	if err := d.UpsertReminder(r); err != nil {
		return err
	}
	_, err = e.rec.Record(d, dialog.CourseEvent{
		Kind:          dialog.EventReminderSet,
		ReminderOwner: dialog.ReminderOwnerPendingTellask,
		Content:       content,
	})
	return err
}
