// Package q4h manages ask-human questions: persisting them per dialog,
// merging simultaneous asks from one generation into a single prompt, and
// correlating the human's answer back to every originating call id.
package q4h

import (
	"fmt"
	"strings"
	"time"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/pubsub"
	"dominds/pkg/logger"
)

// EventKind tags a queue notification.
type EventKind string

const (
	EventAsked    EventKind = "new_q4h_asked"
	EventAnswered EventKind = "q4h_answered"
)

// Event is a queue notification broadcast to UI subscribers.
type Event struct {
	Kind       EventKind             `json:"kind"`
	QuestionID string                `json:"questionId"`
	Dialog     dialog.ID             `json:"dialog"`
	Question   *dialog.HumanQuestion `json:"question,omitempty"`
}

// Ask is one askHuman call from a generation batch.
type Ask struct {
	CallID  string
	Content string
}

// Queue persists ask-human questions and notifies subscribers.
type Queue struct {
	store *eventstore.Store
	pub   *pubsub.Pub[Event]
}

// NewQueue wires a question queue over the store.
func NewQueue(store *eventstore.Store) *Queue {
	return &Queue{store: store, pub: pubsub.NewPub[Event]()}
}

// Subscribe attaches a notification subscriber.
func (q *Queue) Subscribe() *pubsub.Sub[Event] {
	return q.pub.Subscribe()
}

// Close ends the notification stream.
func (q *Queue) Close() {
	q.pub.Close()
}

func preamble(lang string) string {
	if strings.HasPrefix(lang, "zh") {
		return "团队需要你对以下问题给出意见："
	}
	return "The team needs your input on the following questions:"
}

// MergeContent builds the merged prompt body for K asks. A single ask keeps
// its content verbatim; more than one gets a localized preamble and numbered
// entries.
func MergeContent(asks []Ask, lang string) string {
	if len(asks) == 1 {
		return asks[0].Content
	}
	var b strings.Builder
	b.WriteString(preamble(lang))
	for i, a := range asks {
		fmt.Fprintf(&b, "\n\nQuestion %d:\n%s", i+1, a.Content)
	}
	return b.String()
}

// Ask merges the batch into one primary question, persists it on the asking
// dialog, and broadcasts a new_q4h_asked notification. The first ask is the
// primary; the rest contribute only their call ids.
func (q *Queue) Ask(d *dialog.Dialog, status dialog.PersistenceStatus, asks []Ask, lang string, site dialog.CallSiteRef) (dialog.HumanQuestion, error) {
	if len(asks) == 0 {
		return dialog.HumanQuestion{}, fmt.Errorf("q4h: empty ask batch for %s", d.ID.Self)
	}
	primary := asks[0]
	question := dialog.HumanQuestion{
		ID:             dialog.QuestionID(d.ID, d.CurrentCourse, primary.CallID),
		RootID:         d.ID.Root,
		SelfID:         d.ID.Self,
		AgentID:        d.AgentID,
		TaskDocPath:    d.TaskDocPath,
		TellaskContent: MergeContent(asks, lang),
		AskedAt:        time.Now(),
		CallID:         primary.CallID,
		CallSiteRef:    site,
	}
	for _, a := range asks[1:] {
		question.RemainingCallIDs = append(question.RemainingCallIDs, a.CallID)
	}
	if err := q.store.AppendQuestion4HumanState(d.ID, question, status); err != nil {
		return dialog.HumanQuestion{}, err
	}
	logger.Get().Info().
		Str("dialog", d.ID.Self).
		Str("questionId", question.ID).
		Int("mergedAsks", len(asks)).
		Msg("q4h question posted")
	q.pub.Write(Event{Kind: EventAsked, QuestionID: question.ID, Dialog: d.ID, Question: &question})
	return question, nil
}

// Answer removes the question and broadcasts q4h_answered. The removed
// question is returned so the caller can fan the answer out to every merged
// call id. A missing question is not an error; found is false.
func (q *Queue) Answer(id dialog.ID, status dialog.PersistenceStatus, questionID string) (*dialog.HumanQuestion, bool, error) {
	found, removed, err := q.store.RemoveQuestion4HumanState(id, questionID, status)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	q.pub.Write(Event{Kind: EventAnswered, QuestionID: questionID, Dialog: id})
	return removed, true, nil
}

// HasPending reports whether the dialog still awaits a human answer.
func (q *Queue) HasPending(id dialog.ID, status dialog.PersistenceStatus) (bool, error) {
	return q.store.HasPendingQ4H(id, status)
}

// Pending lists the dialog's open questions.
func (q *Queue) Pending(id dialog.ID, status dialog.PersistenceStatus) ([]dialog.HumanQuestion, error) {
	return q.store.LoadQ4HState(id, status)
}

// All lists open questions across every running root, for the UI snapshot.
func (q *Queue) All() ([]dialog.HumanQuestion, error) {
	return q.store.LoadAllQ4HState()
}
