package dialog

import "time"

// EventKind tags a course event.
type EventKind string

const (
	EventPrompting       EventKind = "prompting"
	EventThinkingStart   EventKind = "thinking_start"
	EventThinkingChunk   EventKind = "thinking_chunk"
	EventThinkingFinish  EventKind = "thinking_finish"
	EventSayingStart     EventKind = "saying_start"
	EventSayingChunk     EventKind = "saying_chunk"
	EventSayingFinish    EventKind = "saying_finish"
	EventFunctionCall    EventKind = "function_call"
	EventToolResult      EventKind = "tool_result"
	EventTellaskResult   EventKind = "tellask_result_msg"
	EventTeammateAnchor  EventKind = "teammate_call_anchor_record"
	EventTeammateReply   EventKind = "teammate_response_record"
	EventContextHealth   EventKind = "context_health"
	EventReminderSet     EventKind = "reminder_set"
	EventReminderDeleted EventKind = "reminder_deleted"
)

// AnchorRole distinguishes the two halves of a teammate call anchor.
type AnchorRole string

const (
	AnchorAssignment AnchorRole = "assignment"
	AnchorResponse   AnchorRole = "response"
)

// CallSiteRef points at the event-log position of a call.
type CallSiteRef struct {
	Course       int `json:"course" yaml:"course"`
	MessageIndex int `json:"messageIndex" yaml:"messageIndex"`
}

// CourseEvent is one record in a course's append-only event log. Genseq is
// monotonically increasing within its course.
type CourseEvent struct {
	Genseq int64     `json:"genseq"`
	Kind   EventKind `json:"kind"`
	At     time.Time `json:"at"`

	Content  string `json:"content,omitempty"`
	CallID   string `json:"callId,omitempty"`
	CallName string `json:"callName,omitempty"`
	CallType string `json:"callType,omitempty"`
	Status   string `json:"status,omitempty"`

	// Anchor fields.
	Role         AnchorRole   `json:"role,omitempty"`
	PeerDialogID *ID          `json:"peerDialogId,omitempty"`
	AssignmentAt *CallSiteRef `json:"assignmentAt,omitempty"`

	// Reminder fields.
	ReminderOwner ReminderOwner `json:"reminderOwner,omitempty"`

	Health *ContextHealth `json:"health,omitempty"`
}
