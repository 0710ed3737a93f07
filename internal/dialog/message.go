package dialog

import "time"

// MessageRole is the speaker of a chat message.
type MessageRole string

const (
	RoleSystem      MessageRole = "system"
	RoleUser        MessageRole = "user"
	RoleAssistant   MessageRole = "assistant"
	RoleTool        MessageRole = "tool"
	RoleEnvironment MessageRole = "environment"
)

// Message is one entry in a dialog's ordered chat transcript.
type Message struct {
	Role    MessageRole `json:"role" yaml:"role"`
	Content string      `json:"content" yaml:"content"`
	// CallID links tool messages back to the originating model call.
	CallID string    `json:"callId,omitempty" yaml:"callId,omitempty"`
	Name   string    `json:"name,omitempty" yaml:"name,omitempty"`
	At     time.Time `json:"at,omitempty" yaml:"at,omitempty"`
}

// CallName is a special-call name emitted by the model.
type CallName string

const (
	CallTellask            CallName = "tellask"
	CallTellaskBack        CallName = "tellaskBack"
	CallTellaskSessionless CallName = "tellaskSessionless"
	CallAskHuman           CallName = "askHuman"
	CallFreshBoots         CallName = "freshBootsReasoning"
)

// ValidCallName reports whether name is a recognized special call.
func ValidCallName(name CallName) bool {
	switch name {
	case CallTellask, CallTellaskBack, CallTellaskSessionless, CallAskHuman, CallFreshBoots:
		return true
	}
	return false
}

// CallType classifies reply semantics of an inter-agent call.
type CallType string

const (
	// CallTypeA replies synchronously to the caller's own supdialog.
	CallTypeA CallType = "A"
	// CallTypeB binds to a long-running session keyed by (agent, slug).
	CallTypeB CallType = "B"
	// CallTypeC is a one-shot subdialog.
	CallTypeC CallType = "C"
)

// Assignment describes the originating call that created (or reassigned)
// a subdialog. Immutable apart from atomic reassignment on Type-B resume.
type Assignment struct {
	CallName          CallName `json:"callName" yaml:"callName"`
	MentionList       []string `json:"mentionList,omitempty" yaml:"mentionList,omitempty"`
	TellaskContent    string   `json:"tellaskContent" yaml:"tellaskContent"`
	OriginMemberID    string   `json:"originMemberId" yaml:"originMemberId"`
	CallerDialogID    ID       `json:"callerDialogId" yaml:"callerDialogId"`
	CallID            string   `json:"callId" yaml:"callId"`
	SessionSlug       string   `json:"sessionSlug,omitempty" yaml:"sessionSlug,omitempty"`
	CollectiveTargets []string `json:"collectiveTargets,omitempty" yaml:"collectiveTargets,omitempty"`
}

// PendingSubdialog is a persisted obligation on a caller: it must wait for
// the named subdialog's reply before it may drive again.
type PendingSubdialog struct {
	SubdialogID    string    `json:"subdialogId"`
	CreatedAt      time.Time `json:"createdAt"`
	CallName       CallName  `json:"callName"`
	MentionList    []string  `json:"mentionList,omitempty"`
	TellaskContent string    `json:"tellaskContent"`
	TargetAgentID  string    `json:"targetAgentId"`
	CallID         string    `json:"callId"`
	CallingCourse  int       `json:"callingCourse,omitempty"`
	CallType       CallType  `json:"callType"`
	SessionSlug    string    `json:"sessionSlug,omitempty"`
}

// ReplyTarget pins a subdialog's next reply to a specific waiting caller.
type ReplyTarget struct {
	OwnerDialogID ID       `json:"ownerDialogId"`
	CallType      CallType `json:"callType"`
	CallID        string   `json:"callId"`
}

// PromptOrigin records who initiated a drive prompt.
type PromptOrigin string

const (
	OriginUser          PromptOrigin = "user"
	OriginSupdialog     PromptOrigin = "supdialog"
	OriginDiligencePush PromptOrigin = "diligence_push"
	OriginQ4HAnswer     PromptOrigin = "q4h_answer"
	OriginSystem        PromptOrigin = "system"
)

// Prompt is the effective input of one drive round. MsgID is the client's
// identifier for a user message, carried onto the prompting event.
type Prompt struct {
	Content             string       `json:"content"`
	Origin              PromptOrigin `json:"origin"`
	MsgID               string       `json:"msgId,omitempty"`
	UserLanguageCode    string       `json:"userLanguageCode,omitempty"`
	SubdialogReplyTarget *ReplyTarget `json:"subdialogReplyTarget,omitempty"`
}
