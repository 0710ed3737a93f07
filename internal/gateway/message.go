package gateway

import (
	"dominds/internal/dialog"
)

// Client→server message types.
const (
	TypeCreateDialog      = "create_dialog"
	TypeDisplayDialog     = "display_dialog"
	TypeDisplayCourse     = "display_course"
	TypeDriveByUserMsg    = "drive_dlg_by_user_msg"
	TypeDriveByUserAnswer = "drive_dialog_by_user_answer"
	TypeInterruptDialog   = "interrupt_dialog"
	TypeEmergencyStop     = "emergency_stop"
	TypeResumeDialog      = "resume_dialog"
	TypeResumeAll         = "resume_all"
	TypeSetDiligencePush  = "set_diligence_push"
	TypeRefillDiligence   = "refill_diligence_push_budget"
	TypeDeclareSubDead    = "declare_subdialog_dead"
	TypeGetQ4HState       = "get_q4h_state"
	TypeDisplayReminders  = "display_reminders"
	TypeSetUILanguage     = "set_ui_language"
	TypeArchiveDialog     = "archive_dialog"
	TypeDeleteDialog      = "delete_dialog"
)

// Server→client message types.
const (
	TypeWelcome            = "welcome"
	TypeError              = "error"
	TypeCreateDialogResult = "create_dialog_result"
	TypeDialogReady        = "dialog_ready"
	TypeCourseEvent        = "dlg_course_evt"
	TypeRunStateEvent      = "dlg_run_state_evt"
	TypeQ4HStateResponse   = "q4h_state_response"
	TypeNewQ4HAsked        = "new_q4h_asked"
	TypeQ4HAnswered        = "q4h_answered"
	TypeDiligenceUpdated   = "diligence_push_updated"
	TypeDiligenceBudget    = "diligence_budget_evt"
	TypeDialogsCreated     = "dialogs_created"
	TypeDialogsMoved       = "dialogs_moved"
	TypeDialogsDeleted     = "dialogs_deleted"
	TypeRunControlCounts   = "run_control_counts_evt"
	TypeRunControlRefresh  = "run_control_refresh"
	TypeProblemsSnapshot   = "problems_snapshot"
	TypeRemindersResponse  = "reminders_response"
)

// DialogRef addresses a dialog on the wire. Status is optional; the server
// resolves it when absent.
type DialogRef struct {
	SelfID string `json:"selfId"`
	RootID string `json:"rootId"`
	Status string `json:"status,omitempty"`
}

// ID converts the wire reference to a dialog id.
func (r DialogRef) ID() dialog.ID {
	return dialog.ID{Self: r.SelfID, Root: r.RootID}
}

func refOf(id dialog.ID, status dialog.PersistenceStatus) DialogRef {
	return DialogRef{SelfID: id.Self, RootID: id.Root, Status: string(status)}
}

// ClientMessage is the flat union of all client→server messages, tagged by
// Type. Unused fields stay at their zero value.
type ClientMessage struct {
	Type                 string     `json:"type"`
	RequestID            string     `json:"requestId,omitempty"`
	AgentID              string     `json:"agentId,omitempty"`
	TaskDocPath          string     `json:"taskDocPath,omitempty"`
	Dialog               *DialogRef `json:"dialog,omitempty"`
	Course               int        `json:"course,omitempty"`
	Content              string     `json:"content,omitempty"`
	MsgID                string     `json:"msgId,omitempty"`
	UserLanguageCode     string     `json:"userLanguageCode,omitempty"`
	QuestionID           string     `json:"questionId,omitempty"`
	ContinuationType     string     `json:"continuationType,omitempty"`
	DisableDiligencePush bool       `json:"disableDiligencePush,omitempty"`
	Note                 string     `json:"note,omitempty"`
	UILanguage           string     `json:"uiLanguage,omitempty"`
}

type welcomeMessage struct {
	Type                   string   `json:"type"`
	ServerWorkLanguage     string   `json:"serverWorkLanguage"`
	SupportedLanguageCodes []string `json:"supportedLanguageCodes"`
}

type errorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

type createDialogResult struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Kind      string     `json:"kind"`
	Dialog    *DialogRef `json:"dialog,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type dialogReadyMessage struct {
	Type   string    `json:"type"`
	Dialog DialogRef `json:"dialog"`
}

type courseEventMessage struct {
	Type   string             `json:"type"`
	Dialog DialogRef          `json:"dialog"`
	Course int                `json:"course"`
	Event  dialog.CourseEvent `json:"event"`
}

type runStateMessage struct {
	Type     string          `json:"type"`
	Dialog   DialogRef       `json:"dialog"`
	RunState dialog.RunState `json:"runState"`
}

type q4hStateMessage struct {
	Type      string                 `json:"type"`
	Questions []dialog.HumanQuestion `json:"questions"`
}

type q4hEventMessage struct {
	Type       string                `json:"type"`
	QuestionID string                `json:"questionId"`
	Dialog     DialogRef             `json:"dialog"`
	Question   *dialog.HumanQuestion `json:"question,omitempty"`
}

type diligenceMessage struct {
	Type                 string    `json:"type"`
	Dialog               DialogRef `json:"dialog"`
	DisableDiligencePush bool      `json:"disableDiligencePush"`
	RemainingBudget      int       `json:"remainingBudget"`
}

type dialogsChangedMessage struct {
	Type    string      `json:"type"`
	Dialogs []DialogRef `json:"dialogs"`
}

type remindersMessage struct {
	Type      string            `json:"type"`
	Dialog    DialogRef         `json:"dialog"`
	Reminders []dialog.Reminder `json:"reminders"`
}

type refreshMessage struct {
	Type string `json:"type"`
}

type countsMessage struct {
	Type   string `json:"type"`
	Counts any    `json:"counts"`
}

type problemsMessage struct {
	Type     string `json:"type"`
	Problems any    `json:"problems"`
}
