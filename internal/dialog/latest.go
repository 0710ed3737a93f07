package dialog

import "time"

// Latest is the mutable per-dialog latest-pointer record persisted as
// latest.yaml. It is the authoritative run-state location.
type Latest struct {
	CurrentCourse     int               `yaml:"currentCourse" json:"currentCourse"`
	LastModified      time.Time         `yaml:"lastModified" json:"lastModified"`
	Status            PersistenceStatus `yaml:"status" json:"status"`
	MessageCount      int               `yaml:"messageCount" json:"messageCount"`
	FunctionCallCount int               `yaml:"functionCallCount" json:"functionCallCount"`
	SubdialogCount    int               `yaml:"subdialogCount" json:"subdialogCount"`
	RunState          RunState          `yaml:"runState" json:"runState"`

	// Root-only fields; nil on subdialogs.
	DisableDiligencePush         *bool `yaml:"disableDiligencePush,omitempty" json:"disableDiligencePush,omitempty"`
	DiligencePushRemainingBudget *int  `yaml:"diligencePushRemainingBudget,omitempty" json:"diligencePushRemainingBudget,omitempty"`
}

// LatestPatch is a partial update applied to a Latest by a patch mutator.
// Nil fields are left untouched.
type LatestPatch struct {
	CurrentCourse     *int
	Status            *PersistenceStatus
	MessageCount      *int
	FunctionCallCount *int
	SubdialogCount    *int
	RunState          *RunState

	DisableDiligencePush         *bool
	DiligencePushRemainingBudget *int
}

// Apply merges the patch into a copy of l and stamps LastModified.
func (p LatestPatch) Apply(l Latest) Latest {
	if p.CurrentCourse != nil {
		l.CurrentCourse = *p.CurrentCourse
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.MessageCount != nil {
		l.MessageCount = *p.MessageCount
	}
	if p.FunctionCallCount != nil {
		l.FunctionCallCount = *p.FunctionCallCount
	}
	if p.SubdialogCount != nil {
		l.SubdialogCount = *p.SubdialogCount
	}
	if p.RunState != nil {
		l.RunState = *p.RunState
	}
	if p.DisableDiligencePush != nil {
		l.DisableDiligencePush = p.DisableDiligencePush
	}
	if p.DiligencePushRemainingBudget != nil {
		l.DiligencePushRemainingBudget = p.DiligencePushRemainingBudget
	}
	l.LastModified = time.Now()
	return l
}

// Metadata is the one-shot per-dialog record persisted as metadata.yaml.
type Metadata struct {
	ID          ID        `yaml:"id" json:"id"`
	AgentID     string    `yaml:"agentId" json:"agentId"`
	TaskDocPath string    `yaml:"taskDocPath" json:"taskDocPath"`
	CreatedAt   time.Time `yaml:"createdAt" json:"createdAt"`

	// Subdialog-only fields.
	SupdialogID *ID         `yaml:"supdialogId,omitempty" json:"supdialogId,omitempty"`
	Assignment  *Assignment `yaml:"assignment,omitempty" json:"assignment,omitempty"`
	SessionSlug string      `yaml:"sessionSlug,omitempty" json:"sessionSlug,omitempty"`
}
