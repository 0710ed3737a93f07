package dialog

import (
	"sync"
	"time"
)

// ContextHealth is a telemetry snapshot of the model context window.
type ContextHealth struct {
	WindowTokens      int       `json:"windowTokens" yaml:"windowTokens"`
	UsedTokens        int       `json:"usedTokens" yaml:"usedTokens"`
	CriticalCountdown int       `json:"criticalCountdown" yaml:"criticalCountdown"`
	CapturedAt        time.Time `json:"capturedAt" yaml:"capturedAt"`
}

// UsedRatio returns used/window, or 0 when the window is unknown.
func (h ContextHealth) UsedRatio() float64 {
	if h.WindowTokens <= 0 {
		return 0
	}
	return float64(h.UsedTokens) / float64(h.WindowTokens)
}

// Dialog is the shared part of Root and Sub dialogs. All mutable fields are
// owned by the holder of the per-dialog Lock for the duration of a round.
type Dialog struct {
	ID          ID
	AgentID     string
	TaskDocPath string
	CreatedAt   time.Time

	CurrentCourse int
	Messages      []Message
	Reminders     []Reminder
	ContextHealth *ContextHealth
	Status        PersistenceStatus

	LastUserLanguage string

	lock *Lock

	upMu   sync.Mutex
	upNext *Prompt
}

// NewDialog constructs the shared dialog record.
func NewDialog(id ID, agentID, taskDocPath string) Dialog {
	return Dialog{
		ID:            id,
		AgentID:       agentID,
		TaskDocPath:   taskDocPath,
		CreatedAt:     time.Now(),
		CurrentCourse: 1,
		Status:        StatusRunning,
		lock:          NewLock(),
	}
}

// Lock returns the per-dialog async mutex.
func (d *Dialog) Lock() *Lock {
	return d.lock
}

// AppendMessage appends to the in-memory transcript. Caller holds the lock.
func (d *Dialog) AppendMessage(m Message) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	d.Messages = append(d.Messages, m)
}

// SetUpNext queues a prompt for the next drive round, replacing any prior one.
func (d *Dialog) SetUpNext(p *Prompt) {
	d.upMu.Lock()
	d.upNext = p
	d.upMu.Unlock()
}

// TakeUpNext removes and returns the queued prompt, if any. The prompt is
// consumed at most once.
func (d *Dialog) TakeUpNext() *Prompt {
	d.upMu.Lock()
	defer d.upMu.Unlock()
	p := d.upNext
	d.upNext = nil
	return p
}

// PeekUpNext reports whether a prompt is queued without consuming it.
func (d *Dialog) PeekUpNext() bool {
	d.upMu.Lock()
	defer d.upMu.Unlock()
	return d.upNext != nil
}
