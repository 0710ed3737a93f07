package dialog

import (
	"fmt"
	"time"
)

// HumanQuestion is a persisted ask-human obligation. The dialog that asked
// it may not drive again until the human answers.
type HumanQuestion struct {
	ID             string      `yaml:"id" json:"id"`
	RootID         string      `yaml:"rootId" json:"rootId"`
	SelfID         string      `yaml:"selfId" json:"selfId"`
	AgentID        string      `yaml:"agentId" json:"agentId"`
	TaskDocPath    string      `yaml:"taskDocPath" json:"taskDocPath"`
	TellaskContent string      `yaml:"tellaskContent" json:"tellaskContent"`
	AskedAt        time.Time   `yaml:"askedAt" json:"askedAt"`
	CallID         string      `yaml:"callId" json:"callId"`
	// RemainingCallIDs carries the call ids of merged secondary questions.
	RemainingCallIDs []string    `yaml:"remainingCallIds,omitempty" json:"remainingCallIds,omitempty"`
	CallSiteRef      CallSiteRef `yaml:"callSiteRef" json:"callSiteRef"`
}

// QuestionID builds the canonical q4h id for a call site.
func QuestionID(id ID, course int, callID string) string {
	return fmt.Sprintf("q4h-%s-%s-c%d-%s", id.Root, id.Self, course, callID)
}

// AllCallIDs returns the primary call id plus all merged ones.
func (q HumanQuestion) AllCallIDs() []string {
	out := make([]string, 0, 1+len(q.RemainingCallIDs))
	out = append(out, q.CallID)
	out = append(out, q.RemainingCallIDs...)
	return out
}
