package driver

import (
	"sync"
	"time"

	"dominds/internal/pubsub"
)

// Problem is one observed invariant violation.
type Problem struct {
	DialogID string    `json:"dialogId"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Problems collects invariant violations for the UI's problems snapshot.
type Problems struct {
	mu    sync.Mutex
	items []Problem
	pub   *pubsub.Pub[Problem]
}

// NewProblems creates an empty collector.
func NewProblems() *Problems {
	return &Problems{pub: pubsub.NewPub[Problem]()}
}

// Report records a violation and notifies subscribers.
func (p *Problems) Report(dialogID, kind, message string) {
	item := Problem{DialogID: dialogID, Kind: kind, Message: message, At: time.Now()}
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	p.pub.Write(item)
}

// Snapshot returns all recorded problems.
func (p *Problems) Snapshot() []Problem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Problem, len(p.items))
	copy(out, p.items)
	return out
}

// Subscribe attaches a live subscriber.
func (p *Problems) Subscribe() *pubsub.Sub[Problem] {
	return p.pub.Subscribe()
}

// Close ends the stream.
func (p *Problems) Close() {
	p.pub.Close()
}
