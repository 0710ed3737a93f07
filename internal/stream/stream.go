// Package stream fans live course events out to per-dialog subscribers and
// records them to the event store in one step, so the log and the live view
// observe the same order.
package stream

import (
	"sync"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/pubsub"
)

// Live is one published event together with the course it belongs to.
type Live struct {
	Course int                `json:"course"`
	Event  dialog.CourseEvent `json:"event"`
}

// Hub holds one publish channel per dialog, keyed by selfId.
type Hub struct {
	mu   sync.Mutex
	pubs map[string]*pubsub.Pub[Live]
}

// NewHub creates an empty stream hub.
func NewHub() *Hub {
	return &Hub{pubs: make(map[string]*pubsub.Pub[Live])}
}

func (h *Hub) pubFor(id dialog.ID) *pubsub.Pub[Live] {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pubs[id.Self]
	if !ok {
		p = pubsub.NewPub[Live]()
		h.pubs[id.Self] = p
	}
	return p
}

// Publish broadcasts an event to the dialog's live subscribers.
func (h *Hub) Publish(id dialog.ID, course int, ev dialog.CourseEvent) {
	h.pubFor(id).Write(Live{Course: course, Event: ev})
}

// Subscribe attaches a live subscriber to one dialog's event stream.
func (h *Hub) Subscribe(id dialog.ID) *pubsub.Sub[Live] {
	return h.pubFor(id).Subscribe()
}

// CloseDialog ends the dialog's stream, e.g. on delete.
func (h *Hub) CloseDialog(id dialog.ID) {
	h.mu.Lock()
	p, ok := h.pubs[id.Self]
	delete(h.pubs, id.Self)
	h.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Recorder appends course events to the store and mirrors them to the hub.
type Recorder struct {
	store *eventstore.Store
	hub   *Hub
}

// NewRecorder wires a recorder.
func NewRecorder(store *eventstore.Store, hub *Hub) *Recorder {
	return &Recorder{store: store, hub: hub}
}

// Hub returns the live hub.
func (r *Recorder) Hub() *Hub {
	return r.hub
}

// Record appends ev to the dialog's current course log and publishes it.
// The stamped event (genseq assigned) is what subscribers observe.
func (r *Recorder) Record(d *dialog.Dialog, ev dialog.CourseEvent) (dialog.CourseEvent, error) {
	stamped, err := r.store.AppendEvent(d.ID, d.CurrentCourse, ev, d.Status)
	if err != nil {
		return stamped, err
	}
	r.hub.Publish(d.ID, d.CurrentCourse, stamped)
	return stamped, nil
}
