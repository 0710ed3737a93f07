// Package registry holds the process-wide map of live root dialogs and the
// drive-trigger channel that wakes the backend driver loop.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/pubsub"
	"dominds/pkg/logger"
)

// TriggerAction is the kind of a drive-trigger event.
type TriggerAction string

const (
	ActionMarkNeedsDrive      TriggerAction = "mark_needs_drive"
	ActionMarkNotNeedingDrive TriggerAction = "mark_not_needing_drive"
)

// DriveTriggerEvent is emitted on every needs-drive mark, found or not, so
// observers can trace scheduling decisions.
type DriveTriggerEvent struct {
	Action             TriggerAction `json:"action"`
	RootID             string        `json:"rootId"`
	EntryFound         bool          `json:"entryFound"`
	PreviousNeedsDrive bool          `json:"previousNeedsDrive"`
	NextNeedsDrive     bool          `json:"nextNeedsDrive"`
	Source             string        `json:"source"`
	Reason             string        `json:"reason"`
	EmittedAtMs        int64         `json:"emittedAtMs"`
}

// MarkOpts carries trigger provenance.
type MarkOpts struct {
	Source string
	Reason string
}

type entry struct {
	root       *dialog.Root
	needsDrive bool
}

// Registry is the singleton root-dialog registry.
type Registry struct {
	store *eventstore.Store

	mu      sync.RWMutex
	entries map[string]*entry

	pub *pubsub.Pub[DriveTriggerEvent]

	subMu sync.Mutex
	sub   *pubsub.Sub[DriveTriggerEvent]
}

// New creates an empty registry backed by the store's needs-drive hints.
func New(store *eventstore.Store) *Registry {
	r := &Registry{
		store:   store,
		entries: make(map[string]*entry),
		pub:     pubsub.NewPub[DriveTriggerEvent](),
	}
	r.sub = r.pub.Subscribe()
	return r
}

// Register adds a root dialog. Only the canonical root (selfId == rootId) is
// accepted; duplicates are a no-op. The persisted needs-drive hint is read
// asynchronously and, when set, re-armed as a trigger.
func (r *Registry) Register(root *dialog.Root) error {
	if !root.ID.IsRoot() {
		return fmt.Errorf("registry: %s is not a canonical root id", root.ID)
	}

	r.mu.Lock()
	if _, exists := r.entries[root.ID.Root]; exists {
		r.mu.Unlock()
		return nil
	}
	r.entries[root.ID.Root] = &entry{root: root}
	r.mu.Unlock()

	go func() {
		hinted, err := r.store.LoadNeedsDrive(root.ID, root.Status)
		if err != nil {
			logger.Warn().Err(err).Str("root_id", root.ID.Root).Msg("read persisted needs-drive hint failed")
			return
		}
		if hinted {
			r.MarkNeedsDrive(root.ID.Root, MarkOpts{Source: "registry_register", Reason: "persisted_needs_drive_true"})
		}
	}()
	return nil
}

// Unregister drops a root, e.g. when the in-memory object is found stale
// against persistence.
func (r *Registry) Unregister(rootID string) {
	r.mu.Lock()
	delete(r.entries, rootID)
	r.mu.Unlock()
}

// Get resolves a registered root dialog.
func (r *Registry) Get(rootID string) (*dialog.Root, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[rootID]
	if !ok {
		return nil, false
	}
	return e.root, true
}

// MarkNeedsDrive flags the root and emits a trigger. The trigger is emitted
// even when the root is not registered; EntryFound records which case it was.
func (r *Registry) MarkNeedsDrive(rootID string, opts MarkOpts) {
	r.mark(rootID, true, ActionMarkNeedsDrive, opts)
}

// MarkNotNeedingDrive clears the flag and emits a trigger.
func (r *Registry) MarkNotNeedingDrive(rootID string, opts MarkOpts) {
	r.mark(rootID, false, ActionMarkNotNeedingDrive, opts)
}

func (r *Registry) mark(rootID string, next bool, action TriggerAction, opts MarkOpts) {
	r.mu.Lock()
	e, found := r.entries[rootID]
	prev := false
	if found {
		prev = e.needsDrive
		e.needsDrive = next
	}
	r.mu.Unlock()

	r.pub.Write(DriveTriggerEvent{
		Action:             action,
		RootID:             rootID,
		EntryFound:         found,
		PreviousNeedsDrive: prev,
		NextNeedsDrive:     next && found,
		Source:             opts.Source,
		Reason:             opts.Reason,
		EmittedAtMs:        time.Now().UnixMilli(),
	})
}

// NeedsDrive reports the in-memory flag for a root.
func (r *Registry) NeedsDrive(rootID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[rootID]
	return ok && e.needsDrive
}

// DialogsNeedingDrive returns the roots currently flagged.
func (r *Registry) DialogsNeedingDrive() []*dialog.Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roots []*dialog.Root
	for _, e := range r.entries {
		if e.needsDrive {
			roots = append(roots, e.root)
		}
	}
	return roots
}

// Roots returns every registered root dialog.
func (r *Registry) Roots() []*dialog.Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roots := make([]*dialog.Root, 0, len(r.entries))
	for _, e := range r.entries {
		roots = append(roots, e.root)
	}
	return roots
}

// WaitForDriveTrigger blocks for the next trigger on the registry's own
// consumer subscription, recreating the subscription if end-of-stream is
// observed.
func (r *Registry) WaitForDriveTrigger(ctx context.Context) (DriveTriggerEvent, error) {
	r.subMu.Lock()
	sub := r.sub
	r.subMu.Unlock()

	ev, ok := sub.Read(ctx)
	if ok {
		return ev, nil
	}
	if ctx.Err() != nil {
		return DriveTriggerEvent{}, ctx.Err()
	}

	// End-of-stream without cancellation: re-subscribe and retry once.
	r.subMu.Lock()
	r.sub = r.pub.Subscribe()
	sub = r.sub
	r.subMu.Unlock()

	ev, ok = sub.Read(ctx)
	if !ok {
		if ctx.Err() != nil {
			return DriveTriggerEvent{}, ctx.Err()
		}
		return DriveTriggerEvent{}, fmt.Errorf("registry: drive trigger stream closed")
	}
	return ev, nil
}

// Subscribe attaches an additional observer of drive triggers.
func (r *Registry) Subscribe() *pubsub.Sub[DriveTriggerEvent] {
	return r.pub.Subscribe()
}

// Close ends the trigger stream.
func (r *Registry) Close() {
	r.pub.Close()
}
