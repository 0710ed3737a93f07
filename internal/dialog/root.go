package dialog

import (
	"fmt"
	"sync"
)

// PrimingMode controls how subdialog agents are primed on creation.
type PrimingMode string

const (
	PrimingDo    PrimingMode = "do"
	PrimingReuse PrimingMode = "reuse"
	PrimingSkip  PrimingMode = "skip"
)

// Root is a user-initiated dialog owning a subtree of subdialogs.
//
// The root also hosts the arena for its subtree: subdialogs are held in a
// table keyed by selfId and referenced by id everywhere else, so stale or
// dead dialogs can never be dereferenced through a raw pointer.
type Root struct {
	Dialog

	DisableDiligencePush         bool
	DiligencePushRemainingBudget int
	SubdialogAgentPrimingMode    PrimingMode

	arenaMu sync.RWMutex
	// subs is the per-root dialog arena: selfId -> subdialog.
	subs map[string]*Sub
	// sessions maps SessionKey(agentID, slug) -> subdialog selfId (Type B).
	sessions map[string]string

	// txn serializes (read pending list, mutate session index, write pending
	// list) triples across drive rounds. Acquired before, never inside, the
	// per-dialog lock.
	txn sync.Mutex
}

// NewRoot creates a root dialog. The id must be canonical (selfId == rootId).
func NewRoot(id ID, agentID, taskDocPath string) (*Root, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if !id.IsRoot() {
		return nil, fmt.Errorf("root dialog id %s is not canonical", id)
	}
	return &Root{
		Dialog:                    NewDialog(id, agentID, taskDocPath),
		SubdialogAgentPrimingMode: PrimingReuse,
		subs:                      make(map[string]*Sub),
		sessions:                  make(map[string]string),
	}, nil
}

// TxnLock returns the subdialog-txn lock for this root's subtree.
func (r *Root) TxnLock() *sync.Mutex {
	return &r.txn
}

// AddSub places a subdialog into the arena.
func (r *Root) AddSub(s *Sub) {
	r.arenaMu.Lock()
	r.subs[s.ID.Self] = s
	r.arenaMu.Unlock()
}

// Sub resolves a subdialog by selfId.
func (r *Root) Sub(selfID string) (*Sub, bool) {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	s, ok := r.subs[selfID]
	return s, ok
}

// RemoveSub drops a subdialog from the arena and any session entry naming it.
func (r *Root) RemoveSub(selfID string) {
	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	delete(r.subs, selfID)
	for key, id := range r.sessions {
		if id == selfID {
			delete(r.sessions, key)
		}
	}
}

// Session looks up the Type-B session index.
func (r *Root) Session(agentID, slug string) (string, bool) {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	id, ok := r.sessions[SessionKey(agentID, slug)]
	return id, ok
}

// BindSession records a Type-B session entry.
func (r *Root) BindSession(agentID, slug, selfID string) {
	r.arenaMu.Lock()
	r.sessions[SessionKey(agentID, slug)] = selfID
	r.arenaMu.Unlock()
}

// UnbindSession prunes a stale session entry.
func (r *Root) UnbindSession(agentID, slug string) {
	r.arenaMu.Lock()
	delete(r.sessions, SessionKey(agentID, slug))
	r.arenaMu.Unlock()
}

// SessionCount returns the number of bound sessions.
func (r *Root) SessionCount() int {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	return len(r.sessions)
}

// Subs returns a snapshot of the arena's subdialogs.
func (r *Root) Subs() []*Sub {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	out := make([]*Sub, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Resolve returns the dialog with the given id inside this root's tree:
// the root itself or an arena subdialog.
func (r *Root) Resolve(id ID) (*Dialog, bool) {
	if id == r.ID {
		return &r.Dialog, true
	}
	if s, ok := r.Sub(id.Self); ok {
		return &s.Dialog, true
	}
	return nil, false
}
