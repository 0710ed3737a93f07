package dialog

import "fmt"

// Sub is an agent-initiated subdialog. It knows its immediate caller (the
// supdialog) and its enclosing root by id; both are resolved lazily through
// the root's arena.
type Sub struct {
	Dialog

	// SupID is the immediate caller's dialog id.
	SupID ID
	// SessionSlug is set iff this is a Type-B session subdialog.
	SessionSlug string

	// Assignment describes the originating call. Mutable only via Reassign.
	Assignment Assignment
}

// NewSub creates a subdialog under the given root.
func NewSub(id ID, agentID, taskDocPath string, supID ID, assignment Assignment) (*Sub, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if id.IsRoot() {
		return nil, fmt.Errorf("subdialog id %s must not be canonical root form", id)
	}
	if id.Root != supID.Root {
		return nil, fmt.Errorf("subdialog %s crosses root boundary from %s", id, supID)
	}
	return &Sub{
		Dialog:      NewDialog(id, agentID, taskDocPath),
		SupID:       supID,
		SessionSlug: assignment.SessionSlug,
		Assignment:  assignment,
	}, nil
}

// Reassign atomically replaces the assignment on Type-B resume. Caller holds
// the root's subdialog-txn lock.
func (s *Sub) Reassign(a Assignment) {
	s.SupID = a.CallerDialogID
	s.Assignment = a
}

// RootRef returns the enclosing root's id.
func (s *Sub) RootRef() ID {
	return s.ID.RootID()
}
