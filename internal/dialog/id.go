// Package dialog defines the in-memory dialog object model: identifiers,
// messages, reminders, run states, and the Root/Sub dialog variants.
package dialog

import (
	"errors"
	"fmt"
	"regexp"
)

// PersistenceStatus is the on-disk bucket a dialog lives in.
type PersistenceStatus string

const (
	StatusRunning   PersistenceStatus = "running"
	StatusCompleted PersistenceStatus = "completed"
	StatusArchived  PersistenceStatus = "archived"
)

// ValidStatus reports whether s is a known persistence status.
func ValidStatus(s PersistenceStatus) bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// ID identifies a dialog. A dialog is a root iff Self == Root.
type ID struct {
	Self string `json:"selfId" yaml:"selfId"`
	Root string `json:"rootId" yaml:"rootId"`
}

// ErrEmptyID is returned when either component of an ID is empty.
var ErrEmptyID = errors.New("dialog id must not be empty")

// IsRoot reports whether the id denotes a root dialog.
func (id ID) IsRoot() bool {
	return id.Self == id.Root
}

// Validate checks both components are non-empty.
func (id ID) Validate() error {
	if id.Self == "" || id.Root == "" {
		return ErrEmptyID
	}
	return nil
}

func (id ID) String() string {
	if id.IsRoot() {
		return id.Root
	}
	return fmt.Sprintf("%s/%s", id.Root, id.Self)
}

// RootID returns the id of the enclosing root dialog.
func (id ID) RootID() ID {
	return ID{Self: id.Root, Root: id.Root}
}

var slugPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+)*$`)

// ValidSessionSlug reports whether slug matches the session slug grammar:
// an alpha start, then alnum/underscore/hyphen, with optional dotted segments.
func ValidSessionSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// SessionKey builds the registry key for a Type-B session subdialog.
func SessionKey(agentID, slug string) string {
	return agentID + "/" + slug
}
