package dialog

import "errors"

// ReminderOwner names the strategy that owns a reminder slot.
type ReminderOwner string

// ReminderOwnerPendingTellask owns the synthetic reminder derived from the
// pending-subdialogs set.
const ReminderOwnerPendingTellask ReminderOwner = "pendingTellask"

// Reminder is a synthetic message owned by a named strategy. At most one
// reminder per owner may exist on a dialog.
type Reminder struct {
	Owner   ReminderOwner     `json:"owner" yaml:"owner"`
	Content string            `json:"content" yaml:"content"`
	Meta    map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// ErrDuplicateReminderOwner signals the sole-owner contract was violated by
// a prior write. Treated as an invariant violation by callers.
var ErrDuplicateReminderOwner = errors.New("dialog: multiple reminders share one owner")

// OwnedReminder returns the reminder owned by owner, or nil. It returns
// ErrDuplicateReminderOwner when more than one entry carries the owner.
func (d *Dialog) OwnedReminder(owner ReminderOwner) (*Reminder, error) {
	var found *Reminder
	for i := range d.Reminders {
		if d.Reminders[i].Owner != owner {
			continue
		}
		if found != nil {
			return nil, ErrDuplicateReminderOwner
		}
		found = &d.Reminders[i]
	}
	return found, nil
}

// UpsertReminder replaces the owner's reminder in place, or inserts the
// reminder at the head when the owner has none.
func (d *Dialog) UpsertReminder(r Reminder) error {
	existing, err := d.OwnedReminder(r.Owner)
	if err != nil {
		return err
	}
	if existing != nil {
		*existing = r
		return nil
	}
	d.Reminders = append([]Reminder{r}, d.Reminders...)
	return nil
}

// DeleteReminder removes the owner's reminder if present.
func (d *Dialog) DeleteReminder(owner ReminderOwner) {
	out := d.Reminders[:0]
	for _, r := range d.Reminders {
		if r.Owner != owner {
			out = append(out, r)
		}
	}
	d.Reminders = out
}
