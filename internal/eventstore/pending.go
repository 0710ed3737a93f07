package eventstore

import (
	"encoding/json"
	"fmt"

	"dominds/internal/dialog"
)

const pendingFileName = "pending-subdialogs.json"

func (s *Store) pendingPath(id dialog.ID, status dialog.PersistenceStatus) string {
	return s.DialogDir(id, status) + "/" + pendingFileName
}

// LoadPendingSubdialogs reads the caller's pending list; absent means empty.
func (s *Store) LoadPendingSubdialogs(id dialog.ID, status dialog.PersistenceStatus) ([]dialog.PendingSubdialog, error) {
	data, err := readFileMaybe(s.pendingPath(id, status))
	if err != nil || data == nil {
		return nil, err
	}
	var records []dialog.PendingSubdialog
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode pending subdialogs for %s: %w", id, err)
	}
	return records, nil
}

// SavePendingSubdialogs writes the caller's pending list. Callers hold the
// subdialog-txn lock.
func (s *Store) SavePendingSubdialogs(id dialog.ID, records []dialog.PendingSubdialog, status dialog.PersistenceStatus) error {
	if records == nil {
		records = []dialog.PendingSubdialog{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending subdialogs for %s: %w", id, err)
	}
	return writeFileAtomic(s.pendingPath(id, status), data)
}

// AppendPendingSubdialog adds a record under the txn lock, replacing any
// prior record for the same subdialog so a given subdialogId appears at
// most once per caller.
func (s *Store) AppendPendingSubdialog(id dialog.ID, rec dialog.PendingSubdialog, status dialog.PersistenceStatus) error {
	return s.MutatePendingSubdialogs(id, status, func(records []dialog.PendingSubdialog) []dialog.PendingSubdialog {
		out := records[:0]
		for _, r := range records {
			if r.SubdialogID != rec.SubdialogID {
				out = append(out, r)
			}
		}
		return append(out, rec)
	})
}

// MutatePendingSubdialogs runs f over the current list under the caller's
// subdialog-txn lock and persists the replacement.
func (s *Store) MutatePendingSubdialogs(id dialog.ID, status dialog.PersistenceStatus, f func([]dialog.PendingSubdialog) []dialog.PendingSubdialog) error {
	return s.SubdialogTxn(id, func() error {
		records, err := s.LoadPendingSubdialogs(id, status)
		if err != nil {
			return err
		}
		return s.SavePendingSubdialogs(id, f(records), status)
	})
}

// HasPendingSubdialogs reports whether the caller has unresolved obligations.
func (s *Store) HasPendingSubdialogs(id dialog.ID, status dialog.PersistenceStatus) (bool, error) {
	records, err := s.LoadPendingSubdialogs(id, status)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}
