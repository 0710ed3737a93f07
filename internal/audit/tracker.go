// Package audit keeps a sqlite index of drive rounds and special calls for
// the history view. The event logs stay the source of truth; this index only
// answers "what ran when" queries cheaply.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dominds/internal/dialog"
	"dominds/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS drive_rounds (
	id TEXT PRIMARY KEY,
	dialog_id TEXT NOT NULL,
	root_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	course INTEGER NOT NULL,
	prompt_origin TEXT,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_drive_rounds_dialog ON drive_rounds(dialog_id, started_at);

CREATE TABLE IF NOT EXISTS special_calls (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	call_name TEXT NOT NULL,
	call_type TEXT,
	caller_id TEXT NOT NULL,
	root_id TEXT NOT NULL,
	callee_id TEXT,
	status TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_special_calls_caller ON special_calls(caller_id, recorded_at);
`

// RoundRecord is one drive round in the index.
type RoundRecord struct {
	ID           string     `json:"id"`
	DialogID     string     `json:"dialogId"`
	RootID       string     `json:"rootId"`
	AgentID      string     `json:"agentId"`
	Course       int        `json:"course"`
	PromptOrigin string     `json:"promptOrigin,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// CallRecord is one special call in the index.
type CallRecord struct {
	CallID     string    `json:"callId"`
	CallName   string    `json:"callName"`
	CallType   string    `json:"callType,omitempty"`
	CallerID   string    `json:"callerId"`
	RootID     string    `json:"rootId"`
	CalleeID   string    `json:"calleeId,omitempty"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Tracker is the sqlite-backed audit index.
type Tracker struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Tracker{db: db}, nil
}

// Close closes the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// StartRound records a drive round entering the executor.
func (t *Tracker) StartRound(rec RoundRecord) error {
	_, err := t.db.Exec(`
		INSERT INTO drive_rounds (id, dialog_id, root_id, agent_id, course, prompt_origin, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DialogID, rec.RootID, rec.AgentID, rec.Course, rec.PromptOrigin, "running", rec.StartedAt)
	return err
}

// CompleteRound finalizes a drive round record.
func (t *Tracker) CompleteRound(id, status string, errMsg *string) error {
	_, err := t.db.Exec(`
		UPDATE drive_rounds SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		status, time.Now(), errMsg, id)
	return err
}

// RecordCall indexes one special call. Errors are logged, not surfaced: the
// call already succeeded or failed on its own terms.
func (t *Tracker) RecordCall(callerID, calleeID dialog.ID, name dialog.CallName, ctype dialog.CallType, callID, status string) {
	_, err := t.db.Exec(`
		INSERT INTO special_calls (call_id, call_name, call_type, caller_id, root_id, callee_id, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		callID, string(name), string(ctype), callerID.Self, callerID.Root, calleeID.Self, status, time.Now())
	if err != nil {
		logger.Get().Warn().Err(err).Str("callId", callID).Msg("audit call insert failed")
	}
}

// RoundsForDialog lists a dialog's drive rounds, oldest first.
func (t *Tracker) RoundsForDialog(dialogID string) ([]RoundRecord, error) {
	rows, err := t.db.Query(`
		SELECT id, dialog_id, root_id, agent_id, course, prompt_origin, status, started_at, completed_at, error_message
		FROM drive_rounds WHERE dialog_id = ? ORDER BY started_at ASC`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		var completed sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.DialogID, &r.RootID, &r.AgentID, &r.Course,
			&r.PromptOrigin, &r.Status, &r.StartedAt, &completed, &errMsg); err != nil {
			return nil, err
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		if errMsg.Valid {
			r.ErrorMessage = &errMsg.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallsForCaller lists a caller's special calls, oldest first.
func (t *Tracker) CallsForCaller(callerID string) ([]CallRecord, error) {
	rows, err := t.db.Query(`
		SELECT call_id, call_name, call_type, caller_id, root_id, callee_id, status, recorded_at
		FROM special_calls WHERE caller_id = ? ORDER BY seq ASC`, callerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.CallID, &r.CallName, &r.CallType, &r.CallerID,
			&r.RootID, &r.CalleeID, &r.Status, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
