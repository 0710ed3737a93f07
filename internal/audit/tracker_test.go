package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dominds/internal/dialog"
)

func openTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRoundLifecycle(t *testing.T) {
	tr := openTracker(t)

	rec := RoundRecord{
		ID: "r1", DialogID: "d1", RootID: "d1", AgentID: "bob",
		Course: 1, PromptOrigin: "user", StartedAt: time.Now(),
	}
	require.NoError(t, tr.StartRound(rec))
	require.NoError(t, tr.CompleteRound("r1", "completed", nil))

	rounds, err := tr.RoundsForDialog("d1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, "completed", rounds[0].Status)
	assert.NotNil(t, rounds[0].CompletedAt)
	assert.Nil(t, rounds[0].ErrorMessage)
}

func TestRoundFailureKeepsError(t *testing.T) {
	tr := openTracker(t)

	require.NoError(t, tr.StartRound(RoundRecord{
		ID: "r2", DialogID: "d2", RootID: "d2", AgentID: "bob", Course: 1, StartedAt: time.Now(),
	}))
	msg := "core timeout"
	require.NoError(t, tr.CompleteRound("r2", "failed", &msg))

	rounds, err := tr.RoundsForDialog("d2")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.NotNil(t, rounds[0].ErrorMessage)
	assert.Equal(t, "core timeout", *rounds[0].ErrorMessage)
}

func TestRecordCallOrdering(t *testing.T) {
	tr := openTracker(t)
	caller := dialog.ID{Self: "d1", Root: "d1"}

	tr.RecordCall(caller, dialog.ID{Self: "d2", Root: "d1"}, dialog.CallTellask, dialog.CallTypeB, "c1", "completed")
	tr.RecordCall(caller, dialog.ID{}, dialog.CallAskHuman, "", "c2", "failed")

	calls, err := tr.CallsForCaller("d1")
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].CallID)
	assert.Equal(t, "B", calls[0].CallType)
	assert.Equal(t, "d2", calls[0].CalleeID)
	assert.Equal(t, "c2", calls[1].CallID)
	assert.Equal(t, "failed", calls[1].Status)
}
