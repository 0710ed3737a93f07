package eventstore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dominds/internal/dialog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func rootID(s string) dialog.ID  { return dialog.ID{Self: s, Root: s} }
func subID(s, r string) dialog.ID { return dialog.ID{Self: s, Root: r} }

func TestLatestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	got, err := s.LoadDialogLatest(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Nil(t, got, "missing file reads as nil, not error")

	disable := false
	budget := 5
	latest := dialog.Latest{
		CurrentCourse:                2,
		Status:                       dialog.StatusRunning,
		MessageCount:                 7,
		FunctionCallCount:            3,
		SubdialogCount:               1,
		RunState:                     dialog.Interrupted(dialog.InterruptCrashRecovery),
		DisableDiligencePush:         &disable,
		DiligencePushRemainingBudget: &budget,
	}
	require.NoError(t, s.SaveDialogLatest(id, latest, dialog.StatusRunning))

	got, err = s.LoadDialogLatest(id, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.CurrentCourse)
	assert.Equal(t, dialog.RunInterrupted, got.RunState.Kind)
	assert.Equal(t, string(dialog.InterruptCrashRecovery), got.RunState.Reason)
	require.NotNil(t, got.DiligencePushRemainingBudget)
	assert.Equal(t, 5, *got.DiligencePushRemainingBudget)
}

func TestMutateLatestPatchEqualsReplace(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")
	require.NoError(t, s.SaveDialogLatest(id, dialog.Latest{
		CurrentCourse: 1, Status: dialog.StatusRunning, RunState: dialog.Idle(),
	}, dialog.StatusRunning))

	rs := dialog.Proceeding()
	count := 4
	require.NoError(t, s.MutateDialogLatest(id, dialog.StatusRunning, func(cur dialog.Latest) LatestMutation {
		return PatchLatest(dialog.LatestPatch{RunState: &rs, MessageCount: &count})
	}))

	got, err := s.LoadDialogLatest(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, dialog.RunProceeding, got.RunState.Kind)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, 1, got.CurrentCourse, "patch leaves untouched fields alone")

	// replace mutator sees the current value
	require.NoError(t, s.MutateDialogLatest(id, dialog.StatusRunning, func(cur dialog.Latest) LatestMutation {
		cur.CurrentCourse = 2
		return ReplaceLatest(cur)
	}))
	got, err = s.LoadDialogLatest(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentCourse)
	assert.Equal(t, 4, got.MessageCount)
}

func TestMutateLatestDeadIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")
	require.NoError(t, s.SaveDialogLatest(id, dialog.Latest{
		CurrentCourse: 1, Status: dialog.StatusRunning, RunState: dialog.Dead(dialog.DeadDeclaredByUser),
	}, dialog.StatusRunning))

	rs := dialog.Proceeding()
	err := s.MutateDialogLatest(id, dialog.StatusRunning, func(dialog.Latest) LatestMutation {
		return PatchLatest(dialog.LatestPatch{RunState: &rs})
	})
	assert.Error(t, err, "dead rejects any non-dead transition")

	// idempotent re-dead is fine
	dead := dialog.Dead(dialog.DeadDeclaredByUser)
	err = s.MutateDialogLatest(id, dialog.StatusRunning, func(dialog.Latest) LatestMutation {
		return PatchLatest(dialog.LatestPatch{RunState: &dead})
	})
	assert.NoError(t, err)
}

func TestMutateLatestCourseMonotonic(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")
	require.NoError(t, s.SaveDialogLatest(id, dialog.Latest{
		CurrentCourse: 3, Status: dialog.StatusRunning, RunState: dialog.Idle(),
	}, dialog.StatusRunning))

	course := 2
	err := s.MutateDialogLatest(id, dialog.StatusRunning, func(dialog.Latest) LatestMutation {
		return PatchLatest(dialog.LatestPatch{CurrentCourse: &course})
	})
	assert.Error(t, err)
}

func TestEventAppendOrderAndGenseq(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	contents := []string{"a", "b", "c"}
	for _, c := range contents {
		_, err := s.AppendEvent(id, 1, dialog.CourseEvent{Kind: dialog.EventSayingChunk, Content: c}, dialog.StatusRunning)
		require.NoError(t, err)
	}

	events, err := s.LoadCourseEvents(id, 1, dialog.StatusRunning)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Genseq)
		assert.Equal(t, contents[i], ev.Content)
	}
}

func TestGenseqRecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	id := rootID("r1")

	_, err = s.AppendEvent(id, 1, dialog.CourseEvent{Kind: dialog.EventPrompting}, dialog.StatusRunning)
	require.NoError(t, err)
	_, err = s.AppendEvent(id, 1, dialog.CourseEvent{Kind: dialog.EventSayingFinish}, dialog.StatusRunning)
	require.NoError(t, err)

	// simulate restart
	s2, err := Open(dir)
	require.NoError(t, err)
	ev, err := s2.AppendEvent(id, 1, dialog.CourseEvent{Kind: dialog.EventPrompting}, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Genseq)
}

func TestCurrentCourseNumber(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	n, err := s.GetCurrentCourseNumber(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.AppendEvent(id, 1, dialog.CourseEvent{Kind: dialog.EventPrompting}, dialog.StatusRunning)
	require.NoError(t, err)
	_, err = s.AppendEvent(id, 3, dialog.CourseEvent{Kind: dialog.EventPrompting}, dialog.StatusRunning)
	require.NoError(t, err)

	// an empty course dir does not count
	require.NoError(t, os.MkdirAll(s.courseDir(id, 9, dialog.StatusRunning), 0o755))

	n, err = s.GetCurrentCourseNumber(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPendingUniquePerSubdialog(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	rec := dialog.PendingSubdialog{
		SubdialogID: "s1", CallName: dialog.CallTellask, TellaskContent: "ping",
		TargetAgentID: "alice", CallID: "c1", CallType: dialog.CallTypeB, SessionSlug: "build-loop",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.AppendPendingSubdialog(id, rec, dialog.StatusRunning))

	rec2 := rec
	rec2.CallID = "c2"
	require.NoError(t, s.AppendPendingSubdialog(id, rec2, dialog.StatusRunning))

	records, err := s.LoadPendingSubdialogs(id, dialog.StatusRunning)
	require.NoError(t, err)
	require.Len(t, records, 1, "same subdialogId replaces the prior record")
	assert.Equal(t, "c2", records[0].CallID)

	other := rec
	other.SubdialogID = "s2"
	require.NoError(t, s.AppendPendingSubdialog(id, other, dialog.StatusRunning))
	records, err = s.LoadPendingSubdialogs(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMutatePendingPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")
	for _, sub := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.AppendPendingSubdialog(id, dialog.PendingSubdialog{
			SubdialogID: sub, CallName: dialog.CallTellaskSessionless,
			TellaskContent: "x", TargetAgentID: "alice", CallID: "c-" + sub, CallType: dialog.CallTypeC,
		}, dialog.StatusRunning))
	}

	require.NoError(t, s.MutatePendingSubdialogs(id, dialog.StatusRunning, func(records []dialog.PendingSubdialog) []dialog.PendingSubdialog {
		out := records[:0]
		for _, r := range records {
			if r.SubdialogID != "s2" {
				out = append(out, r)
			}
		}
		return out
	}))

	records, err := s.LoadPendingSubdialogs(id, dialog.StatusRunning)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].SubdialogID)
	assert.Equal(t, "s3", records[1].SubdialogID)
}

func TestDialogStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := subID("s1", "r1")

	state := DialogState{
		CurrentCourse: 2,
		Messages: []dialog.Message{
			{Role: dialog.RoleUser, Content: "hello"},
			{Role: dialog.RoleAssistant, Content: "hi"},
		},
		Reminders: []dialog.Reminder{
			{Owner: dialog.ReminderOwnerPendingTellask, Content: "waiting on @alice"},
		},
		ContextHealth: &dialog.ContextHealth{WindowTokens: 100000, UsedTokens: 4000, CriticalCountdown: 3},
	}
	require.NoError(t, s.SaveDialogState(id, state, dialog.StatusRunning))

	got, err := s.RestoreDialog(id, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, state.CurrentCourse, got.CurrentCourse)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	require.Len(t, got.Reminders, 1)
	require.NotNil(t, got.ContextHealth)
	assert.Equal(t, 100000, got.ContextHealth.WindowTokens)
}

func TestQ4HAppendRemove(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	q := dialog.HumanQuestion{
		ID: dialog.QuestionID(id, 1, "c1"), RootID: "r1", SelfID: "r1",
		AgentID: "lead", TellaskContent: "which db?", CallID: "c1",
		RemainingCallIDs: []string{"c2"}, AskedAt: time.Now(),
		CallSiteRef: dialog.CallSiteRef{Course: 1, MessageIndex: 4},
	}
	require.NoError(t, s.AppendQuestion4HumanState(id, q, dialog.StatusRunning))

	has, err := s.HasPendingQ4H(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.True(t, has)

	found, removed, err := s.RemoveQuestion4HumanState(id, q.ID, dialog.StatusRunning)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, removed)
	assert.Equal(t, []string{"c1", "c2"}, removed.AllCallIDs())

	found, _, err = s.RemoveQuestion4HumanState(id, q.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.False(t, found, "second removal reports not found, not error")
}

func TestLoadAllQ4HStateScansSubdialogs(t *testing.T) {
	s := newTestStore(t)
	root := rootID("r1")
	sub := subID("s1", "r1")

	require.NoError(t, s.SaveDialogMetadata(root, dialog.Metadata{ID: root, AgentID: "lead"}, dialog.StatusRunning))
	require.NoError(t, s.SaveDialogMetadata(sub, dialog.Metadata{ID: sub, AgentID: "alice"}, dialog.StatusRunning))

	require.NoError(t, s.AppendQuestion4HumanState(sub, dialog.HumanQuestion{
		ID: "q1", RootID: "r1", SelfID: "s1", CallID: "c1",
	}, dialog.StatusRunning))

	all, err := s.LoadAllQ4HState()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s1", all[0].SelfID)
}

func TestMoveAndDelete(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")
	require.NoError(t, s.SaveDialogMetadata(id, dialog.Metadata{ID: id, AgentID: "lead"}, dialog.StatusRunning))
	require.NoError(t, s.SaveDialogLatest(id, dialog.Latest{CurrentCourse: 1, Status: dialog.StatusRunning, RunState: dialog.Idle()}, dialog.StatusRunning))

	require.NoError(t, s.MoveDialogStatus(id, dialog.StatusRunning, dialog.StatusCompleted))

	meta, err := s.LoadDialogMetadata(id, dialog.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, meta)

	meta, err = s.LoadDialogMetadata(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Nil(t, meta)

	assert.Error(t, s.MoveDialogStatus(subID("s1", "r1"), dialog.StatusRunning, dialog.StatusArchived))

	require.NoError(t, s.DeleteRootDialog(id, dialog.StatusCompleted))
	ids, err := s.ListDialogs(dialog.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestNeedsDriveHint(t *testing.T) {
	s := newTestStore(t)
	id := rootID("r1")

	got, err := s.LoadNeedsDrive(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, s.SetNeedsDrive(id, true, dialog.StatusRunning))
	got, err = s.LoadNeedsDrive(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, s.SetNeedsDrive(id, false, dialog.StatusRunning))
	got, err = s.LoadNeedsDrive(id, dialog.StatusRunning)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestFindAssignmentAnchor(t *testing.T) {
	s := newTestStore(t)
	id := subID("s1", "r1")

	_, err := s.AppendEvent(id, 1, dialog.CourseEvent{
		Kind: dialog.EventTeammateAnchor, Role: dialog.AnchorAssignment, CallID: "c-old",
	}, dialog.StatusRunning)
	require.NoError(t, err)
	_, err = s.AppendEvent(id, 2, dialog.CourseEvent{
		Kind: dialog.EventTeammateAnchor, Role: dialog.AnchorAssignment, CallID: "c1",
	}, dialog.StatusRunning)
	require.NoError(t, err)

	ref, err := s.FindAssignmentAnchor(id, 2, "c1", dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, 2, ref.Course)

	ref, err = s.FindAssignmentAnchor(id, 2, "c-old", dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, 1, ref.Course, "scan walks earlier courses")

	ref, err = s.FindAssignmentAnchor(id, 2, "nope", dialog.StatusRunning)
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestUpdateSubdialogAssignment(t *testing.T) {
	s := newTestStore(t)
	sup := rootID("r1")
	sub := subID("s1", "r1")

	require.NoError(t, s.SaveDialogMetadata(sub, dialog.Metadata{ID: sub, AgentID: "alice"}, dialog.StatusRunning))

	asg := dialog.Assignment{
		CallName: dialog.CallTellask, TellaskContent: "again", CallerDialogID: sup,
		CallID: "c2", SessionSlug: "build-loop", OriginMemberID: "lead",
	}
	require.NoError(t, s.UpdateSubdialogAssignment(sub, sup, asg, dialog.StatusRunning))

	meta, err := s.LoadDialogMetadata(sub, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, meta.Assignment)
	assert.Equal(t, "c2", meta.Assignment.CallID)
	assert.Equal(t, "build-loop", meta.SessionSlug)
}
