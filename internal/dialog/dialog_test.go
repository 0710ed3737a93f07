package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      ID
		wantErr bool
		isRoot  bool
	}{
		{"root", ID{Self: "r1", Root: "r1"}, false, true},
		{"sub", ID{Self: "s1", Root: "r1"}, false, false},
		{"empty self", ID{Self: "", Root: "r1"}, true, false},
		{"empty root", ID{Self: "s1", Root: ""}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isRoot, tt.id.IsRoot())
		})
	}
}

func TestValidSessionSlug(t *testing.T) {
	valid := []string{"build-loop", "a", "A1", "x_y-z", "svc.build.loop", "a1.b2"}
	invalid := []string{"", "1abc", "-abc", "_abc", "a..b", "a.", ".a", "a b", "a/b", "ab."}

	for _, s := range valid {
		assert.True(t, ValidSessionSlug(s), "expected valid: %q", s)
	}
	for _, s := range invalid {
		assert.False(t, ValidSessionSlug(s), "expected invalid: %q", s)
	}
}

func TestRunStateDrivable(t *testing.T) {
	assert.True(t, Idle().Drivable())
	assert.True(t, Interrupted(InterruptUserStop).Drivable())
	assert.True(t, Proceeding().Drivable())
	assert.False(t, StopRequested(InterruptUserStop).Drivable())
	assert.False(t, Dead(DeadDeclaredByUser).Drivable())
	assert.False(t, Terminal(StatusCompleted).Drivable())
	assert.True(t, Dead(DeadDeclaredByUser).IsDead())
	assert.True(t, Terminal(StatusArchived).IsTerminal())
}

func TestLockTryAcquire(t *testing.T) {
	l := NewLock()
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.True(t, l.Locked())

	l.Release()
	assert.False(t, l.Locked())
	assert.True(t, l.TryAcquire())
	l.Release()
}

func TestLockAcquireContext(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()
}

func TestReminderSoleOwner(t *testing.T) {
	d := NewDialog(ID{Self: "r1", Root: "r1"}, "alice", "task.tsk")

	got, err := d.OwnedReminder(ReminderOwnerPendingTellask)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, d.UpsertReminder(Reminder{Owner: ReminderOwnerPendingTellask, Content: "one"}))
	require.NoError(t, d.UpsertReminder(Reminder{Owner: ReminderOwnerPendingTellask, Content: "two"}))

	got, err = d.OwnedReminder(ReminderOwnerPendingTellask)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "two", got.Content)
	assert.Len(t, d.Reminders, 1)

	// A corrupted list with two entries for one owner is an invariant violation.
	d.Reminders = append(d.Reminders, Reminder{Owner: ReminderOwnerPendingTellask, Content: "three"})
	_, err = d.OwnedReminder(ReminderOwnerPendingTellask)
	assert.ErrorIs(t, err, ErrDuplicateReminderOwner)

	d.Reminders = d.Reminders[:1]
	d.DeleteReminder(ReminderOwnerPendingTellask)
	assert.Empty(t, d.Reminders)
}

func TestUpNextConsumedOnce(t *testing.T) {
	d := NewDialog(ID{Self: "r1", Root: "r1"}, "alice", "task.tsk")
	assert.Nil(t, d.TakeUpNext())

	d.SetUpNext(&Prompt{Content: "go on", Origin: OriginDiligencePush})
	assert.True(t, d.PeekUpNext())

	p := d.TakeUpNext()
	require.NotNil(t, p)
	assert.Equal(t, "go on", p.Content)
	assert.Nil(t, d.TakeUpNext())
}

func TestRootSessionIndex(t *testing.T) {
	r, err := NewRoot(ID{Self: "r1", Root: "r1"}, "lead", "task.tsk")
	require.NoError(t, err)

	_, ok := r.Session("alice", "build-loop")
	assert.False(t, ok)

	r.BindSession("alice", "build-loop", "s1")
	got, ok := r.Session("alice", "build-loop")
	require.True(t, ok)
	assert.Equal(t, "s1", got)
	assert.Equal(t, 1, r.SessionCount())

	r.UnbindSession("alice", "build-loop")
	_, ok = r.Session("alice", "build-loop")
	assert.False(t, ok)
}

func TestRootRejectsNonCanonicalID(t *testing.T) {
	_, err := NewRoot(ID{Self: "s1", Root: "r1"}, "lead", "task.tsk")
	assert.Error(t, err)
}

func TestSubCreation(t *testing.T) {
	sup := ID{Self: "r1", Root: "r1"}
	asg := Assignment{
		CallName:       CallTellask,
		TellaskContent: "ping",
		CallerDialogID: sup,
		CallID:         "c1",
		SessionSlug:    "build-loop",
	}

	s, err := NewSub(ID{Self: "s1", Root: "r1"}, "alice", "task.tsk", sup, asg)
	require.NoError(t, err)
	assert.Equal(t, "build-loop", s.SessionSlug)
	assert.Equal(t, ID{Self: "r1", Root: "r1"}, s.RootRef())

	_, err = NewSub(ID{Self: "r1", Root: "r1"}, "alice", "task.tsk", sup, asg)
	assert.Error(t, err, "canonical root form rejected")

	_, err = NewSub(ID{Self: "s2", Root: "other"}, "alice", "task.tsk", sup, asg)
	assert.Error(t, err, "cross-root subdialog rejected")
}

func TestRootArenaResolve(t *testing.T) {
	r, err := NewRoot(ID{Self: "r1", Root: "r1"}, "lead", "task.tsk")
	require.NoError(t, err)

	s, err := NewSub(ID{Self: "s1", Root: "r1"}, "alice", "task.tsk", r.ID, Assignment{
		CallName: CallTellaskSessionless, TellaskContent: "x", CallerDialogID: r.ID, CallID: "c1",
	})
	require.NoError(t, err)
	r.AddSub(s)

	got, ok := r.Resolve(ID{Self: "s1", Root: "r1"})
	require.True(t, ok)
	assert.Equal(t, "alice", got.AgentID)

	got, ok = r.Resolve(r.ID)
	require.True(t, ok)
	assert.Equal(t, "lead", got.AgentID)

	r.BindSession("alice", "loop", "s1")
	r.RemoveSub("s1")
	_, ok = r.Resolve(ID{Self: "s1", Root: "r1"})
	assert.False(t, ok)
	_, ok = r.Session("alice", "loop")
	assert.False(t, ok, "session entries naming a removed sub are pruned")
}

func TestLatestPatchApply(t *testing.T) {
	base := Latest{
		CurrentCourse: 1,
		Status:        StatusRunning,
		RunState:      Idle(),
	}

	course := 2
	rs := Proceeding()
	next := LatestPatch{CurrentCourse: &course, RunState: &rs}.Apply(base)

	assert.Equal(t, 2, next.CurrentCourse)
	assert.Equal(t, RunProceeding, next.RunState.Kind)
	assert.Equal(t, StatusRunning, next.Status)
	assert.False(t, next.LastModified.IsZero())
	// The original is untouched.
	assert.Equal(t, 1, base.CurrentCourse)
}
