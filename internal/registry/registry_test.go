package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
)

func newRegistry(t *testing.T) (*Registry, *eventstore.Store) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	return New(store), store
}

func newRoot(t *testing.T, id string) *dialog.Root {
	t.Helper()
	r, err := dialog.NewRoot(dialog.ID{Self: id, Root: id}, "lead", "task.tsk")
	require.NoError(t, err)
	return r
}

func TestRegisterCanonicalOnly(t *testing.T) {
	r, _ := newRegistry(t)

	sub := &dialog.Root{}
	sub.Dialog = dialog.NewDialog(dialog.ID{Self: "s1", Root: "r1"}, "alice", "")
	assert.Error(t, r.Register(sub))

	root := newRoot(t, "r1")
	require.NoError(t, r.Register(root))
	require.NoError(t, r.Register(root), "duplicate register is a no-op")

	got, ok := r.Get("r1")
	require.True(t, ok)
	assert.Same(t, root, got)
}

func TestMarkNeedsDriveEmitsTrigger(t *testing.T) {
	r, _ := newRegistry(t)
	root := newRoot(t, "r1")
	require.NoError(t, r.Register(root))

	obs := r.Subscribe()
	r.MarkNeedsDrive("r1", MarkOpts{Source: "test", Reason: "because"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := obs.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, ActionMarkNeedsDrive, ev.Action)
	assert.True(t, ev.EntryFound)
	assert.False(t, ev.PreviousNeedsDrive)
	assert.True(t, ev.NextNeedsDrive)
	assert.Equal(t, "because", ev.Reason)
	assert.True(t, r.NeedsDrive("r1"))

	r.MarkNotNeedingDrive("r1", MarkOpts{Source: "test", Reason: "idle"})
	ev, ok = obs.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, ActionMarkNotNeedingDrive, ev.Action)
	assert.True(t, ev.PreviousNeedsDrive)
	assert.False(t, r.NeedsDrive("r1"))
}

func TestMarkUnknownRootStillEmits(t *testing.T) {
	r, _ := newRegistry(t)
	obs := r.Subscribe()

	r.MarkNeedsDrive("ghost", MarkOpts{Source: "test", Reason: "observability"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := obs.Read(ctx)
	require.True(t, ok)
	assert.False(t, ev.EntryFound)
	assert.False(t, ev.NextNeedsDrive)
}

func TestRegisterReplaysPersistedHint(t *testing.T) {
	r, store := newRegistry(t)
	root := newRoot(t, "r1")
	require.NoError(t, store.SetNeedsDrive(root.ID, true, dialog.StatusRunning))

	obs := r.Subscribe()
	require.NoError(t, r.Register(root))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := obs.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, "persisted_needs_drive_true", ev.Reason)
	assert.True(t, r.NeedsDrive("r1"))
}

func TestDialogsNeedingDrive(t *testing.T) {
	r, _ := newRegistry(t)
	a := newRoot(t, "a")
	b := newRoot(t, "b")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.MarkNeedsDrive("b", MarkOpts{Source: "test", Reason: "x"})

	roots := r.DialogsNeedingDrive()
	require.Len(t, roots, 1)
	assert.Equal(t, "b", roots[0].ID.Root)
}

func TestWaitForDriveTrigger(t *testing.T) {
	r, _ := newRegistry(t)
	root := newRoot(t, "r1")
	require.NoError(t, r.Register(root))

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.MarkNeedsDrive("r1", MarkOpts{Source: "test", Reason: "wake"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := r.WaitForDriveTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.RootID)
}

func TestWaitForDriveTriggerContextCancel(t *testing.T) {
	r, _ := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitForDriveTrigger(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnregister(t *testing.T) {
	r, _ := newRegistry(t)
	root := newRoot(t, "r1")
	require.NoError(t, r.Register(root))
	r.Unregister("r1")
	_, ok := r.Get("r1")
	assert.False(t, ok)
}
