package dialogs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dominds/internal/dialog"
	"dominds/internal/eventstore"
	"dominds/internal/registry"
)

func newManager(t *testing.T) (*Manager, *eventstore.Store, *registry.Registry) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store)
	return NewManager(store, reg), store, reg
}

func TestCreateRootPersistsAndRegisters(t *testing.T) {
	m, store, reg := newManager(t)

	root, err := m.CreateRoot("lead", "plan.tsk")
	require.NoError(t, err)
	assert.True(t, root.ID.IsRoot())

	meta, err := store.LoadDialogMetadata(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "lead", meta.AgentID)

	latest, err := store.LoadDialogLatest(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, dialog.RunIdleWaitingUser, latest.RunState.Kind)

	_, ok := reg.Get(root.ID.Root)
	assert.True(t, ok)
}

func TestCreateSubRecordsAssignment(t *testing.T) {
	m, store, _ := newManager(t)
	root, err := m.CreateRoot("lead", "plan.tsk")
	require.NoError(t, err)

	asg := dialog.Assignment{
		CallName: dialog.CallTellask, TellaskContent: "build it",
		CallerDialogID: root.ID, CallID: "c1", SessionSlug: "build-loop",
		OriginMemberID: "lead",
	}
	sub, err := m.CreateSub(root, "alice", "plan.tsk", root.ID, asg)
	require.NoError(t, err)

	meta, err := store.LoadDialogMetadata(sub.ID, dialog.StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NotNil(t, meta.SupdialogID)
	assert.Equal(t, root.ID, *meta.SupdialogID)
	assert.Equal(t, "build-loop", meta.SessionSlug)

	got, ok := root.Sub(sub.ID.Self)
	require.True(t, ok)
	assert.Equal(t, "alice", got.AgentID)
}

func TestRehydrationAfterRestart(t *testing.T) {
	m, store, _ := newManager(t)
	root, err := m.CreateRoot("lead", "plan.tsk")
	require.NoError(t, err)

	asg := dialog.Assignment{
		CallName: dialog.CallTellask, TellaskContent: "x",
		CallerDialogID: root.ID, CallID: "c1", SessionSlug: "loop",
		OriginMemberID: "lead",
	}
	sub, err := m.CreateSub(root, "alice", "plan.tsk", root.ID, asg)
	require.NoError(t, err)

	root.AppendMessage(dialog.Message{Role: dialog.RoleUser, Content: "hello"})
	require.NoError(t, m.SaveState(&root.Dialog))

	// Fresh registry and manager over the same store: a restart.
	reg2 := registry.New(store)
	m2 := NewManager(store, reg2)

	restored, err := m2.Root(root.ID.Root)
	require.NoError(t, err)
	require.Len(t, restored.Messages, 1)
	assert.Equal(t, "hello", restored.Messages[0].Content)

	restoredSub, ok := restored.Sub(sub.ID.Self)
	require.True(t, ok)
	assert.Equal(t, "c1", restoredSub.Assignment.CallID)

	// Type-B session index is rebuilt from metadata.
	selfID, ok := restored.Session("alice", "loop")
	require.True(t, ok)
	assert.Equal(t, sub.ID.Self, selfID)
}

func TestRehydrationSkipsDeadSessions(t *testing.T) {
	m, store, _ := newManager(t)
	root, err := m.CreateRoot("lead", "plan.tsk")
	require.NoError(t, err)
	sub, err := m.CreateSub(root, "alice", "plan.tsk", root.ID, dialog.Assignment{
		CallName: dialog.CallTellask, TellaskContent: "x",
		CallerDialogID: root.ID, CallID: "c1", SessionSlug: "loop",
	})
	require.NoError(t, err)

	dead := dialog.Dead(dialog.DeadDeclaredByUser)
	require.NoError(t, store.MutateDialogLatest(sub.ID, dialog.StatusRunning, func(dialog.Latest) eventstore.LatestMutation {
		return eventstore.PatchLatest(dialog.LatestPatch{RunState: &dead})
	}))

	m2 := NewManager(store, registry.New(store))
	restored, err := m2.Root(root.ID.Root)
	require.NoError(t, err)

	_, ok := restored.Session("alice", "loop")
	assert.False(t, ok, "dead subdialogs stay out of the session index")
	_, ok = restored.Sub(sub.ID.Self)
	assert.True(t, ok, "the arena still holds the dead subdialog")
}

func TestResolveUnknown(t *testing.T) {
	m, _, _ := newManager(t)
	_, _, err := m.Resolve(dialog.ID{Self: "nope", Root: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.Resolve(dialog.ID{})
	assert.ErrorIs(t, err, dialog.ErrEmptyID)
}
