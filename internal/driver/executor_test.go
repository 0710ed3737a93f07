package driver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dominds/internal/calls"
	"dominds/internal/dialog"
	"dominds/internal/dialogs"
	"dominds/internal/eventstore"
	"dominds/internal/llm"
	"dominds/internal/q4h"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/internal/stream"
	"dominds/internal/team"
)

const testTeam = `
workLanguage: en
diligencePushMax: 5
members:
  alice:
    systemPrompt: You are alice.
  bob:
    systemPrompt: You are bob.
    fbrEffort: 2
`

type rig struct {
	store     *eventstore.Store
	reg       *registry.Registry
	states    *runstate.Manager
	questions *q4h.Queue
	mgr       *dialogs.Manager
	core      *llm.ScriptedCore
	exec      *Executor
	callsExec *calls.Executor
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	store, err := eventstore.Open(dir)
	require.NoError(t, err)

	teamPath := filepath.Join(dir, "team.yaml")
	require.NoError(t, os.WriteFile(teamPath, []byte(testTeam), 0o644))
	teams, err := team.NewProvider(teamPath)
	require.NoError(t, err)

	reg := registry.New(store)
	t.Cleanup(reg.Close)
	questions := q4h.NewQueue(store)
	t.Cleanup(questions.Close)
	states := runstate.NewManager(store)
	t.Cleanup(states.Close)
	mgr := dialogs.NewManager(store, reg)
	rec := stream.NewRecorder(store, stream.NewHub())
	problems := NewProblems()
	t.Cleanup(problems.Close)

	callsExec := calls.NewExecutor(mgr, reg, states, questions, teams, rec)
	core := llm.NewScriptedCore()
	exec := NewExecutor(mgr, reg, states, teams, callsExec, questions, core, rec, problems)
	return &rig{
		store: store, reg: reg, states: states, questions: questions,
		mgr: mgr, core: core, exec: exec, callsExec: callsExec,
	}
}

func userPrompt(content string) *dialog.Prompt {
	return &dialog.Prompt{Content: content, Origin: dialog.OriginUser, UserLanguageCode: "en"}
}

func TestDriveRoundAppendsSayingAndGoesIdle(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	r.core.Script("bob", llm.Say("hello"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("hi"), true, calls.DriveOptions{SuppressDiligencePush: true}))

	require.Len(t, root.Messages, 2)
	assert.Equal(t, dialog.RoleUser, root.Messages[0].Role)
	assert.Equal(t, dialog.RoleAssistant, root.Messages[1].Role)
	assert.Equal(t, "hello", root.Messages[1].Content)

	rs, err := r.states.Get(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, dialog.RunIdleWaitingUser, rs.Kind)

	events, err := r.store.LoadCourseEvents(root.ID, 1, dialog.StatusRunning)
	require.NoError(t, err)
	kinds := make([]dialog.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, dialog.EventPrompting)
	assert.Contains(t, kinds, dialog.EventSayingFinish)
}

func TestUserMsgIDRecordedOnPromptingEvent(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	r.core.Script("bob", llm.Say("ack"))
	prompt := userPrompt("hi")
	prompt.MsgID = "m42"
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, prompt, true, calls.DriveOptions{SuppressDiligencePush: true}))

	events, err := r.store.LoadCourseEvents(root.ID, 1, dialog.StatusRunning)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Kind == dialog.EventPrompting {
			found = true
			assert.Equal(t, "m42", ev.CallID)
		}
	}
	assert.True(t, found)
}

func TestDriveBusyFailsFast(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	require.True(t, root.Lock().TryAcquire())
	defer root.Lock().Release()

	err = r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, false, calls.DriveOptions{})
	assert.ErrorIs(t, err, ErrDialogBusy)
}

func TestTellaskRoundTripRevivesRoot(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	r.core.Script("bob", llm.Call("delegating", llm.RawCall{
		CallID: "c1", Name: "tellask",
		Arguments: llm.MustArgs(map[string]any{"targetAgentId": "alice", "sessionSlug": "s1", "tellaskContent": "ping"}),
	}))
	r.core.Script("alice", llm.Say("pong"))

	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{SuppressDiligencePush: true}))

	// the callee drive is asynchronous; wait for the reply to land
	require.Eventually(t, func() bool {
		pending, err := r.store.LoadPendingSubdialogs(root.ID, dialog.StatusRunning)
		return err == nil && len(pending) == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		needs, err := r.store.LoadNeedsDrive(root.ID, dialog.StatusRunning)
		return err == nil && needs
	}, 3*time.Second, 10*time.Millisecond)

	last := root.Messages[len(root.Messages)-1]
	assert.Equal(t, dialog.RoleTool, last.Role)
	assert.Equal(t, "pong", last.Content)
	assert.Equal(t, "alice", last.Name)
	assert.Equal(t, 1, r.core.Generations("alice"))
}

func TestFreshBootsRelayComposedInline(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	// step 1 drives the root; steps 2 and 3 are the two fresh-boots rounds
	r.core.Script("bob",
		llm.Call("let me think twice", llm.RawCall{
			CallID: "c1", Name: "freshBootsReasoning",
			Arguments: llm.MustArgs(map[string]any{"tellaskContent": "audit plan"}),
		}),
		llm.Say("first angle"),
		llm.Say("second angle"),
	)

	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{SuppressDiligencePush: true}))

	require.Len(t, root.Subs(), 1)
	sub := root.Subs()[0]
	assert.Equal(t, 2, r.core.GenerationsFor(sub.ID))

	pending, err := r.store.LoadPendingSubdialogs(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Empty(t, pending, "inline final round already replied upstream")

	last := root.Messages[len(root.Messages)-1]
	require.Equal(t, dialog.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Round 1:")
	assert.Contains(t, last.Content, "first angle")
	assert.Contains(t, last.Content, "Round 2:")
	assert.Contains(t, last.Content, "second angle")
	assert.Contains(t, last.Content, "Distill")
}

func TestInterruptObservedByCore(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	r.core.Script("bob", llm.Step{Fn: func(in llm.GenInput) llm.GenOutput {
		applied, err := r.states.RequestInterrupt(root.ID, dialog.StatusRunning, dialog.InterruptUserStop)
		require.NoError(t, err)
		require.True(t, applied)
		return llm.GenOutput{Interrupted: true}
	}})

	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{SuppressDiligencePush: true}))

	rs, err := r.states.Get(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, dialog.RunInterrupted, rs.Kind)
	assert.Equal(t, string(dialog.InterruptUserStop), rs.Reason)

	// without a user prompt or the resume flag, the round is a no-op
	before := r.core.Generations("bob")
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, true, calls.DriveOptions{SuppressDiligencePush: true}))
	assert.Equal(t, before, r.core.Generations("bob"))

	// the resume flag lifts the gate
	r.core.Script("bob", llm.Say("resumed"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, true, calls.DriveOptions{
		SuppressDiligencePush: true, AllowResumeFromInterrupted: true,
	}))
	assert.Equal(t, before+1, r.core.Generations("bob"))
}

func TestStopRequestedRoundIsNoOp(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)
	require.NoError(t, r.states.Set(root.ID, dialog.StatusRunning, dialog.StopRequested(dialog.InterruptUserStop)))

	r.core.Script("bob", llm.Say("should not run"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{SuppressDiligencePush: true}))
	assert.Equal(t, 0, r.core.Generations("bob"))

	// only startup reconciliation may resolve a stale stop request
	rs, err := r.states.Get(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, dialog.RunProceedingStopRequested, rs.Kind)
	assert.Equal(t, string(dialog.InterruptUserStop), rs.Reason)
}

func TestHealthGateSuspendsAndForcesNewCourse(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)
	root.ContextHealth = &dialog.ContextHealth{WindowTokens: 100, UsedTokens: 95}

	// promptless: suspend without consuming a round
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, true, calls.DriveOptions{SuppressDiligencePush: true}))
	assert.Equal(t, 0, r.core.Generations("bob"))
	assert.Equal(t, 1, root.CurrentCourse)

	// user prompt: open a fresh course instead
	r.core.Script("bob", llm.Say("fresh start"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{SuppressDiligencePush: true}))
	assert.Equal(t, 2, root.CurrentCourse)
	assert.Equal(t, 1, r.core.Generations("bob"))

	latest, err := r.store.LoadDialogLatest(root.ID, dialog.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.CurrentCourse)
}

func TestCriticalCountdownGrantsRounds(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)
	root.ContextHealth = &dialog.ContextHealth{WindowTokens: 100, UsedTokens: 95, CriticalCountdown: 1}

	r.core.Script("bob", llm.Say("one more"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, true, calls.DriveOptions{SuppressDiligencePush: true}))
	assert.Equal(t, 1, r.core.Generations("bob"))
	assert.Equal(t, 0, root.ContextHealth.CriticalCountdown)
}

func TestDiligencePushAutoContinues(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)
	root.DiligencePushRemainingBudget = 2
	require.NoError(t, r.exec.persistDiligence(root))

	// a round carrying a user message never pushes
	r.core.Script("bob", llm.Say("working"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, userPrompt("go"), true, calls.DriveOptions{}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, r.core.Generations("bob"))
	assert.Equal(t, 2, root.DiligencePushRemainingBudget)

	// an idle round pushes, and the pushes chain until the budget runs out
	r.core.Script("bob", llm.Say("still working"), llm.Say("more"), llm.Say("done"))
	require.NoError(t, r.exec.ExecuteDriveRound(context.Background(), root.ID, nil, true, calls.DriveOptions{}))
	require.Eventually(t, func() bool {
		return r.core.Generations("bob") == 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, root.DiligencePushRemainingBudget)

	pushes := 0
	for _, in := range r.core.Log {
		if in.Prompt != nil && in.Prompt.Origin == dialog.OriginDiligencePush {
			pushes++
			assert.True(t, strings.Contains(in.Prompt.Content, "Continue working"))
		}
	}
	assert.Equal(t, 2, pushes)
}

func TestDiligenceRefillSemantics(t *testing.T) {
	assert.Equal(t, 5, refillBudget(1, 5))
	assert.Equal(t, 4, refillBudget(1, 0))
}

func TestReminderSyncLifecycle(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	pending := []dialog.PendingSubdialog{{
		SubdialogID: "dsub1", TargetAgentID: "alice", CallType: dialog.CallTypeB,
		SessionSlug: "s1", TellaskContent: "do the thing", CreatedAt: time.Now(),
	}}
	require.NoError(t, r.store.SavePendingSubdialogs(root.ID, pending, dialog.StatusRunning))

	require.NoError(t, r.exec.syncPendingTellaskReminder(&root.Dialog, "en"))
	reminder, err := root.OwnedReminder(dialog.ReminderOwnerPendingTellask)
	require.NoError(t, err)
	require.NotNil(t, reminder)
	assert.Contains(t, reminder.Content, "@alice")
	assert.Contains(t, reminder.Content, "do the thing")
	assert.Equal(t, "1", reminder.Meta["pendingCount"])
	sig := reminder.Meta["pendingSignature"]

	// unchanged pending view is a no-op
	require.NoError(t, r.exec.syncPendingTellaskReminder(&root.Dialog, "en"))
	reminder, err = root.OwnedReminder(dialog.ReminderOwnerPendingTellask)
	require.NoError(t, err)
	assert.Equal(t, sig, reminder.Meta["pendingSignature"])

	// cleared pending view deletes the reminder
	require.NoError(t, r.store.SavePendingSubdialogs(root.ID, nil, dialog.StatusRunning))
	require.NoError(t, r.exec.syncPendingTellaskReminder(&root.Dialog, "en"))
	reminder, err = root.OwnedReminder(dialog.ReminderOwnerPendingTellask)
	require.NoError(t, err)
	assert.Nil(t, reminder)
}

func TestDriverLoopSchedulesEligibleRoot(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)
	root.SetUpNext(userPrompt("queued question"))

	loop := NewLoop(r.reg, r.store, r.states, r.questions, r.exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	r.core.Script("bob", llm.Say("answered"))
	r.reg.MarkNeedsDrive(root.ID.Root, registry.MarkOpts{Source: "test", Reason: "user_message"})

	require.Eventually(t, func() bool {
		return r.core.Generations("bob") == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, r.reg.NeedsDrive(root.ID.Root))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestDriverLoopSkipsSuspendedRoot(t *testing.T) {
	r := newRig(t)
	root, err := r.mgr.CreateRoot("bob", "docs/task.md")
	require.NoError(t, err)

	_, err = r.questions.Ask(&root.Dialog, dialog.StatusRunning,
		[]q4h.Ask{{CallID: "c1", Content: "blocked?"}}, "en", dialog.CallSiteRef{Course: 1})
	require.NoError(t, err)

	loop := NewLoop(r.reg, r.store, r.states, r.questions, r.exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	r.reg.MarkNeedsDrive(root.ID.Root, registry.MarkOpts{Source: "test", Reason: "poke"})

	require.Eventually(t, func() bool {
		return !r.reg.NeedsDrive(root.ID.Root)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.core.Generations("bob"))
}
