package gateway

import (
	"context"
	"fmt"

	"dominds/internal/calls"
	"dominds/internal/dialog"
	"dominds/internal/dialogs"
	"dominds/internal/driver"
	"dominds/internal/eventstore"
	"dominds/internal/q4h"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/internal/stream"
	"dominds/internal/team"
	"dominds/pkg/logger"
)

// Gateway dispatches client messages onto the runtime and fans runtime
// events back out over the hub.
type Gateway struct {
	mgr       *dialogs.Manager
	store     *eventstore.Store
	reg       *registry.Registry
	states    *runstate.Manager
	questions *q4h.Queue
	teams     *team.Provider
	exec      *driver.Executor
	calls     *calls.Executor
	streams   *stream.Hub
	problems  *driver.Problems
	keeper    *driver.Housekeeper
	hub       *Hub
}

// NewGateway wires the dispatcher over the runtime components.
func NewGateway(mgr *dialogs.Manager, states *runstate.Manager, questions *q4h.Queue, teams *team.Provider, exec *driver.Executor, callsExec *calls.Executor, streams *stream.Hub, problems *driver.Problems, keeper *driver.Housekeeper, reg *registry.Registry) *Gateway {
	return &Gateway{
		mgr:       mgr,
		store:     mgr.Store(),
		reg:       reg,
		states:    states,
		questions: questions,
		teams:     teams,
		exec:      exec,
		calls:     callsExec,
		streams:   streams,
		problems:  problems,
		keeper:    keeper,
		hub:       NewHub(),
	}
}

// Hub returns the client hub.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Start runs the hub and the broadcast forwarders until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	go g.hub.Run()
	go g.forwardQ4H(ctx)
	go g.forwardRunStates(ctx)
	go g.forwardCounts(ctx)
	go g.forwardProblems(ctx)
}

// Stop disconnects every client.
func (g *Gateway) Stop() {
	g.hub.Stop()
}

func (g *Gateway) forwardQ4H(ctx context.Context) {
	sub := g.questions.Subscribe()
	defer sub.Cancel()
	for {
		ev, ok := sub.Read(ctx)
		if !ok {
			return
		}
		kind := TypeNewQ4HAsked
		if ev.Kind == q4h.EventAnswered {
			kind = TypeQ4HAnswered
		}
		g.hub.BroadcastJSON(q4hEventMessage{
			Type:       kind,
			QuestionID: ev.QuestionID,
			Dialog:     DialogRef{SelfID: ev.Dialog.Self, RootID: ev.Dialog.Root},
			Question:   ev.Question,
		})
	}
}

func (g *Gateway) forwardRunStates(ctx context.Context) {
	sub := g.states.Subscribe()
	defer sub.Cancel()
	for {
		change, ok := sub.Read(ctx)
		if !ok {
			return
		}
		g.hub.BroadcastJSON(runStateMessage{
			Type:     TypeRunStateEvent,
			Dialog:   DialogRef{SelfID: change.ID.Self, RootID: change.ID.Root},
			RunState: change.State,
		})
	}
}

func (g *Gateway) forwardCounts(ctx context.Context) {
	if g.keeper == nil {
		return
	}
	sub := g.keeper.SubscribeCounts()
	defer sub.Cancel()
	for {
		counts, ok := sub.Read(ctx)
		if !ok {
			return
		}
		g.hub.BroadcastJSON(countsMessage{Type: TypeRunControlCounts, Counts: counts})
	}
}

func (g *Gateway) forwardProblems(ctx context.Context) {
	sub := g.problems.Subscribe()
	defer sub.Cancel()
	for {
		if _, ok := sub.Read(ctx); !ok {
			return
		}
		g.hub.BroadcastJSON(problemsMessage{Type: TypeProblemsSnapshot, Problems: g.problems.Snapshot()})
	}
}

// welcome sends the handshake message to a fresh client.
func (g *Gateway) welcome(c *Client) {
	var work string
	var supported []string
	if t := g.teams.Current(); t != nil {
		work = t.WorkLanguage
		supported = t.SupportedLanguages
	}
	if work == "" {
		work = "en"
	}
	c.sendJSON(welcomeMessage{
		Type:                   TypeWelcome,
		ServerWorkLanguage:     work,
		SupportedLanguageCodes: supported,
	})
}

// resolveRef turns a wire reference into an id plus its status bucket.
func (g *Gateway) resolveRef(ref *DialogRef) (dialog.ID, dialog.PersistenceStatus, error) {
	if ref == nil || ref.SelfID == "" || ref.RootID == "" {
		return dialog.ID{}, "", fmt.Errorf("dialog reference required")
	}
	id := ref.ID()
	if err := id.Validate(); err != nil {
		return dialog.ID{}, "", err
	}
	if ref.Status != "" {
		return id, dialog.PersistenceStatus(ref.Status), nil
	}
	status, err := g.mgr.FindStatus(id)
	if err != nil {
		return dialog.ID{}, "", err
	}
	return id, status, nil
}

func (g *Gateway) clientLang(c *Client) string {
	if lang := c.uiLanguage(); lang != "" {
		return lang
	}
	if t := g.teams.Current(); t != nil && t.WorkLanguage != "" {
		return t.WorkLanguage
	}
	return "en"
}

// dispatch routes one client message.
func (g *Gateway) dispatch(c *Client, msg ClientMessage) {
	logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("client message")

	switch msg.Type {
	case TypeCreateDialog:
		g.handleCreateDialog(c, msg)
	case TypeDisplayDialog:
		g.handleDisplayDialog(c, msg)
	case TypeDisplayCourse:
		g.handleDisplayCourse(c, msg)
	case TypeDriveByUserMsg:
		g.handleDriveByUserMsg(c, msg)
	case TypeDriveByUserAnswer:
		g.handleDriveByUserAnswer(c, msg)
	case TypeInterruptDialog:
		g.handleInterrupt(c, msg)
	case TypeEmergencyStop:
		g.handleEmergencyStop(c)
	case TypeResumeDialog:
		g.handleResume(c, msg)
	case TypeResumeAll:
		g.handleResumeAll(c)
	case TypeSetDiligencePush:
		g.handleSetDiligencePush(c, msg)
	case TypeRefillDiligence:
		g.handleRefillDiligence(c, msg)
	case TypeDeclareSubDead:
		g.handleDeclareSubDead(c, msg)
	case TypeGetQ4HState:
		g.handleGetQ4HState(c)
	case TypeDisplayReminders:
		g.handleDisplayReminders(c, msg)
	case TypeSetUILanguage:
		c.setUILanguage(msg.UILanguage)
	case TypeArchiveDialog:
		g.handleArchiveDialog(c, msg)
	case TypeDeleteDialog:
		g.handleDeleteDialog(c, msg)
	default:
		logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("unknown message type")
		c.sendError(msg.RequestID, "unknown message type: "+msg.Type)
	}
}

func (g *Gateway) handleCreateDialog(c *Client, msg ClientMessage) {
	if msg.AgentID == "" || msg.TaskDocPath == "" {
		c.sendJSON(createDialogResult{
			Type: TypeCreateDialogResult, RequestID: msg.RequestID,
			Kind: "failure", Message: "agentId and taskDocPath are required",
		})
		return
	}
	if _, err := g.teams.Minds(msg.AgentID); err != nil {
		c.sendJSON(createDialogResult{
			Type: TypeCreateDialogResult, RequestID: msg.RequestID,
			Kind: "failure", Message: err.Error(),
		})
		return
	}
	root, err := g.mgr.CreateRoot(msg.AgentID, msg.TaskDocPath)
	if err != nil {
		c.sendJSON(createDialogResult{
			Type: TypeCreateDialogResult, RequestID: msg.RequestID,
			Kind: "failure", Message: err.Error(),
		})
		return
	}
	ref := refOf(root.ID, root.Status)
	c.sendJSON(createDialogResult{
		Type: TypeCreateDialogResult, RequestID: msg.RequestID,
		Kind: "success", Dialog: &ref,
	})
	c.sendJSON(dialogReadyMessage{Type: TypeDialogReady, Dialog: ref})
	g.hub.BroadcastJSON(dialogsChangedMessage{Type: TypeDialogsCreated, Dialogs: []DialogRef{ref}})
}

func (g *Gateway) handleDisplayDialog(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	ref := refOf(id, status)

	// Attach the live subscription before replaying so no event falls in the
	// gap; the client dedupes on genseq.
	ctx, cancel := context.WithCancel(context.Background())
	sub := g.streams.Subscribe(id)
	c.replaceSubscription(func() {
		cancel()
		sub.Cancel()
	})

	current, err := g.store.GetCurrentCourseNumber(id, status)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	for course := 1; course <= current; course++ {
		events, err := g.store.LoadCourseEvents(id, course, status)
		if err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
		for _, ev := range events {
			c.sendJSON(courseEventMessage{Type: TypeCourseEvent, Dialog: ref, Course: course, Event: ev})
		}
	}

	c.sendJSON(dialogReadyMessage{Type: TypeDialogReady, Dialog: ref})
	if rs, err := g.states.Get(id, status); err == nil {
		c.sendJSON(runStateMessage{Type: TypeRunStateEvent, Dialog: ref, RunState: rs})
	}
	g.handleGetQ4HState(c)

	go func() {
		for {
			live, ok := sub.Read(ctx)
			if !ok {
				return
			}
			c.sendJSON(courseEventMessage{Type: TypeCourseEvent, Dialog: ref, Course: live.Course, Event: live.Event})
		}
	}()
}

func (g *Gateway) handleDisplayCourse(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	events, err := g.store.LoadCourseEvents(id, msg.Course, status)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	ref := refOf(id, status)
	for _, ev := range events {
		c.sendJSON(courseEventMessage{Type: TypeCourseEvent, Dialog: ref, Course: msg.Course, Event: ev})
	}
}

func (g *Gateway) handleDriveByUserMsg(c *Client, msg ClientMessage) {
	id, _, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if msg.Content == "" {
		c.sendError(msg.RequestID, "content is required")
		return
	}
	lang := msg.UserLanguageCode
	if lang == "" {
		lang = g.clientLang(c)
	}

	// A fresh user message tops the root's push budget back up.
	if id.IsRoot() {
		if root, err := g.mgr.Root(id.Root); err == nil {
			max := 0
			if t := g.teams.Current(); t != nil {
				max = t.DiligencePushMax
			}
			if err := g.exec.RefillDiligenceBudget(root, max); err != nil {
				logger.Warn().Err(err).Str("root_id", id.Root).Msg("diligence refill failed")
			}
		}
	}

	g.exec.ScheduleDrive(id, &dialog.Prompt{
		Content:          msg.Content,
		Origin:           dialog.OriginUser,
		MsgID:            msg.MsgID,
		UserLanguageCode: lang,
	}, calls.DriveOptions{AllowResumeFromInterrupted: true})
}

func (g *Gateway) handleDriveByUserAnswer(c *Client, msg ClientMessage) {
	id, _, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if msg.QuestionID == "" {
		c.sendError(msg.RequestID, "questionId is required")
		return
	}
	lang := msg.UserLanguageCode
	if lang == "" {
		lang = g.clientLang(c)
	}
	if err := g.calls.AnswerHumanQuestion(context.Background(), id, msg.QuestionID, msg.Content, lang); err != nil {
		c.sendError(msg.RequestID, err.Error())
	}
}

func (g *Gateway) handleInterrupt(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	// Idempotent: a dialog that is not proceeding is left as is.
	if _, err := g.states.RequestInterrupt(id, status, dialog.InterruptUserStop); err != nil {
		c.sendError(msg.RequestID, err.Error())
	}
}

func (g *Gateway) handleEmergencyStop(c *Client) {
	requested, err := g.states.RequestEmergencyStopAll()
	if err != nil {
		c.sendError("", err.Error())
		return
	}
	cancelled := g.exec.CancelAll()
	logger.Warn().Int("stop_requested", requested).Int("cancelled", cancelled).Msg("emergency stop")
	g.hub.BroadcastJSON(refreshMessage{Type: TypeRunControlRefresh})
}

func (g *Gateway) handleResume(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	ok, err := g.states.CanResume(id, status)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if !ok {
		c.sendError(msg.RequestID, "dialog is not interrupted")
		return
	}
	g.exec.ScheduleDrive(id, nil, calls.DriveOptions{AllowResumeFromInterrupted: true})
}

func (g *Gateway) handleResumeAll(c *Client) {
	roots, err := g.store.ListDialogs(dialog.StatusRunning)
	if err != nil {
		c.sendError("", err.Error())
		return
	}
	for _, rootID := range roots {
		ids := []dialog.ID{rootID}
		if subs, err := g.store.ListSubdialogIDs(rootID, dialog.StatusRunning); err == nil {
			ids = append(ids, subs...)
		}
		for _, id := range ids {
			if ok, err := g.states.CanResume(id, dialog.StatusRunning); err == nil && ok {
				g.exec.ScheduleDrive(id, nil, calls.DriveOptions{AllowResumeFromInterrupted: true})
			}
		}
	}
	g.hub.BroadcastJSON(refreshMessage{Type: TypeRunControlRefresh})
}

func (g *Gateway) handleSetDiligencePush(c *Client, msg ClientMessage) {
	id, _, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	root, err := g.mgr.Root(id.Root)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if err := g.exec.SetDisableDiligencePush(root, msg.DisableDiligencePush); err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	g.hub.BroadcastJSON(diligenceMessage{
		Type:                 TypeDiligenceUpdated,
		Dialog:               refOf(root.ID, root.Status),
		DisableDiligencePush: root.DisableDiligencePush,
		RemainingBudget:      root.DiligencePushRemainingBudget,
	})
}

func (g *Gateway) handleRefillDiligence(c *Client, msg ClientMessage) {
	id, _, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	root, err := g.mgr.Root(id.Root)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	max := 0
	if t := g.teams.Current(); t != nil {
		max = t.DiligencePushMax
	}
	if err := g.exec.RefillDiligenceBudget(root, max); err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	g.hub.BroadcastJSON(diligenceMessage{
		Type:                 TypeDiligenceBudget,
		Dialog:               refOf(root.ID, root.Status),
		DisableDiligencePush: root.DisableDiligencePush,
		RemainingBudget:      root.DiligencePushRemainingBudget,
	})
}

func (g *Gateway) handleDeclareSubDead(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if id.IsRoot() {
		c.sendError(msg.RequestID, "cannot declare a root dialog dead")
		return
	}
	if err := g.states.DeclareDead(id, status, dialog.DeadDeclaredByUser); err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	g.exec.CancelRun(id.Self)
	if err := g.calls.SupplyDeclaredDead(context.Background(), id, g.clientLang(c)); err != nil {
		logger.Warn().Err(err).Str("self_id", id.Self).Msg("declared-dead supply failed")
	}
}

func (g *Gateway) handleArchiveDialog(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if !id.IsRoot() {
		c.sendError(msg.RequestID, "only root dialogs can be archived")
		return
	}
	rs, err := g.states.Get(id, status)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if rs.Kind == dialog.RunProceeding || rs.Kind == dialog.RunProceedingStopRequested {
		c.sendError(msg.RequestID, "stop the dialog before archiving it")
		return
	}
	if !rs.IsDead() {
		if err := g.states.Set(id, status, dialog.Terminal(dialog.StatusArchived)); err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
	}
	if err := g.store.MoveDialogStatus(id, status, dialog.StatusArchived); err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	g.closeDialogTree(id, dialog.StatusArchived)
	g.hub.BroadcastJSON(dialogsChangedMessage{Type: TypeDialogsMoved, Dialogs: []DialogRef{refOf(id, dialog.StatusArchived)}})
	g.hub.BroadcastJSON(refreshMessage{Type: TypeRunControlRefresh})
}

func (g *Gateway) handleDeleteDialog(c *Client, msg ClientMessage) {
	id, status, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	if !id.IsRoot() {
		c.sendError(msg.RequestID, "only root dialogs can be deleted")
		return
	}
	g.exec.CancelRun(id.Self)
	subs, _ := g.store.ListSubdialogIDs(id, status)
	if err := g.store.DeleteRootDialog(id, status); err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	for _, sub := range subs {
		g.streams.CloseDialog(sub)
	}
	g.streams.CloseDialog(id)
	g.reg.Unregister(id.Root)
	g.hub.BroadcastJSON(dialogsChangedMessage{Type: TypeDialogsDeleted, Dialogs: []DialogRef{refOf(id, status)}})
	g.hub.BroadcastJSON(refreshMessage{Type: TypeRunControlRefresh})
}

// closeDialogTree drops the root and its subs from the in-memory registry
// and ends their live streams.
func (g *Gateway) closeDialogTree(id dialog.ID, status dialog.PersistenceStatus) {
	if subs, err := g.store.ListSubdialogIDs(id, status); err == nil {
		for _, sub := range subs {
			g.streams.CloseDialog(sub)
		}
	}
	g.streams.CloseDialog(id)
	g.reg.Unregister(id.Root)
}

func (g *Gateway) handleGetQ4HState(c *Client) {
	questions, err := g.questions.All()
	if err != nil {
		c.sendError("", err.Error())
		return
	}
	if questions == nil {
		questions = []dialog.HumanQuestion{}
	}
	c.sendJSON(q4hStateMessage{Type: TypeQ4HStateResponse, Questions: questions})
}

func (g *Gateway) handleDisplayReminders(c *Client, msg ClientMessage) {
	id, _, err := g.resolveRef(msg.Dialog)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	_, d, err := g.mgr.Resolve(id)
	if err != nil {
		c.sendError(msg.RequestID, err.Error())
		return
	}
	reminders := d.Reminders
	if reminders == nil {
		reminders = []dialog.Reminder{}
	}
	c.sendJSON(remindersMessage{Type: TypeRemindersResponse, Dialog: refOf(id, d.Status), Reminders: reminders})
}
