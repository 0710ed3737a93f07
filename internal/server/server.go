// Package server assembles the whole runtime: store, registry, run-state
// manager, drive loop, special-call executor, audit, and the gateway. The
// CLI is a thin wrapper over this package.
package server

import (
	"context"
	"fmt"
	"sync"

	"dominds/internal/audit"
	"dominds/internal/calls"
	"dominds/internal/config"
	"dominds/internal/dialog"
	"dominds/internal/dialogs"
	"dominds/internal/driver"
	"dominds/internal/eventstore"
	"dominds/internal/gateway"
	"dominds/internal/llm"
	"dominds/internal/q4h"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/internal/stream"
	"dominds/internal/team"
	"dominds/pkg/logger"
)

// Server owns the wired runtime and its lifecycle.
type Server struct {
	cfg *config.Config

	store     *eventstore.Store
	reg       *registry.Registry
	states    *runstate.Manager
	questions *q4h.Queue
	teams     *team.Provider
	mgr       *dialogs.Manager
	problems  *driver.Problems
	exec      *driver.Executor
	loop      *driver.Loop
	keeper    *driver.Housekeeper
	tracker   *audit.Tracker
	gw        *gateway.Gateway
	httpSrv   *gateway.Server

	ctx     context.Context
	cancel  context.CancelFunc
	errChan chan error

	mu      sync.Mutex
	running bool
}

// New wires the runtime. The generation core is injected; the runtime never
// speaks a model wire protocol itself.
func New(cfg *config.Config, core llm.Core, authKeySet bool) (*Server, error) {
	store, err := eventstore.Open(cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	teams, err := team.NewProvider(cfg.TeamPath())
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}

	reg := registry.New(store)
	questions := q4h.NewQueue(store)
	states := runstate.NewManager(store)
	mgr := dialogs.NewManager(store, reg)
	hub := stream.NewHub()
	rec := stream.NewRecorder(store, hub)
	problems := driver.NewProblems()

	callsExec := calls.NewExecutor(mgr, reg, states, questions, teams, rec)
	exec := driver.NewExecutor(mgr, reg, states, teams, callsExec, questions, core, rec, problems)

	var tracker *audit.Tracker
	if cfg.Audit.Enabled {
		tracker, err = audit.Open(cfg.AuditPath())
		if err != nil {
			return nil, fmt.Errorf("open audit index: %w", err)
		}
		exec.SetAudit(tracker)
	}

	keeper := driver.NewHousekeeper(reg, states)
	loop := driver.NewLoop(reg, store, states, questions, exec)

	gw := gateway.NewGateway(mgr, states, questions, teams, exec, callsExec, hub, problems, keeper, reg)
	auth := gateway.NewAuthenticator(cfg.Gateway.Mode, cfg.Gateway.AuthKey, authKeySet)
	httpSrv := gateway.NewServer(gw, auth, cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.StaticDir)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		store:     store,
		reg:       reg,
		states:    states,
		questions: questions,
		teams:     teams,
		mgr:       mgr,
		problems:  problems,
		exec:      exec,
		loop:      loop,
		keeper:    keeper,
		tracker:   tracker,
		gw:        gw,
		httpSrv:   httpSrv,
		ctx:       ctx,
		cancel:    cancel,
		errChan:   make(chan error, 1),
	}, nil
}

// ErrorChan surfaces fatal server errors to the caller.
func (s *Server) ErrorChan() <-chan error {
	return s.errChan
}

// Start reconciles crash leftovers and brings every component up. It
// returns once the runtime is running; the listener runs in background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if _, err := s.states.ReconcileOnStartup(); err != nil {
		return fmt.Errorf("crash reconciliation: %w", err)
	}

	// Rehydrate every running root so persisted needs-drive hints re-arm
	// their triggers; registration reads the hint.
	roots, err := s.store.ListDialogs(dialog.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running dialogs: %w", err)
	}
	for _, id := range roots {
		if _, err := s.mgr.Root(id.Root); err != nil {
			logger.Warn().Err(err).Str("root_id", id.Root).Msg("root rehydration failed")
		}
	}

	if err := s.teams.Watch(s.ctx.Done()); err != nil {
		logger.Warn().Err(err).Msg("team hot-reload unavailable")
	}

	s.keeper.Start()
	s.keeper.WatchRunStateChanges(s.states.Subscribe())
	s.gw.Start(s.ctx)

	go func() {
		if err := s.loop.Run(s.ctx); err != nil {
			s.errChan <- fmt.Errorf("driver loop: %w", err)
		}
	}()
	go func() {
		if err := s.httpSrv.Start(); err != nil {
			s.errChan <- err
		}
	}()

	logger.Info().
		Str("workdir", s.cfg.Workdir).
		Str("mode", s.cfg.Gateway.Mode).
		Msg("dominds runtime started")
	return nil
}

// Stop shuts the runtime down: stop all proceeding dialogs, cancel
// in-flight rounds, then close the transports and stores.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if n, err := s.states.RequestEmergencyStopAll(); err != nil {
		logger.Warn().Err(err).Msg("emergency stop on shutdown failed")
	} else if n > 0 {
		logger.Info().Int("dialogs", n).Msg("stop requested on proceeding dialogs")
	}
	s.exec.CancelAll()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	s.cancel()
	s.keeper.Stop()
	s.problems.Close()
	s.questions.Close()
	s.states.Close()
	s.reg.Close()
	if s.tracker != nil {
		if err := s.tracker.Close(); err != nil {
			logger.Warn().Err(err).Msg("close audit index")
		}
	}

	logger.Info().Msg("dominds runtime stopped")
	return nil
}
