package driver

import (
	"context"

	"github.com/robfig/cron/v3"

	"dominds/internal/pubsub"
	"dominds/internal/registry"
	"dominds/internal/runstate"
	"dominds/pkg/logger"
)

// Housekeeper runs the periodic maintenance jobs: the run-control counts
// broadcast and the stale-registry sweep.
type Housekeeper struct {
	cron   *cron.Cron
	reg    *registry.Registry
	states *runstate.Manager
	counts *pubsub.Pub[runstate.Counts]
}

// NewHousekeeper wires the cron jobs but does not start them.
func NewHousekeeper(reg *registry.Registry, states *runstate.Manager) *Housekeeper {
	return &Housekeeper{
		cron:   cron.New(),
		reg:    reg,
		states: states,
		counts: pubsub.NewPub[runstate.Counts](),
	}
}

// SubscribeCounts attaches a run-control counts subscriber.
func (h *Housekeeper) SubscribeCounts() *pubsub.Sub[runstate.Counts] {
	return h.counts.Subscribe()
}

// BroadcastCounts snapshots and publishes the counts now, e.g. after a
// run-state change.
func (h *Housekeeper) BroadcastCounts() {
	counts, err := h.states.SnapshotCounts()
	if err != nil {
		logger.Warn().Err(err).Msg("run-control counts snapshot failed")
		return
	}
	h.counts.Write(counts)
}

// sweepStale unregisters roots whose persisted metadata disappeared, e.g.
// after an external delete of the workdir entry.
func (h *Housekeeper) sweepStale() {
	for _, root := range h.reg.Roots() {
		if _, err := h.states.Get(root.ID, root.Status); err != nil {
			logger.WithDialog(root.ID.Self, root.ID.Root).Warn().Err(err).
				Msg("root stale against persistence, unregistering")
			h.reg.Unregister(root.ID.Root)
		}
	}
}

// Start schedules the jobs and runs the cron scheduler.
func (h *Housekeeper) Start() error {
	if _, err := h.cron.AddFunc("@every 30s", h.BroadcastCounts); err != nil {
		return err
	}
	if _, err := h.cron.AddFunc("@every 5m", h.sweepStale); err != nil {
		return err
	}
	h.cron.Start()
	logger.Info().Msg("housekeeper started")
	return nil
}

// Stop halts the scheduler and closes the counts stream.
func (h *Housekeeper) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
	h.counts.Close()
}

// WatchRunStateChanges forwards a counts broadcast after every run-state
// change until the subscription ends.
func (h *Housekeeper) WatchRunStateChanges(sub *pubsub.Sub[runstate.Change]) {
	go func() {
		for {
			if _, ok := sub.Read(context.Background()); !ok {
				return
			}
			h.BroadcastCounts()
		}
	}()
}
