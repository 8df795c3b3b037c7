package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
)

// Supervisor is the liveness loop. Each tick it fails builds whose VM
// stopped heartbeating and takes workers offline after prolonged
// silence, requeueing whatever they held. It keeps no state of its
// own: every sweep reads the store fresh, so the first tick after a
// controller restart reconciles everything.
type Supervisor struct {
	store  store.Store
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor over the store.
func New(cfg *config.Config, s store.Store, broker *events.Broker) *Supervisor {
	return &Supervisor{
		store:  s,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("supervisor"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the scan loop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Dur("interval", s.cfg.LivenessScanInterval).
		Dur("build_timeout", s.cfg.BuildHeartbeatTimeout).
		Dur("worker_timeout", s.cfg.WorkerOfflineTimeout).
		Msg("Supervisor started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LivenessScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one full scan: stuck builds first, then silent workers.
// Failing a stuck build frees its worker, which may then be caught by
// the worker pass of a later sweep if it stays silent.
func (s *Supervisor) Sweep(ctx context.Context) {
	metrics.SupervisorSweeps.Inc()
	s.sweepStuckBuilds(ctx)
	s.sweepSilentWorkers(ctx)
}

func (s *Supervisor) sweepStuckBuilds(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.BuildHeartbeatTimeout)
	stuck, err := s.store.ListStuckBuilds(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to scan for stuck builds")
		return
	}

	for _, build := range stuck {
		failed, err := s.store.FailBuild(ctx, build.ID, "build timed out: no heartbeat", false)
		if err != nil {
			// The build moved on between the scan and the fail; that
			// is the scan being stale, not a fault.
			s.logger.Debug().Err(err).Str("build_id", build.ID).Msg("Stuck build resolved itself")
			continue
		}
		metrics.BuildsTimedOut.Inc()
		s.broker.Publish(events.BuildEvent(events.EventBuildFailed, failed.ID, "build timed out: no heartbeat"))
		evt := s.logger.Warn().Str("build_id", failed.ID)
		if build.WorkerID != nil {
			evt = evt.Str("worker_id", *build.WorkerID)
		}
		evt.Time("cutoff", cutoff).Msg("Build timed out")
	}
}

func (s *Supervisor) sweepSilentWorkers(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.WorkerOfflineTimeout)
	stale, err := s.store.ListStaleWorkers(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to scan for silent workers")
		return
	}

	for _, worker := range stale {
		requeued, err := s.store.UnregisterWorker(ctx, worker.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to take worker offline")
			continue
		}
		metrics.WorkersMarkedOffline.Inc()
		s.broker.Publish(events.WorkerEvent(events.EventWorkerOffline, worker.ID, "worker offline: no heartbeat"))
		s.logger.Warn().
			Str("worker_id", worker.ID).
			Int("requeued_builds", requeued).
			Time("last_seen", worker.LastSeenAt).
			Msg("Worker taken offline")
	}
}
