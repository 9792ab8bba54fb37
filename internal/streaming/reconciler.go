package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SchedulerConfig carries the reconciliation loop's cadences and policies.
type SchedulerConfig struct {
	ReconcileInterval     time.Duration
	ViewerCleanupInterval time.Duration
	ViewerMaxAge          time.Duration
	// ViewerFlushInterval is the cadence on which in-memory viewer counts are
	// persisted and broadcast. The scheduler is the only periodic writer of
	// the persisted count, so there is a single flush cadence to reason about.
	ViewerFlushInterval time.Duration
	// GraceTicks is how many consecutive healthy ticks the SFU must report a
	// locally-live channel inactive before it is force-stopped. Absorbs
	// startup races and SFU restarts.
	GraceTicks int
	// DivergenceThreshold is the minimum absolute local-vs-SFU viewer gap
	// that gets a warn log.
	DivergenceThreshold int
}

// Scheduler is the periodic control loop reconciling local session state with
// the SFU and sweeping stale viewers. A single goroutine runs both cadences,
// so ticks never overlap themselves.
type Scheduler struct {
	manager *Manager
	tracker *ViewerTracker
	sfu     SfuGateway
	store   SessionStore
	cfg     SchedulerConfig
	logger  *zap.Logger

	// consecutive sfu-inactive observations per locally-live channel
	inactiveTicks map[uuid.UUID]int
}

// NewScheduler creates the reconciliation scheduler.
func NewScheduler(manager *Manager, tracker *ViewerTracker, sfu SfuGateway, store SessionStore, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.ViewerCleanupInterval <= 0 {
		cfg.ViewerCleanupInterval = time.Minute
	}
	if cfg.ViewerFlushInterval <= 0 {
		cfg.ViewerFlushInterval = 15 * time.Second
	}
	if cfg.GraceTicks <= 0 {
		cfg.GraceTicks = 2
	}
	return &Scheduler{
		manager:       manager,
		tracker:       tracker,
		sfu:           sfu,
		store:         store,
		cfg:           cfg,
		logger:        logger,
		inactiveTicks: make(map[uuid.UUID]int),
	}
}

// Run executes the scheduler until ctx is cancelled. In-flight SFU calls are
// bounded per tick and abandoned on shutdown rather than awaited.
func (s *Scheduler) Run(ctx context.Context) {
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	janitor := time.NewTicker(s.cfg.ViewerCleanupInterval)
	flush := time.NewTicker(s.cfg.ViewerFlushInterval)
	defer reconcile.Stop()
	defer janitor.Stop()
	defer flush.Stop()

	s.logger.Info("reconciliation scheduler started",
		zap.Duration("reconcile_interval", s.cfg.ReconcileInterval),
		zap.Duration("viewer_cleanup_interval", s.cfg.ViewerCleanupInterval),
		zap.Duration("viewer_flush_interval", s.cfg.ViewerFlushInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopping")
			return
		case <-reconcile.C:
			s.RunHeartbeatCycle(ctx)
		case <-janitor.C:
			s.runViewerJanitor()
		case <-flush.C:
			s.runViewerFlush(ctx)
		}
	}
}

// RunHeartbeatCycle performs one reconciliation pass. Safe to invoke
// repeatedly from any scheduling harness; internal failures are caught and
// logged, never propagated.
func (s *Scheduler) RunHeartbeatCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconciliation tick panicked", zap.Any("panic", r))
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.ReconcileInterval)
	defer cancel()

	// The expiry sweep is the durability backstop and depends only on our own
	// store, so it runs regardless of SFU health.
	stopped, err := s.manager.CleanupExpiredStreams(tickCtx)
	if err != nil {
		s.logger.Error("expired stream sweep failed", zap.Error(err))
	} else if stopped > 0 {
		s.logger.Info("expired streams stopped", zap.Int("count", stopped))
	}

	if !s.sfu.CheckHealth(tickCtx) {
		// Do not mutate session state against an unreachable SFU; a transient
		// outage must not look like every stream stopping at once.
		s.logger.Warn("sfu health check failed, skipping sfu reconciliation")
		return
	}

	s.reconcileLiveChannels(tickCtx)
	s.detectOrphanRelays(tickCtx)
}

// reconcileLiveChannels compares every locally-live channel against the SFU's
// media-plane truth and force-stops channels the SFU has reported dead for
// GraceTicks consecutive healthy ticks.
func (s *Scheduler) reconcileLiveChannels(ctx context.Context) {
	ids, err := s.store.ListLiveChannelIDs(ctx)
	if err != nil {
		s.logger.Error("list live channels failed", zap.Error(err))
		return
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))

	for _, channelID := range ids {
		seen[channelID] = struct{}{}

		live, _, err := s.manager.GetActiveSession(ctx, channelID)
		if err != nil || !live {
			// expired or already swept this tick
			delete(s.inactiveTicks, channelID)
			continue
		}

		active, err := s.sfu.IsStreamActive(ctx, channelID)
		if err != nil {
			// one channel's transport failure must not taint the rest
			s.logger.Warn("sfu liveness query failed", zap.String("channel_id", channelID.String()), zap.Error(err))
			continue
		}
		if active {
			delete(s.inactiveTicks, channelID)
			s.crossCheckViewers(ctx, channelID)
			continue
		}

		s.inactiveTicks[channelID]++
		if s.inactiveTicks[channelID] < s.cfg.GraceTicks {
			s.logger.Info("sfu reports channel inactive, within grace",
				zap.String("channel_id", channelID.String()),
				zap.Int("ticks", s.inactiveTicks[channelID]),
			)
			continue
		}
		delete(s.inactiveTicks, channelID)
		if err := s.manager.ForceStop(ctx, channelID, ""); err != nil && err != ErrNoActiveSession {
			s.logger.Error("force stop failed", zap.String("channel_id", channelID.String()), zap.Error(err))
		} else {
			s.logger.Warn("force-stopped channel dead on sfu", zap.String("channel_id", channelID.String()))
		}
	}

	// drop grace counters for channels that are no longer live locally
	for channelID := range s.inactiveTicks {
		if _, ok := seen[channelID]; !ok {
			delete(s.inactiveTicks, channelID)
		}
	}
}

// crossCheckViewers compares the SFU's subscriber count against the local
// connection-tracked count. The local count stays authoritative for display
// and persistence; a large divergence is only logged as a health signal.
func (s *Scheduler) crossCheckViewers(ctx context.Context, channelID uuid.UUID) {
	sfuViewers, err := s.sfu.GetViewers(ctx, channelID)
	if err != nil {
		return
	}
	local := s.tracker.GetViewerCount(channelID)
	diff := sfuViewers - local
	if diff < 0 {
		diff = -diff
	}
	if s.cfg.DivergenceThreshold > 0 && diff >= s.cfg.DivergenceThreshold {
		s.logger.Warn("viewer count divergence",
			zap.String("channel_id", channelID.String()),
			zap.Int("local", local),
			zap.Int("sfu", sfuViewers),
		)
	}
}

// detectOrphanRelays looks for channels with local viewers but no local live
// session where the SFU nevertheless reports media flowing. Ambiguous by
// design (the SFU may be relaying a session this service never learned
// about), so it is logged and never auto-corrected.
func (s *Scheduler) detectOrphanRelays(ctx context.Context) {
	for _, channelID := range s.tracker.ActiveChannels() {
		if s.tracker.GetViewerCount(channelID) == 0 {
			continue
		}
		live, _, err := s.manager.GetActiveSession(ctx, channelID)
		if err != nil || live {
			continue
		}
		active, err := s.sfu.IsStreamActive(ctx, channelID)
		if err != nil || !active {
			continue
		}
		s.logger.Warn("sfu relaying channel with no local session",
			zap.String("channel_id", channelID.String()),
			zap.Int("local_viewers", s.tracker.GetViewerCount(channelID)),
		)
	}
}

// runViewerJanitor removes idle viewer connections. Its cadence is
// independent of the session sweep; persisting the resulting counts is the
// flush cycle's job.
func (s *Scheduler) runViewerJanitor() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("viewer janitor panicked", zap.Any("panic", r))
		}
	}()

	if removed := s.tracker.CleanupOldConnections(s.cfg.ViewerMaxAge); removed > 0 {
		s.logger.Info("viewer janitor pass", zap.Int("removed", removed))
	}
}

// runViewerFlush persists the in-memory viewer counts and broadcasts them.
// The one periodic writer of the persisted count, so restarts and external
// readers are at most one flush stale.
func (s *Scheduler) runViewerFlush(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("viewer flush panicked", zap.Any("panic", r))
		}
	}()

	for _, channelID := range s.tracker.ActiveChannels() {
		if _, err := s.tracker.UpdateViewerCountAndBroadcast(ctx, channelID); err != nil {
			s.logger.Warn("viewer count flush failed", zap.String("channel_id", channelID.String()), zap.Error(err))
		}
	}
}
