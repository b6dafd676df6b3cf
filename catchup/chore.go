package catchup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/peers"
)

// Chore periodically scans all enabled peers and runs catch-up for those that
// have fallen behind. An in-memory in-flight set prevents two overlapping
// rounds for the same peer; the set entry is always removed, even when a
// round panics out through the runtime.
type Chore struct {
	log      *zap.Logger
	manager  *Manager
	registry *peers.Registry
	db       changelog.DB
	config   Config

	Loop *sync2.Cycle

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewChore creates a Chore running on the configured check interval.
func NewChore(log *zap.Logger, config Config, manager *Manager, registry *peers.Registry, db changelog.DB) *Chore {
	interval := config.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Chore{
		log:      log,
		manager:  manager,
		registry: registry,
		db:       db,
		config:   config,
		Loop:     sync2.NewCycle(interval),
		inFlight: make(map[string]struct{}),
	}
}

// Run executes scans until ctx is canceled. The cycle fires immediately on
// start, so a freshly restarted node reconciles without waiting a full
// interval.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("catch-up scan failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// Close halts the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// RunOnce performs a single scan over all enabled peers.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, peer := range chore.registry.Enabled() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chore.scanPeer(ctx, peer)
	}

	if chore.config.RetentionHorizon > 0 {
		horizon := time.Now().UTC().Add(-chore.config.RetentionHorizon)
		if _, err := chore.db.DeleteBefore(ctx, horizon); err != nil {
			chore.log.Warn("change log cleanup failed", zap.Error(err))
		}
	}
	return nil
}

func (chore *Chore) scanPeer(ctx context.Context, peer peers.Peer) {
	if !chore.acquire(peer.ID) {
		chore.log.Debug("catch-up already in progress, skipping peer",
			zap.String("peer_id", peer.ID))
		return
	}
	defer chore.release(peer.ID)

	needs, err := chore.manager.NeedsCatchup(ctx, peer)
	if err != nil {
		chore.log.Warn("failed to evaluate catch-up need",
			zap.String("peer_id", peer.ID), zap.Error(err))
		return
	}
	if !needs {
		return
	}

	result := chore.manager.RunPeer(ctx, peer)
	if result.Success {
		chore.log.Info("catch-up round completed",
			zap.String("peer_id", peer.ID),
			zap.Int("changes_sent", result.ChangesSent),
			zap.Int("changes_applied", result.ChangesApplied),
			zap.Int("files_uploaded", result.FilesUploaded),
			zap.Int("files_downloaded", result.FilesDownloaded),
			zap.Duration("elapsed", result.CompletedAt.Sub(result.StartedAt)))
	} else {
		chore.log.Warn("catch-up round incomplete",
			zap.String("peer_id", peer.ID),
			zap.Strings("errors", result.Errors))
	}
}

// InFlight reports whether a round is currently running for the peer.
func (chore *Chore) InFlight(peerID string) bool {
	chore.mu.Lock()
	defer chore.mu.Unlock()
	_, ok := chore.inFlight[peerID]
	return ok
}

func (chore *Chore) acquire(peerID string) bool {
	chore.mu.Lock()
	defer chore.mu.Unlock()
	if _, busy := chore.inFlight[peerID]; busy {
		return false
	}
	chore.inFlight[peerID] = struct{}{}
	return true
}

func (chore *Chore) release(peerID string) {
	chore.mu.Lock()
	defer chore.mu.Unlock()
	delete(chore.inFlight, peerID)
}
