// Package live implements best-effort immediate fan-out of freshly captured
// changes to all enabled peers. Delivery is one attempt per change per peer;
// durability belongs to catch-up, which retries anything this path drops.
package live

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/capture"
	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/peers"
)

var mon = monkit.Package()

// Error is the default live replication errs class.
var Error = errs.Class("live")

// Config contains configurable values for the live replicator.
type Config struct {
	Enabled         bool          `help:"whether live replication fan-out is enabled" default:"true"`
	QueueSize       int           `help:"buffer size for the replication queue (backpressure control)" default:"1000"`
	PollInterval    time.Duration `help:"queue poll interval, bounds shutdown latency" default:"1s"`
	DeliveryTimeout time.Duration `help:"timeout for a single delivery to one peer" default:"10s"`
}

// Sender is the replicator's view of a peer client.
type Sender interface {
	SendChanges(ctx context.Context, changes []changelog.ChangeRecord, catchupMode bool) (int, error)
}

// Replicator drains a bounded queue of captured changes and pushes each one
// to every enabled peer. A single consumer preserves per-peer ordering.
type Replicator struct {
	log      *zap.Logger
	config   Config
	db       changelog.DB
	registry *peers.Registry
	sw       *capture.Switch
	dial     func(peers.Peer) Sender

	queue   chan changelog.ChangeRecord
	running atomic.Bool
}

// New creates a Replicator that dials peers through the given factory. The
// switch is shared with change capture: while it is disabled no change may
// enter the queue.
func New(log *zap.Logger, config Config, db changelog.DB, registry *peers.Registry, sw *capture.Switch, dial func(peers.Peer) Sender) *Replicator {
	if config.QueueSize < 1 {
		config.QueueSize = 1000
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Replicator{
		log:      log,
		config:   config,
		db:       db,
		registry: registry,
		sw:       sw,
		dial:     dial,
		queue:    make(chan changelog.ChangeRecord, config.QueueSize),
	}
}

// Enqueue hands a captured change to the replicator. It never blocks: when
// replication is disabled, capture is switched off, the worker is not
// running, or the queue is full, the change is dropped and left for catch-up
// to deliver.
func (r *Replicator) Enqueue(record changelog.ChangeRecord) {
	if !r.config.Enabled || !r.running.Load() {
		return
	}
	if r.sw != nil && !r.sw.Enabled() {
		return
	}
	select {
	case r.queue <- record:
	default:
		mon.Counter("live_queue_dropped").Inc(1)
		r.log.Warn("replication queue full, dropping event",
			zap.String("table", record.TableName),
			zap.String("record_id", record.RecordID))
	}
}

// QueueLen reports the number of queued, undelivered changes.
func (r *Replicator) QueueLen() int { return len(r.queue) }

// Run drains the queue until ctx is canceled.
func (r *Replicator) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case record := <-r.queue:
			r.deliver(ctx, record)
		case <-ticker.C:
			// idle tick, re-check ctx
		}
	}
}

// Close stops accepting new events.
func (r *Replicator) Close() error {
	r.running.Store(false)
	return nil
}

func (r *Replicator) deliver(ctx context.Context, record changelog.ChangeRecord) {
	var err error
	defer mon.Task()(&ctx)(&err)

	enabled := r.registry.Enabled()
	if len(enabled) == 0 {
		return
	}

	delivered := 0
	for _, peer := range enabled {
		sendCtx, cancel := context.WithTimeout(ctx, r.config.DeliveryTimeout)
		_, sendErr := r.dial(peer).SendChanges(sendCtx, []changelog.ChangeRecord{record}, false)
		cancel()

		if sendErr != nil {
			// no retry here, catch-up guarantees eventual delivery
			mon.Counter("live_delivery_failures").Inc(1)
			r.log.Warn("live delivery failed",
				zap.String("peer_id", peer.ID),
				zap.String("table", record.TableName),
				zap.String("record_id", record.RecordID),
				zap.Error(sendErr))
			continue
		}
		delivered++
		mon.Counter("live_delivery_sent").Inc(1)
	}

	if delivered == len(enabled) && record.ID > 0 {
		if markErr := r.db.MarkSynced(ctx, []int64{record.ID}); markErr != nil {
			r.log.Warn("failed to mark record synced", zap.Int64("id", record.ID), zap.Error(markErr))
		}
	}
}
