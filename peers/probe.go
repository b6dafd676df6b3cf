package peers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/syncclient"
)

// Pinger is the probe's view of a peer client.
type Pinger interface {
	Ping(ctx context.Context) (syncclient.PingResponse, error)
}

// DefaultProbeTimeout bounds a single availability check, independently of
// the longer timeout used for data transfer.
const DefaultProbeTimeout = 5 * time.Second

// Probe confirms a peer is reachable before any reconciliation is attempted,
// recording the outcome into the registry. A failed probe only skips the peer
// for the current scan.
type Probe struct {
	log      *zap.Logger
	registry *Registry
	dial     func(Peer) Pinger
	timeout  time.Duration
	nowFn    func() time.Time
}

// NewProbe creates a Probe that dials peers through the given factory.
func NewProbe(log *zap.Logger, registry *Registry, dial func(Peer) Pinger) *Probe {
	return &Probe{
		log:      log,
		registry: registry,
		dial:     dial,
		timeout:  DefaultProbeTimeout,
		nowFn:    time.Now,
	}
}

// Check pings the peer and records the result. It reports whether the peer is
// reachable.
func (p *Probe) Check(ctx context.Context, peer Peer) bool {
	var err error
	defer mon.Task()(&ctx)(&err)

	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ping, err := p.dial(peer).Ping(pingCtx)
	now := p.nowFn().UTC()

	if err != nil {
		mon.Counter("peer_probe_failures").Inc(1)
		p.log.Warn("peer unreachable",
			zap.String("peer_id", peer.ID),
			zap.String("address", peer.Address),
			zap.Error(err))
		if recordErr := p.registry.SetLastPing(ctx, peer.ID, false, "", now); recordErr != nil {
			p.log.Error("failed to record probe failure", zap.String("peer_id", peer.ID), zap.Error(recordErr))
		}
		err = nil
		return false
	}

	if recordErr := p.registry.SetLastPing(ctx, peer.ID, true, ping.Version, now); recordErr != nil {
		p.log.Error("failed to record probe success", zap.String("peer_id", peer.ID), zap.Error(recordErr))
	}
	return true
}
