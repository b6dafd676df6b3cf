package peers

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the default peers errs class.
var Error = errs.Class("peers")

// ErrUnknownPeer is returned for ids not present in the configuration.
var ErrUnknownPeer = errs.Class("peers: unknown peer")

// Registry merges the configured peer list with the persisted per-peer
// status. Configuration is immutable at runtime; status rows are created
// lazily on first write.
type Registry struct {
	log *zap.Logger
	db  *sql.DB

	mu    sync.RWMutex
	peers map[string]Peer
}

// NewRegistry creates a Registry over the given peers and status database.
func NewRegistry(log *zap.Logger, db *sql.DB, configured []Peer) *Registry {
	byID := make(map[string]Peer, len(configured))
	for _, peer := range configured {
		byID[peer.ID] = peer
	}
	return &Registry{log: log, db: db, peers: byID}
}

// Migrate creates the peer status schema when missing.
func (r *Registry) Migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS peer_status (
			peer_id TEXT PRIMARY KEY,
			last_sync TIMESTAMP,
			last_ping TIMESTAMP,
			last_ping_ok INTEGER NOT NULL DEFAULT 0,
			reported_version TEXT NOT NULL DEFAULT ''
		)
	`)
	return Error.Wrap(err)
}

// All returns every configured peer, sorted by id.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		all = append(all, peer)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Enabled returns the enabled peers, sorted by id.
func (r *Registry) Enabled() []Peer {
	all := r.All()
	enabled := all[:0]
	for _, peer := range all {
		if peer.Enabled {
			enabled = append(enabled, peer)
		}
	}
	return enabled
}

// Get looks up one configured peer.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// Status loads the persisted status for a peer. A peer with no status row yet
// yields a zero Status with only the id set.
func (r *Registry) Status(ctx context.Context, id string) (_ Status, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, ok := r.Get(id); !ok {
		return Status{}, ErrUnknownPeer.New("%q", id)
	}

	status := Status{PeerID: id}
	var lastSync, lastPing sql.NullTime
	var pingOK int
	err = r.db.QueryRowContext(ctx, `
		SELECT last_sync, last_ping, last_ping_ok, reported_version
		FROM peer_status WHERE peer_id = ?`, id,
	).Scan(&lastSync, &lastPing, &pingOK, &status.ReportedVersion)
	if errs.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return Status{}, Error.Wrap(err)
	}

	if lastSync.Valid {
		t := lastSync.Time.UTC()
		status.LastSync = &t
	}
	if lastPing.Valid {
		t := lastPing.Time.UTC()
		status.LastPing = &t
	}
	status.LastPingOK = pingOK != 0
	return status, nil
}

// SetLastSync advances the peer's watermark. Callers must only do this after
// a fully successful reconciliation round.
func (r *Registry) SetLastSync(ctx context.Context, id string, t time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, ok := r.Get(id); !ok {
		return ErrUnknownPeer.New("%q", id)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO peer_status (peer_id, last_sync) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET last_sync = excluded.last_sync`,
		id, t.UTC())
	return Error.Wrap(err)
}

// SetLastPing records the outcome of an availability probe.
func (r *Registry) SetLastPing(ctx context.Context, id string, ok bool, version string, t time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, found := r.Get(id); !found {
		return ErrUnknownPeer.New("%q", id)
	}
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO peer_status (peer_id, last_ping, last_ping_ok, reported_version) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_ping = excluded.last_ping,
			last_ping_ok = excluded.last_ping_ok,
			reported_version = excluded.reported_version`,
		id, t.UTC(), okInt, version)
	return Error.Wrap(err)
}
