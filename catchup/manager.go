package catchup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/capture"
	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/peers"
)

// Manager runs full reconciliation rounds against individual peers.
type Manager struct {
	log      *zap.Logger
	config   Config
	db       changelog.DB
	registry *peers.Registry
	probe    *peers.Probe
	applier  Applier
	sw       *capture.Switch
	dial     func(peers.Peer) Client
	nowFn    func() time.Time

	mu            sync.Mutex
	unknownTables map[string]struct{}
}

// NewManager creates a Manager.
func NewManager(log *zap.Logger, config Config, db changelog.DB, registry *peers.Registry, probe *peers.Probe, applier Applier, sw *capture.Switch, dial func(peers.Peer) Client) *Manager {
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}
	if config.Lookback <= 0 {
		config.Lookback = 7 * 24 * time.Hour
	}
	return &Manager{
		log:           log,
		config:        config,
		db:            db,
		registry:      registry,
		probe:         probe,
		applier:       applier,
		sw:            sw,
		dial:          dial,
		nowFn:         time.Now,
		unknownTables: make(map[string]struct{}),
	}
}

// NeedsCatchup reports whether the peer has never synced or its watermark
// predates the newest local change.
func (m *Manager) NeedsCatchup(ctx context.Context, peer peers.Peer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := m.registry.Status(ctx, peer.ID)
	if err != nil {
		return false, err
	}
	if status.LastSync == nil {
		return true, nil
	}

	latest, err := m.db.LatestTimestamp(ctx)
	if err != nil {
		return false, err
	}
	if latest.IsZero() {
		return false, nil
	}
	return status.LastSync.Before(latest), nil
}

// RunPeer executes one reconciliation round with the peer: availability
// probe, outbound change batches, inbound change apply, then file trees.
// The watermark is advanced to the round's start time only when every step
// succeeded.
func (m *Manager) RunPeer(ctx context.Context, peer peers.Peer) (result Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	result = Result{PeerID: peer.ID, StartedAt: m.nowFn().UTC()}
	defer func() {
		result.CompletedAt = m.nowFn().UTC()
		result.Success = len(result.Errors) == 0
		if result.Success {
			if err := m.registry.SetLastSync(ctx, peer.ID, result.StartedAt); err != nil {
				result.Success = false
				result.addError(err)
				m.log.Error("failed to advance watermark", zap.String("peer_id", peer.ID), zap.Error(err))
			}
		}
		if result.Success {
			mon.Counter("catchup_rounds_completed").Inc(1)
		} else {
			mon.Counter("catchup_rounds_failed").Inc(1)
		}
	}()

	if !m.probe.Check(ctx, peer) {
		result.addError(Error.New("peer %q unreachable", peer.ID))
		return result
	}

	status, err := m.registry.Status(ctx, peer.ID)
	if err != nil {
		result.addError(err)
		return result
	}

	since := m.nowFn().UTC().Add(-m.config.Lookback)
	if status.LastSync != nil {
		since = *status.LastSync
	}

	client := m.dial(peer)

	m.log.Info("starting catch-up round",
		zap.String("peer_id", peer.ID),
		zap.Time("since", since))

	if peer.SyncDatabase {
		m.sendChanges(ctx, client, peer, since, &result)
		m.receiveChanges(ctx, client, peer, since, &result)
	}

	m.reconcileFiles(ctx, client, peer, since, &result)

	return result
}

// sendChanges pushes local changes newer than since to the peer in fixed-size
// batches. A failed batch is recorded and the loop continues; partial
// delivery is acceptable because the peer's own catch-up will pull the rest.
func (m *Manager) sendChanges(ctx context.Context, client Client, peer peers.Peer, since time.Time, result *Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	records, err := m.db.ListSince(ctx, since)
	if err != nil {
		result.addError(err)
		return
	}

	for start := 0; start < len(records); start += m.config.BatchSize {
		end := start + m.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		if _, err := client.SendChanges(ctx, batch, true); err != nil {
			mon.Counter("catchup_send_batch_failures").Inc(1)
			m.log.Warn("outbound batch failed",
				zap.String("peer_id", peer.ID),
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			result.addError(err)
			continue
		}
		result.ChangesSent += len(batch)

		if end < len(records) && m.config.BatchPause > 0 {
			select {
			case <-ctx.Done():
				result.addError(ctx.Err())
				return
			case <-time.After(m.config.BatchPause):
			}
		}
	}
}

// receiveChanges pulls the peer's changes newer than since and applies them
// in batches with change capture disabled, so replay does not regenerate
// change log entries.
func (m *Manager) receiveChanges(ctx context.Context, client Client, peer peers.Peer, since time.Time, result *Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	changes, err := client.GetChanges(ctx, since)
	if err != nil {
		result.addError(err)
		return
	}
	result.ChangesReceived = len(changes)
	if len(changes) == 0 {
		return
	}

	release := m.sw.Disable()
	defer release()

	for start := 0; start < len(changes); start += m.config.BatchSize {
		end := start + m.config.BatchSize
		if end > len(changes) {
			end = len(changes)
		}

		applied, err := m.applyBatch(ctx, changes[start:end])
		result.ChangesApplied += applied
		if err != nil {
			mon.Counter("catchup_apply_batch_failures").Inc(1)
			m.log.Warn("inbound batch failed, rolled back",
				zap.String("peer_id", peer.ID),
				zap.Int("batch_start", start),
				zap.Error(err))
			result.addError(err)
		}
	}
}

// ApplyIncoming applies changes pushed by a peer with change capture
// disabled, so replay does not regenerate change log entries. Batches that
// fail are rolled back; later batches are still attempted.
func (m *Manager) ApplyIncoming(ctx context.Context, records []changelog.ChangeRecord) (applied int, err error) {
	defer mon.Task()(&ctx)(&err)

	release := m.sw.Disable()
	defer release()

	var failures errs.Group
	for start := 0; start < len(records); start += m.config.BatchSize {
		end := start + m.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		count, err := m.applyBatch(ctx, records[start:end])
		applied += count
		if err != nil {
			failures.Add(err)
		}
	}
	return applied, failures.Err()
}

// applyBatch applies one batch in a single transaction; any failure rolls the
// whole batch back.
func (m *Manager) applyBatch(ctx context.Context, records []changelog.ChangeRecord) (applied int, err error) {
	defer mon.Task()(&ctx)(&err)

	batch, err := m.applier.BeginBatch(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			err = Error.Wrap(errs.Combine(err, batch.Rollback()))
		}
	}()

	count := 0
	for _, record := range records {
		if !m.applier.Known(record.TableName) {
			m.logUnknownTable(record.TableName)
			continue
		}

		switch record.Operation {
		case changelog.OpInsert, changelog.OpUpdate, changelog.OpUpsert:
			err = batch.Upsert(ctx, record.TableName, record.RecordID, NormalizeFields(record.NewData))
		case changelog.OpDelete:
			err = batch.Delete(ctx, record.TableName, record.RecordID)
		case changelog.OpSoftDelete:
			err = batch.SetActive(ctx, record.TableName, record.RecordID, false)
		case changelog.OpReactivate:
			err = batch.SetActive(ctx, record.TableName, record.RecordID, true)
		default:
			m.log.Warn("skipping change with unknown operation",
				zap.String("operation", string(record.Operation)),
				zap.String("table", record.TableName))
			continue
		}
		if err != nil {
			return 0, err
		}
		count++
	}

	if err = batch.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// logUnknownTable warns once per distinct table name to avoid flooding the
// log during a large round.
func (m *Manager) logUnknownTable(table string) {
	m.mu.Lock()
	_, seen := m.unknownTables[table]
	m.unknownTables[table] = struct{}{}
	m.mu.Unlock()

	if !seen {
		mon.Counter("catchup_unknown_tables").Inc(1)
		m.log.Warn("skipping changes for unknown table", zap.String("table", table))
	}
}

// NormalizeFields prepares an inbound field map for apply: string values in
// timestamp-named fields are parsed back from RFC 3339 text, with parse
// failures leaving the raw string in place.
func NormalizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		if s, ok := value.(string); ok && isTimestampField(name) {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				out[name] = t.UTC()
				continue
			}
		}
		out[name] = value
	}
	return out
}

func isTimestampField(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_at") || strings.HasSuffix(lower, "_time") {
		return true
	}
	switch lower {
	case "timestamp", "created", "modified", "updated":
		return true
	}
	return false
}
