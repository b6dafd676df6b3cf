package live

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/scoutmesh/scoutmesh/capture"
	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/peers"
)

type recordingSender struct {
	mu       sync.Mutex
	received []changelog.ChangeRecord
	err      error
}

func (s *recordingSender) SendChanges(ctx context.Context, changes []changelog.ChangeRecord, catchupMode bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.received = append(s.received, changes...)
	return len(changes), nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type syncedLog struct {
	changelog.DB
	mu     sync.Mutex
	synced []int64
}

func (m *syncedLog) MarkSynced(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, ids...)
	return nil
}

func newTestRegistry(t *testing.T, configured []peers.Peer) *peers.Registry {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	registry := peers.NewRegistry(zaptest.NewLogger(t), db, configured)
	require.NoError(t, registry.Migrate(context.Background()))
	return registry
}

func startReplicator(t *testing.T, registry *peers.Registry, db changelog.DB, dial func(peers.Peer) Sender) *Replicator {
	t.Helper()

	replicator := New(zaptest.NewLogger(t), Config{
		Enabled:         true,
		QueueSize:       16,
		PollInterval:    10 * time.Millisecond,
		DeliveryTimeout: time.Second,
	}, db, registry, capture.NewSwitch(), dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = replicator.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = replicator.Close()
	})

	// wait until the worker flags itself running
	require.Eventually(t, func() bool {
		replicator.Enqueue(changelog.ChangeRecord{TableName: "warmup", RecordID: "w"})
		return replicator.running.Load()
	}, time.Second, 5*time.Millisecond)
	return replicator
}

func TestReplicatorDeliversToAllEnabledPeers(t *testing.T) {
	registry := newTestRegistry(t, []peers.Peer{
		{ID: "a", Address: "http://a", Enabled: true},
		{ID: "b", Address: "http://b", Enabled: true},
		{ID: "c", Address: "http://c", Enabled: false},
	})

	senders := map[string]*recordingSender{
		"a": {}, "b": {}, "c": {},
	}
	db := &syncedLog{}
	replicator := startReplicator(t, registry, db, func(p peers.Peer) Sender { return senders[p.ID] })

	replicator.Enqueue(changelog.ChangeRecord{ID: 7, TableName: "teams", RecordID: "team-1"})

	require.Eventually(t, func() bool {
		return senders["a"].count() >= 1 && senders["b"].count() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, senders["c"].count(), "disabled peer must not receive live traffic")

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		for _, id := range db.synced {
			if id == 7 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestReplicatorFailureIsNotRetried(t *testing.T) {
	registry := newTestRegistry(t, []peers.Peer{{ID: "a", Address: "http://a", Enabled: true}})

	sender := &recordingSender{err: errs.New("connection refused")}
	db := &syncedLog{}
	replicator := startReplicator(t, registry, db, func(peers.Peer) Sender { return sender })

	replicator.Enqueue(changelog.ChangeRecord{ID: 9, TableName: "teams", RecordID: "team-2"})

	// give the worker time to attempt delivery once
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sender.count())
	assert.Zero(t, replicator.QueueLen(), "failed delivery must not be requeued")

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.NotContains(t, db.synced, int64(9))
}

func TestEnqueueNoopWhenDisabledOrStopped(t *testing.T) {
	registry := newTestRegistry(t, nil)

	disabled := New(zaptest.NewLogger(t), Config{Enabled: false}, &syncedLog{}, registry, capture.NewSwitch(), nil)
	disabled.Enqueue(changelog.ChangeRecord{TableName: "teams"})
	assert.Zero(t, disabled.QueueLen())

	stopped := New(zaptest.NewLogger(t), Config{Enabled: true}, &syncedLog{}, registry, capture.NewSwitch(), nil)
	stopped.Enqueue(changelog.ChangeRecord{TableName: "teams"})
	assert.Zero(t, stopped.QueueLen(), "enqueue before Run must be a no-op")
}

func TestEnqueueNoopWhileSwitchDisabled(t *testing.T) {
	registry := newTestRegistry(t, nil)
	sw := capture.NewSwitch()

	// worker deliberately not started, so the queue length is observable
	replicator := New(zaptest.NewLogger(t), Config{Enabled: true, QueueSize: 4}, &syncedLog{}, registry, sw, nil)
	replicator.running.Store(true)

	release := sw.Disable()
	replicator.Enqueue(changelog.ChangeRecord{TableName: "teams", RecordID: "t-1"})
	assert.Zero(t, replicator.QueueLen(), "capture switched off must keep changes out of the queue")

	release()
	replicator.Enqueue(changelog.ChangeRecord{TableName: "teams", RecordID: "t-1"})
	assert.Equal(t, 1, replicator.QueueLen())
}
