package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/scoutmesh/scoutmesh/changelog"
)

type mockLog struct {
	changelog.DB
	records []changelog.ChangeRecord
	fail    bool
	nextID  int64
}

func (m *mockLog) Insert(ctx context.Context, record changelog.ChangeRecord) (int64, error) {
	if m.fail {
		return 0, errs.New("disk full")
	}
	m.records = append(m.records, record)
	if m.nextID != 0 {
		return m.nextID, nil
	}
	return int64(len(m.records)), nil
}

type mockQueue struct {
	events []changelog.ChangeRecord
}

func (m *mockQueue) Enqueue(record changelog.ChangeRecord) {
	m.events = append(m.events, record)
}

func newTestCapture(t *testing.T) (*Capture, *mockLog, *mockQueue) {
	db := &mockLog{}
	queue := &mockQueue{}
	c := New(zaptest.NewLogger(t), db, queue, NewSwitch(), "server-a")
	return c, db, queue
}

func TestCaptureInsert(t *testing.T) {
	ctx := context.Background()
	c, db, queue := newTestCapture(t)

	c.OnInsert(ctx, "teams", "team-1", map[string]interface{}{
		"name":       "alpha",
		"created_at": time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	})

	require.Len(t, db.records, 1)
	record := db.records[0]
	assert.Equal(t, changelog.OpInsert, record.Operation)
	assert.Equal(t, "server-a", record.OriginServerID)
	assert.Equal(t, "2026-03-01T08:00:00Z", record.NewData["created_at"])
	assert.Nil(t, record.OldData)

	require.Len(t, queue.events, 1)
	assert.Equal(t, "team-1", queue.events[0].RecordID)
}

func TestCaptureEnqueuesAssignedLogID(t *testing.T) {
	ctx := context.Background()
	c, db, queue := newTestCapture(t)
	db.nextID = 42

	c.OnInsert(ctx, "teams", "team-1", map[string]interface{}{"name": "alpha"})

	// the replicator marks records synced by log id, so the enqueued copy
	// must carry the id the store assigned
	require.Len(t, queue.events, 1)
	assert.EqualValues(t, 42, queue.events[0].ID)
}

func TestCaptureClassifiesActiveTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		before interface{}
		after  interface{}
		want   changelog.Operation
	}{
		{"deactivate", true, false, changelog.OpSoftDelete},
		{"reactivate", false, true, changelog.OpReactivate},
		{"plain update", true, true, changelog.OpUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, db, _ := newTestCapture(t)
			c.OnUpdate(ctx, "teams", "team-1",
				map[string]interface{}{ActiveField: tt.before, "name": "alpha"},
				map[string]interface{}{ActiveField: tt.after, "name": "alpha"},
			)
			require.Len(t, db.records, 1)
			assert.Equal(t, tt.want, db.records[0].Operation)
		})
	}
}

func TestCaptureUpdateWithoutActiveFlag(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCapture(t)

	c.OnUpdate(ctx, "matches", "m-1",
		map[string]interface{}{"score": 10},
		map[string]interface{}{"score": 12},
	)
	require.Len(t, db.records, 1)
	assert.Equal(t, changelog.OpUpdate, db.records[0].Operation)
}

func TestCaptureDeleteKeepsOldData(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCapture(t)

	c.OnDelete(ctx, "teams", "team-9", map[string]interface{}{"name": "omega"})

	require.Len(t, db.records, 1)
	assert.Equal(t, changelog.OpDelete, db.records[0].Operation)
	assert.Equal(t, "omega", db.records[0].OldData["name"])
	assert.Nil(t, db.records[0].NewData)
}

func TestCaptureSwallowsStoreErrors(t *testing.T) {
	ctx := context.Background()
	c, db, queue := newTestCapture(t)
	db.fail = true

	// must not panic or propagate; the event is not enqueued either
	c.OnInsert(ctx, "teams", "team-1", map[string]interface{}{"name": "alpha"})
	assert.Empty(t, queue.events)
}

func TestSwitchScopedDisable(t *testing.T) {
	ctx := context.Background()
	c, db, queue := newTestCapture(t)

	release := c.Switch().Disable()
	c.OnInsert(ctx, "teams", "team-1", map[string]interface{}{"name": "alpha"})
	assert.Empty(t, db.records)
	assert.Empty(t, queue.events)

	release()
	release() // released twice, must not re-enable a nested disable

	c.OnInsert(ctx, "teams", "team-2", map[string]interface{}{"name": "beta"})
	assert.Len(t, db.records, 1)
}

func TestSwitchNestedDisable(t *testing.T) {
	sw := NewSwitch()

	outer := sw.Disable()
	inner := sw.Disable()
	assert.False(t, sw.Enabled())

	inner()
	assert.False(t, sw.Enabled())

	outer()
	assert.True(t, sw.Enabled())
}

func TestSerializeNonPrimitive(t *testing.T) {
	out := Serialize(map[string]interface{}{
		"tags":  []string{"a", "b"},
		"count": 3,
		"none":  nil,
	})
	assert.Equal(t, "[a b]", out["tags"])
	assert.Equal(t, 3, out["count"])
	assert.Nil(t, out["none"])
}
