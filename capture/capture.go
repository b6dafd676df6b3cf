// Package capture translates mutations of tracked entities into change log
// entries and live replication events. It hangs off the persistence layer's
// lifecycle hooks and never propagates its own failures into the mutating
// operation.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/changelog"
)

var mon = monkit.Package()

// Error is the default capture errs class.
var Error = errs.Class("capture")

// ActiveField is the designated flag whose transitions classify an update as
// a soft delete or a reactivation.
const ActiveField = "is_active"

// Hooks is the capability set a persistence layer must call on every
// mutation. The replication core depends only on this interface.
type Hooks interface {
	OnInsert(ctx context.Context, table, recordID string, after map[string]interface{})
	OnUpdate(ctx context.Context, table, recordID string, before, after map[string]interface{})
	OnDelete(ctx context.Context, table, recordID string, before map[string]interface{})
}

// Enqueuer receives freshly captured records for immediate fan-out.
type Enqueuer interface {
	Enqueue(record changelog.ChangeRecord)
}

// Capture implements Hooks on top of the change log store.
type Capture struct {
	log      *zap.Logger
	db       changelog.DB
	queue    Enqueuer
	sw       *Switch
	serverID string
	nowFn    func() time.Time
}

var _ Hooks = (*Capture)(nil)

// New creates a Capture bound to the given change log and live queue.
func New(log *zap.Logger, db changelog.DB, queue Enqueuer, sw *Switch, serverID string) *Capture {
	return &Capture{
		log:      log,
		db:       db,
		queue:    queue,
		sw:       sw,
		serverID: serverID,
		nowFn:    time.Now,
	}
}

// Switch exposes the scoped disable toggle, for bulk operations and for
// applying inbound peer changes without re-capturing them.
func (c *Capture) Switch() *Switch { return c.sw }

// OnInsert records an insert mutation.
func (c *Capture) OnInsert(ctx context.Context, table, recordID string, after map[string]interface{}) {
	c.record(ctx, changelog.OpInsert, table, recordID, nil, after)
}

// OnUpdate records an update mutation, classifying active-flag transitions as
// soft_delete or reactivate.
func (c *Capture) OnUpdate(ctx context.Context, table, recordID string, before, after map[string]interface{}) {
	op := changelog.OpUpdate
	wasActive, hadBefore := activeFlag(before)
	isActive, hasAfter := activeFlag(after)
	if hadBefore && hasAfter {
		switch {
		case wasActive && !isActive:
			op = changelog.OpSoftDelete
		case !wasActive && isActive:
			op = changelog.OpReactivate
		}
	}
	c.record(ctx, op, table, recordID, before, after)
}

// OnDelete records a physical delete mutation. The before snapshot travels in
// old_data so peers can identify the removed row.
func (c *Capture) OnDelete(ctx context.Context, table, recordID string, before map[string]interface{}) {
	c.record(ctx, changelog.OpDelete, table, recordID, before, nil)
}

func (c *Capture) record(ctx context.Context, op changelog.Operation, table, recordID string, before, after map[string]interface{}) {
	var err error
	defer mon.Task()(&ctx)(&err)

	if !c.sw.Enabled() {
		return
	}

	record := changelog.ChangeRecord{
		TableName:      table,
		RecordID:       recordID,
		Operation:      op,
		NewData:        Serialize(after),
		OldData:        Serialize(before),
		Timestamp:      c.nowFn().UTC(),
		OriginServerID: c.serverID,
	}

	// capture failures must never abort the mutating operation
	if record.ID, err = c.db.Insert(ctx, record); err != nil {
		mon.Counter("capture_log_failures").Inc(1)
		c.log.Error("failed to append change record",
			zap.String("table", table),
			zap.String("record_id", recordID),
			zap.String("operation", string(op)),
			zap.Error(Error.Wrap(err)))
		err = nil
		return
	}

	c.queue.Enqueue(record)
}

// Serialize converts a row snapshot into a transport-safe map: temporal
// values become RFC 3339 UTC text, primitives pass through, everything else
// is stringified.
func Serialize(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for key, value := range row {
		switch v := value.(type) {
		case nil:
			out[key] = nil
		case time.Time:
			out[key] = v.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if v == nil {
				out[key] = nil
			} else {
				out[key] = v.UTC().Format(time.RFC3339Nano)
			}
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[key] = v
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

func activeFlag(row map[string]interface{}) (active, present bool) {
	if row == nil {
		return false, false
	}
	value, ok := row[ActiveField]
	if !ok {
		return false, false
	}
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		return v != 0, true
	case string:
		return v == "true" || v == "1", true
	}
	return false, false
}
