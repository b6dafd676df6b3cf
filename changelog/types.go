// Package changelog implements the append-only change log that records every
// mutation applied to the local dataset. The log is the source of truth for
// what changed and when, and feeds both live replication and catch-up.
package changelog

import (
	"time"
)

// Operation classifies a logged mutation.
type Operation string

const (
	OpInsert     Operation = "insert"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpSoftDelete Operation = "soft_delete"
	OpReactivate Operation = "reactivate"
	OpUpsert     Operation = "upsert"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpSoftDelete, OpReactivate, OpUpsert:
		return true
	}
	return false
}

// SyncStatus tracks whether a record has been delivered by live replication.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
)

// ChangeRecord is one logged mutation with a full-row snapshot. Records are
// immutable once written except for SyncStatus.
type ChangeRecord struct {
	ID             int64                  `json:"-"`
	TableName      string                 `json:"table_name"`
	RecordID       string                 `json:"record_id"`
	Operation      Operation              `json:"operation"`
	NewData        map[string]interface{} `json:"new_data,omitempty"`
	OldData        map[string]interface{} `json:"old_data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	OriginServerID string                 `json:"origin_server_id"`
	SyncStatus     SyncStatus             `json:"sync_status,omitempty"`
}
