// Package syncclient implements the outbound HTTP surface to a peer node:
// availability probing, change exchange, and file transfer. The wire types
// here are shared with syncserver, which serves the same endpoints.
package syncclient

import (
	"time"

	"github.com/scoutmesh/scoutmesh/changelog"
)

// OriginHeader carries the sending server's id on every sync request. Changes
// applied from a request with this marker must not be re-replicated.
const OriginHeader = "X-Scoutmesh-Origin"

// PingResponse is returned by GET /sync/ping.
type PingResponse struct {
	Version  string `json:"version"`
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
}

// ReceiveChangesRequest is the body of POST /sync/receive-changes. Live
// replication sends single-item lists, catch-up sends full batches.
type ReceiveChangesRequest struct {
	Changes     []changelog.ChangeRecord `json:"changes"`
	ServerID    string                   `json:"server_id"`
	Timestamp   time.Time                `json:"timestamp"`
	CatchupMode bool                     `json:"catchup_mode"`
}

// ReceiveChangesResponse reports how many changes the peer applied.
type ReceiveChangesResponse struct {
	AppliedCount int `json:"applied_count"`
}

// ChangesResponse is returned by GET /sync/changes.
type ChangesResponse struct {
	Changes  []changelog.ChangeRecord `json:"changes"`
	ServerID string                   `json:"server_id"`
}

// FileInfo describes one file in a checksum map.
type FileInfo struct {
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ChecksumsResponse maps relative path to file info for one directory class.
type ChecksumsResponse map[string]FileInfo
