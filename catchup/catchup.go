// Package catchup implements batched, retry-capable reconciliation with peers
// that have missed changes: change exchange in fixed-size batches plus file
// tree synchronization via checksum comparison. Together with the live
// replicator's fire-and-forget path it forms the two-tier delivery model;
// catch-up is the tier that guarantees eventual delivery.
package catchup

import (
	"context"
	"io"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/peers"
	"github.com/scoutmesh/scoutmesh/syncclient"
)

var mon = monkit.Package()

// Error is the default catchup errs class.
var Error = errs.Class("catchup")

// Config contains configurable values for catch-up reconciliation.
type Config struct {
	CheckInterval    time.Duration `help:"how often to run the catch-up chore" releaseDefault:"5m" devDefault:"15s"`
	BatchSize        int           `help:"number of changes per exchange batch" default:"100"`
	BatchPause       time.Duration `help:"pause between outbound batches to avoid overloading the peer" default:"500ms"`
	Lookback         time.Duration `help:"fallback window for peers that have never synced" default:"168h"`
	InstanceDir      string        `help:"local directory for the instance-files sync class" default:""`
	ConfigDir        string        `help:"local directory for the config-files sync class" default:""`
	UploadsDir       string        `help:"local directory for the uploads sync class" default:""`
	RetentionHorizon time.Duration `help:"age after which change log records are purged" default:"720h"`
}

// DirForClass resolves the configured local directory for a sync class,
// returning false when the class has no directory on this node.
func (c Config) DirForClass(class string) (string, bool) {
	switch class {
	case peers.ClassInstanceFiles:
		return c.InstanceDir, c.InstanceDir != ""
	case peers.ClassConfigFiles:
		return c.ConfigDir, c.ConfigDir != ""
	case peers.ClassUploads:
		return c.UploadsDir, c.UploadsDir != ""
	}
	return "", false
}

// Client is the manager's view of a peer connection.
type Client interface {
	Ping(ctx context.Context) (syncclient.PingResponse, error)
	SendChanges(ctx context.Context, changes []changelog.ChangeRecord, catchupMode bool) (int, error)
	GetChanges(ctx context.Context, since time.Time) ([]changelog.ChangeRecord, error)
	GetChecksums(ctx context.Context, baseFolder string) (syncclient.ChecksumsResponse, error)
	UploadFile(ctx context.Context, baseFolder, relPath string, content io.Reader) error
	DownloadFile(ctx context.Context, baseFolder, relPath string) ([]byte, error)
}

// Applier is the data-layer collaborator that reconstructs rows from inbound
// change records.
type Applier interface {
	// Known reports whether the table is tracked locally.
	Known(table string) bool
	// BeginBatch opens one transactional batch of row operations.
	BeginBatch(ctx context.Context) (Batch, error)
}

// Batch is one transactional group of inbound row operations. A failed batch
// is rolled back without affecting other batches.
type Batch interface {
	Upsert(ctx context.Context, table, recordID string, fields map[string]interface{}) error
	Delete(ctx context.Context, table, recordID string) error
	SetActive(ctx context.Context, table, recordID string, active bool) error
	Commit() error
	Rollback() error
}

// Result reports the outcome of one reconciliation round with one peer.
type Result struct {
	PeerID          string
	StartedAt       time.Time
	CompletedAt     time.Time
	Success         bool
	ChangesSent     int
	ChangesReceived int
	ChangesApplied  int
	FilesUploaded   int
	FilesDownloaded int
	Errors          []string
}

func (r *Result) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}
