// Package node assembles the replication subsystems of a single mesh
// member: change capture, live fan-out, the peer sync API, and the
// catch-up scheduler, all over one sqlite database.
package node

import (
	"context"
	"database/sql"
	"net"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scoutmesh/scoutmesh/capture"
	"github.com/scoutmesh/scoutmesh/catchup"
	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/live"
	"github.com/scoutmesh/scoutmesh/peers"
	"github.com/scoutmesh/scoutmesh/rowstore"
	"github.com/scoutmesh/scoutmesh/syncclient"
	"github.com/scoutmesh/scoutmesh/syncserver"
)

var (
	// Error is the default error class for the node package.
	Error = errs.Class("node")

	mon = monkit.Package()
)

// Config aggregates the settings of every subsystem on a node.
type Config struct {
	ServerID    string          `help:"unique identifier of this node in the mesh" default:""`
	Database    string          `help:"path to the primary sqlite database" default:"scoutmesh.db"`
	Peers       peers.List      `help:"peer nodes as a json list"`
	Tables      rowstore.Tables `help:"replicated tables as a json list"`
	DialTimeout time.Duration   `help:"timeout for a single request to a peer" default:"30s"`

	Server  syncserver.Config
	Live    live.Config
	Catchup catchup.Config
}

// Peer is a fully wired node instance.
//
// Host applications record row mutations through Capture and read replicated
// rows through Rows; everything else runs on its own under Run.
type Peer struct {
	Log    *zap.Logger
	Config Config

	DB *sql.DB

	Changes  *changelog.Store
	Rows     *rowstore.Store
	Registry *peers.Registry
	Switch   *capture.Switch
	Capture  *capture.Capture
	Probe    *peers.Probe

	Live *live.Replicator

	Catchup struct {
		Manager *catchup.Manager
		Chore   *catchup.Chore
	}

	Server struct {
		Listener net.Listener
		Endpoint *syncserver.Server
	}
}

// New opens the database and wires every subsystem together.
func New(ctx context.Context, log *zap.Logger, config Config, version string) (_ *Peer, err error) {
	defer mon.Task()(&ctx)(&err)

	if config.ServerID == "" {
		return nil, Error.New("server id is required")
	}

	peer := &Peer{Log: log, Config: config}

	peer.DB, err = sql.Open("sqlite3", config.Database+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	peer.Changes = changelog.NewStore(log.Named("changelog"), peer.DB)
	if err := peer.Changes.Migrate(ctx); err != nil {
		return nil, errs.Combine(err, peer.DB.Close())
	}

	// a node must never appear in its own peer set
	configured := make([]peers.Peer, 0, len(config.Peers))
	for _, p := range config.Peers {
		if p.ID == config.ServerID {
			log.Warn("ignoring self-referential peer entry", zap.String("peer_id", p.ID))
			continue
		}
		configured = append(configured, p)
	}

	peer.Registry = peers.NewRegistry(log.Named("peers"), peer.DB, configured)
	if err := peer.Registry.Migrate(ctx); err != nil {
		return nil, errs.Combine(err, peer.DB.Close())
	}

	peer.Rows = rowstore.NewStore(log.Named("rowstore"), peer.DB, config.Tables)
	peer.Switch = capture.NewSwitch()

	dial := func(p peers.Peer) *syncclient.Client {
		return syncclient.New(log.Named("syncclient"), p.Address, config.ServerID, config.DialTimeout)
	}

	peer.Live = live.New(log.Named("live"), config.Live, peer.Changes, peer.Registry, peer.Switch,
		func(p peers.Peer) live.Sender { return dial(p) })

	peer.Capture = capture.New(log.Named("capture"), peer.Changes, peer.Live, peer.Switch, config.ServerID)

	peer.Probe = peers.NewProbe(log.Named("probe"), peer.Registry,
		func(p peers.Peer) peers.Pinger { return dial(p) })

	peer.Catchup.Manager = catchup.NewManager(log.Named("catchup"), config.Catchup,
		peer.Changes, peer.Registry, peer.Probe, rowApplier{peer.Rows}, peer.Switch,
		func(p peers.Peer) catchup.Client { return dial(p) })
	peer.Catchup.Chore = catchup.NewChore(log.Named("catchup:chore"), config.Catchup,
		peer.Catchup.Manager, peer.Registry, peer.Changes)

	peer.Server.Listener, err = net.Listen("tcp", config.Server.Address)
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), peer.DB.Close())
	}
	peer.Server.Endpoint = syncserver.NewServer(log.Named("syncserver"), config.Server,
		peer.Server.Listener, config.ServerID, version,
		peer.Changes, peer.Catchup.Manager, config.Catchup.DirForClass)

	return peer, nil
}

// Run starts all subsystems and blocks until the first failure or until the
// context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Live.Run(ctx)
	})
	group.Go(func() error {
		return peer.Catchup.Chore.Run(ctx)
	})
	group.Go(func() error {
		return peer.Server.Endpoint.Run(ctx)
	})
	return group.Wait()
}

// Close shuts down all subsystems and the database.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Server.Endpoint.Close(),
		peer.Catchup.Chore.Close(),
		peer.Live.Close(),
		peer.DB.Close(),
	)
}

// rowApplier adapts the row store to the batch interface used when applying
// peer changes.
type rowApplier struct {
	rows *rowstore.Store
}

func (a rowApplier) Known(table string) bool { return a.rows.Known(table) }

func (a rowApplier) BeginBatch(ctx context.Context) (catchup.Batch, error) {
	return a.rows.BeginBatch(ctx)
}
