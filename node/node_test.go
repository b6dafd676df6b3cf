package node_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/errs2"
	"storj.io/common/memory"
	"storj.io/common/testcontext"

	"github.com/scoutmesh/scoutmesh/catchup"
	"github.com/scoutmesh/scoutmesh/live"
	"github.com/scoutmesh/scoutmesh/node"
	"github.com/scoutmesh/scoutmesh/peers"
	"github.com/scoutmesh/scoutmesh/rowstore"
	"github.com/scoutmesh/scoutmesh/syncclient"
	"github.com/scoutmesh/scoutmesh/syncserver"
)

func testConfig(t *testing.T, serverID string) node.Config {
	return node.Config{
		ServerID:    serverID,
		Database:    filepath.Join(t.TempDir(), "scoutmesh.db"),
		Tables:      rowstore.Tables{{Name: "teams", ActiveColumn: "is_active", UpdatedAtColumn: "updated_at"}},
		DialTimeout: 5 * time.Second,
		Server: syncserver.Config{
			Address:       "127.0.0.1:0",
			MaxUploadSize: 8 * memory.MiB,
		},
		Live: live.Config{
			Enabled:         true,
			QueueSize:       16,
			PollInterval:    50 * time.Millisecond,
			DeliveryTimeout: time.Second,
		},
		Catchup: catchup.Config{
			CheckInterval: time.Minute,
			BatchSize:     100,
			Lookback:      7 * 24 * time.Hour,
		},
	}
}

func TestNewPeerWiring(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := testConfig(t, "node-a")
	config.Peers = peers.List{
		{ID: "node-a", Address: "http://localhost:1", Enabled: true},
		{ID: "node-b", Address: "http://localhost:2", Enabled: true, SyncDatabase: true},
	}

	peer, err := node.New(ctx, zaptest.NewLogger(t), config, "test")
	require.NoError(t, err)
	defer ctx.Check(peer.Close)

	enabled := peer.Registry.Enabled()
	require.Len(t, enabled, 1, "a node never replicates to itself")
	assert.Equal(t, "node-b", enabled[0].ID)

	require.NotNil(t, peer.Capture)
	require.NotNil(t, peer.Catchup.Manager)
	require.NotNil(t, peer.Server.Listener)
}

func TestNewPeerRequiresServerID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := testConfig(t, "")
	_, err := node.New(ctx, zaptest.NewLogger(t), config, "test")
	require.Error(t, err)
}

func TestPeerServesSyncAPI(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	peer, err := node.New(ctx, zaptest.NewLogger(t), testConfig(t, "node-a"), "9.9.9")
	require.NoError(t, err)
	defer ctx.Check(peer.Close)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- peer.Run(runCtx) }()

	client := syncclient.New(zaptest.NewLogger(t),
		"http://"+peer.Server.Listener.Addr().String(), "node-b", 5*time.Second)

	require.Eventually(t, func() bool {
		_, err := client.Ping(ctx)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	ping, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", ping.ServerID)
	assert.Equal(t, "9.9.9", ping.Version)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, errs2.IgnoreCanceled(err))
	case <-time.After(10 * time.Second):
		t.Fatal("node did not shut down")
	}
}
