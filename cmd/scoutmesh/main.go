package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"storj.io/common/cfgstruct"
	"storj.io/common/errs2"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/scoutmesh/scoutmesh/node"
	"github.com/scoutmesh/scoutmesh/peers"
	"github.com/scoutmesh/scoutmesh/rowstore"
)

// version is overridden at build time.
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "scoutmesh",
		Short: "Peer-to-peer change replication node",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the replication node",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   node.Config
	setupCfg node.Config

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("scoutmesh")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for scoutmesh configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if runCfg.ServerID == "" {
		return errs.New("server id is not configured, set --server-id or add it to the config file")
	}

	config := runCfg

	// JSON flags win when set, the yaml file covers the common case
	if len(config.Peers) == 0 || len(config.Tables) == 0 {
		fromFile, err := loadMeshConfig(confDir)
		if err != nil {
			log.Warn("failed to load mesh config file", zap.Error(err))
		} else {
			if len(config.Peers) == 0 {
				config.Peers = fromFile.Peers
			}
			if len(config.Tables) == 0 {
				config.Tables = fromFile.Tables
			}
		}
	}

	peer, err := node.New(ctx, log.Named("node"), config, version)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, peer.Close())
	}()

	peerIDs := make([]string, 0, len(config.Peers))
	for _, p := range config.Peers {
		peerIDs = append(peerIDs, p.ID)
	}
	log.Info("starting replication node",
		zap.String("server_id", config.ServerID),
		zap.String("address", config.Server.Address),
		zap.Strings("peers", peerIDs),
		zap.Int("table_count", len(config.Tables)),
	)

	runError := peer.Run(ctx)
	return errs2.IgnoreCanceled(runError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return errs.New("scoutmesh configuration already exists (%v)", setupDir)
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

type meshConfig struct {
	Peers  peers.List      `yaml:"peers"`
	Tables rowstore.Tables `yaml:"tables"`
}

// loadMeshConfig reads the peer and table lists from the yaml config file.
func loadMeshConfig(confDir string) (meshConfig, error) {
	configPath := filepath.Join(confDir, "config.yaml")

	var config meshConfig
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return config, errs.Wrap(err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errs.Wrap(err)
	}
	return config, nil
}

func main() {
	logger, _, _ := process.NewLogger("scoutmesh")
	zap.ReplaceGlobals(logger)

	process.ExecCustomDebug(rootCmd)
}
