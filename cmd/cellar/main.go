package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keeperhq/cellar/pkg/api"
	"github.com/keeperhq/cellar/pkg/btrfs"
	"github.com/keeperhq/cellar/pkg/clock"
	"github.com/keeperhq/cellar/pkg/config"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/pruner"
	"github.com/keeperhq/cellar/pkg/scheduler"
	"github.com/keeperhq/cellar/pkg/storage"
	"github.com/keeperhq/cellar/pkg/supervisor"
	"github.com/keeperhq/cellar/pkg/transfer"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cellar",
	Short: "Cellar - snapshot lifecycle and replication daemon",
	Long: `Cellar manages copy-on-write snapshots across storage pools:
scheduled creation, tiered retention, and verified incremental
replication to target pools, delivered as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cellar version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(jobCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cellar daemon",
	Long: `Run the daemon: the snapshot scheduler, retention pruner,
transfer engine, and health supervisor, plus the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDaemon(configPath)
	},
}

func init() {
	daemonCmd.Flags().String("config", "/etc/cellar/cellar.yaml", "Path to configuration file")
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("daemon")
	logger.Info().Str("version", Version).Str("config", configPath).Msg("starting cellar")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	mgr := manager.NewManager(store, btrfs.NewExec(), &clock.Real{}, broker)

	now := time.Now().UTC()
	for _, pool := range cfg.BuildPools() {
		if err := mgr.RegisterPool(pool); err != nil {
			return fmt.Errorf("register pool %s: %w", pool.ID, err)
		}
	}
	for _, dataset := range cfg.BuildDatasets(now) {
		if err := mgr.RegisterDataset(dataset); err != nil {
			return fmt.Errorf("register dataset %s: %w", dataset.ID, err)
		}
	}

	sched := scheduler.New(mgr, cfg.SchedulerTick)
	prn := pruner.New(mgr, cfg.PruneInterval)
	engine := transfer.New(mgr, cfg.Transfer, cfg.SchedulerTick)

	sup := supervisor.New(mgr, cfg.WatchdogInterval)
	sup.Register("scheduler", sched.Run)
	sup.Register("pruner", prn.Run)
	sup.Register("transfer", engine.Run)
	sup.Register("events", events.NewLogSink(broker).Run)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	server := api.NewServer(cfg.APIAddr, mgr, prn)
	apiDone := make(chan error, 1)
	go func() { apiDone <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-apiDone:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	<-supDone
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
