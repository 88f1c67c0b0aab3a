package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillstore/quill/pkg/api"
	"github.com/quillstore/quill/pkg/config"
	"github.com/quillstore/quill/pkg/engine"
	"github.com/quillstore/quill/pkg/events"
	"github.com/quillstore/quill/pkg/hub"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/storage"
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
	Use:   "quill",
	Short: "Quill - Real-time collaborative document database",
	Long: `Quill is a document database built for real-time collaboration:
a sharded, write-buffered storage engine underneath a CRDT document
model, with live sync, presence, and offline reconciliation over
WebSocket, delivered as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quill version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compactCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Quill server",
	Long: `Start the Quill server: write engine, sync hub, and the HTTP/WebSocket
API on one listener. Recovery replays the write-ahead log before the
listener opens, so a crashed server comes back with every acknowledged
write intact.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	serveCmd.Flags().String("node-id", "", "Override node ID")
	serveCmd.Flags().String("data-dir", "", "Override data directory")
	serveCmd.Flags().String("listen", "", "Override listen address")
	serveCmd.Flags().String("log-level", "", "Override log level (debug|info|warn|error)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	fmt.Println("Starting Quill server...")
	fmt.Printf("  Node ID: %s\n", cfg.NodeID)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
	fmt.Println()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	eng, err := engine.Open(cfg.DataDir, cfg.EngineOptions(), broker)
	if err != nil {
		return fmt.Errorf("failed to open engine: %v", err)
	}
	fmt.Printf("✓ Write engine ready (%d shards)\n", cfg.Engine.ShardCount)

	logStore, err := storage.OpenSyncLog(cfg.DataDir)
	if err != nil {
		eng.Close()
		return fmt.Errorf("failed to open sync log: %v", err)
	}

	h := hub.New(cfg.NodeID, eng, logStore, cfg.HubOptions())
	h.Start()
	h.AttachRelay(broker)
	fmt.Println("✓ Sync hub started")

	collector := metrics.NewCollector(eng, h)
	collector.Start()
	metrics.RegisterComponent("api", true, "")

	server := api.NewServer(eng, h, api.Options{Addr: cfg.ListenAddr})
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	var debug *api.Server
	if cfg.DebugAddr != "" {
		debug = api.NewServer(eng, h, api.Options{Addr: cfg.DebugAddr, ReadOnly: true})
		go func() {
			if err := debug.Start(); err != nil {
				lg16 := log.WithComponent("api")
				lg16.Error().Err(err).Msg("debug listener failed")
			}
		}()
		fmt.Printf("✓ Read-only debug listener on %s\n", cfg.DebugAddr)
	}

	fmt.Println()
	fmt.Println("Server is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		lg17 := log.WithComponent("api")
		lg17.Warn().Err(err).Msg("api shutdown incomplete")
	}
	if debug != nil {
		_ = debug.Stop(ctx)
	}
	collector.Stop()
	h.Stop()
	if err := logStore.Close(); err != nil {
		lg18 := log.WithComponent("storage")
		lg18.Warn().Err(err).Msg("sync log close failed")
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("failed to shutdown engine: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
