package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillstore/quill/pkg/engine"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/storage"
	"github.com/quillstore/quill/pkg/types"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove expired tombstones and trim the sync log",
	Long: `Compact the data directory offline: soft-deleted documents past the
tombstone retention window are removed from the shards, and sync-log
entries older than the same cutoff are trimmed. Clients that have been
offline longer than the retention window must do a full resync.

Run this while the server is stopped.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	compactCmd.Flags().String("data-dir", "", "Override data directory")
	compactCmd.Flags().Bool("dry-run", false, "Report what would be removed without removing it")
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	cutoff := types.NowMillis() - cfg.Sync.TombstoneRetentionMs
	fmt.Printf("Compacting %s (retention %s)\n", cfg.DataDir, cfg.TombstoneRetention())

	// Opening the engine replays any leftover WAL first, so compaction
	// never races a crashed server's unflushed writes.
	eng, err := engine.Open(cfg.DataDir, cfg.EngineOptions(), nil)
	if err != nil {
		return fmt.Errorf("failed to open engine: %v", err)
	}
	defer eng.Close()

	collections, err := eng.Collections()
	if err != nil {
		return fmt.Errorf("failed to list collections: %v", err)
	}

	removed := 0
	for _, collection := range collections {
		docs, err := eng.List(collection, engine.ListOptions{IncludeDeleted: true})
		if err != nil {
			return fmt.Errorf("failed to scan %s: %v", collection, err)
		}
		for _, doc := range docs {
			if !doc.Deleted || doc.DeletedAt >= cutoff {
				continue
			}
			if !dryRun {
				if err := eng.Delete(collection, doc.ID); err != nil {
					return fmt.Errorf("failed to remove %s/%s: %v", collection, doc.ID, err)
				}
			}
			removed++
		}
	}
	if !dryRun {
		if err := eng.Flush(); err != nil {
			return fmt.Errorf("failed to flush removals: %v", err)
		}
	}
	fmt.Printf("✓ %d expired tombstones removed\n", removed)

	logStore, err := storage.OpenSyncLog(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open sync log: %v", err)
	}
	defer logStore.Close()

	trimmed := 0
	if !dryRun {
		trimmed, err = logStore.TrimBefore(cutoff)
		if err != nil {
			return fmt.Errorf("failed to trim sync log: %v", err)
		}
	}
	fmt.Printf("✓ %d sync log entries trimmed\n", trimmed)

	if dryRun {
		fmt.Println("(dry run: nothing was modified)")
	}
	return nil
}
