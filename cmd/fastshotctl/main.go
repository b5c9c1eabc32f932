// fastshotctl administers a fastshot metadata cache: syncing it against a
// remote object store, listing and inspecting cached sessions, and
// repairing or rebuilding cache state after corruption.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/JimEverest/fastshot/internal/cache"
	"github.com/JimEverest/fastshot/internal/config"
	"github.com/JimEverest/fastshot/internal/objectstore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fastshotctl:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fastshotctl",
	Short: "Administer a fastshot metadata cache",
}

func loadConfigAndStore(ctx context.Context) (*config.Config, *cache.Manager, objectstore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	var opts []cache.Option
	switch cache.OrphanPolicy(cfg.Cache.OrphanPolicy) {
	case cache.OrphanKeep, cache.OrphanDelete, cache.OrphanPrompt:
		opts = append(opts, cache.WithOrphanPolicy(cache.OrphanPolicy(cfg.Cache.OrphanPolicy)))
	}
	if cfg.Cache.MaxBodyBytes > 0 {
		opts = append(opts, cache.WithBodyCache(cfg.Cache.MaxBodyBytes))
	}
	mgr := cache.NewManager(cfg.Cache.RootDir, opts...)

	if cfg.ObjectStore.Bucket == "" {
		return cfg, mgr, nil, nil
	}

	s3cfg := objectstore.S3Config{
		Bucket:       cfg.ObjectStore.Bucket,
		Prefix:       cfg.ObjectStore.Prefix,
		Region:       cfg.ObjectStore.Region,
		Endpoint:     cfg.ObjectStore.Endpoint,
		PathStyle:    cfg.ObjectStore.PathStyle,
		ProxyURL:     cfg.ObjectStore.ProxyURL,
		TLSVerify:    cfg.ObjectStore.TLSVerify == nil || *cfg.ObjectStore.TLSVerify,
		AccessKey:    cfg.ObjectStore.AccessKey,
		SecretKey:    cfg.ObjectStore.SecretKey,
		SessionToken: cfg.ObjectStore.SessionTok,
	}
	store, err := objectstore.NewS3Store(ctx, s3cfg)
	if err != nil {
		return cfg, mgr, nil, fmt.Errorf("connect object store: %w", err)
	}
	return cfg, mgr, objectstore.NewRetryable(store, objectstore.RetryConfig{
		MaxAttempts: cfg.Sync.RetryMax,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}), nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local cache against the remote manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		_, mgr, store, err := loadConfigAndStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("object_store.bucket is not configured")
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		decide := func(filename string) bool {
			if !interactive {
				return false
			}
			fmt.Printf("delete orphaned local entry %q? [y/N] ", filename)
			var answer string
			fmt.Scanln(&answer)
			return answer == "y" || answer == "Y"
		}

		report, err := mgr.SyncWithRemoteDecide(ctx, store, decide, func(frac float64, msg string) {
			if frac < 0 {
				fmt.Printf("  ! %s\n", msg)
				return
			}
			fmt.Printf("  [%3.0f%%] %s\n", frac*100, msg)
		})
		if err != nil {
			return err
		}

		fmt.Printf("fetched=%d revalidated=%d orphans_kept=%d orphans_deleted=%d rebuilt=%v\n",
			len(report.Fetched), len(report.Revalidated), len(report.OrphansKept), len(report.OrphansDeleted), report.Rebuilt)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached session metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, _, err := loadConfigAndStore(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := mgr.ListMetadata()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Filename", "Name", "Images", "Size", "Created"})
		for _, e := range entries {
			t.AppendRow(table.Row{e.Filename, e.Metadata.Name, e.Metadata.ImageCount, humanize.Bytes(uint64(e.Metadata.FileSize)), e.CreatedAt})
		}
		t.Render()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and integrity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, _, err := loadConfigAndStore(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := mgr.Stats()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRow(table.Row{"Total sessions", stats.TotalMetaFiles})
		t.AppendRow(table.Row{"Cache size", humanize.Bytes(uint64(stats.CacheSizeBytes))})
		t.AppendRow(table.Row{"Last sync", stats.LastSync})
		t.AppendRow(table.Row{"Integrity status", stats.IntegrityCheck.Status})
		t.Render()
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Re-derive missing indexes and drop dangling orphans",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, store, err := loadConfigAndStore(cmd.Context())
		if err != nil {
			return err
		}
		key := []byte(cfg.Security.EncryptionKey)
		if err := mgr.Repair(cmd.Context(), store, key); err != nil {
			return err
		}
		fmt.Println("repair completed")
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Delete the local cache and sync it again from the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, store, err := loadConfigAndStore(cmd.Context())
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("object_store.bucket is not configured")
		}
		if err := os.RemoveAll(mgr.Root()); err != nil {
			return err
		}
		report, err := mgr.SyncWithRemote(cmd.Context(), store, func(frac float64, msg string) {
			fmt.Printf("  [%3.0f%%] %s\n", frac*100, msg)
		})
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt %d sessions\n", len(report.Fetched))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all local cache content",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, _, err := loadConfigAndStore(cmd.Context())
		if err != nil {
			return err
		}
		if err := mgr.Clear(); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(clearCmd)
}
