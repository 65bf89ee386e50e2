package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pindrop-sync/internal/config"
	"pindrop-sync/internal/db"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/repositories/cacheindex"
	"pindrop-sync/internal/repositories/jobs"
	"pindrop-sync/internal/repositories/pins"
	"pindrop-sync/internal/services"
)

// app carries what every command needs. Fields left nil are filled from
// the environment before the first command runs.
type app struct {
	cfg    *config.Config
	conn   *sql.DB
	logger *slog.Logger
	asJSON bool
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.logger == nil {
		a.logger = logging.NewWithWriter(cmd.ErrOrStderr(), a.cfg.LogLevel, a.cfg.LogFormat)
	}
	if a.conn == nil {
		conn, err := db.Open(cmd.Context(), a.cfg.DatabasePath())
		if err != nil {
			return err
		}
		a.conn = conn
	}
	return nil
}

func (a *app) teardown() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *app) print(w io.Writer, v any, table func(tw *tabwriter.Writer)) error {
	if a.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pinctl",
		Short:         "Inspect and repair the pin sync engine's local state",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print JSON instead of a table")

	root.AddCommand(failedCommand(a), pendingCommand(a), cacheCommand(a), snapshotCommand(a))
	return root
}

func failedCommand(a *app) *cobra.Command {
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "Uploads that exhausted their retries",
	}

	failedCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List failed uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed, err := jobs.NewSQLiteRepository(a.conn).ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), failed, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "JOB\tCATEGORY\tRETRIES\tFAILED AT\tLAST ERROR")
				for _, f := range failed {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.Job.ID, f.Job.Category, f.Job.RetryCount,
						f.FailedAt.Format(time.RFC3339), f.Job.LastError)
				}
			})
		},
	})

	failedCmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Move every failed upload back onto the queue",
		Long:  "Requeued jobs are picked up by the running engine on its next poll.",
		RunE: func(cmd *cobra.Command, args []string) error {
			requeued, err := jobs.NewSQLiteRepository(a.conn).RequeueFailed(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("requeued failed uploads", "count", len(requeued))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d upload(s)\n", len(requeued))
			return nil
		},
	})

	return failedCmd
}

func pendingCommand(a *app) *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Uploads waiting in the queue",
	}

	pendingCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued uploads in processing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			queued, err := jobs.NewSQLiteRepository(a.conn).List(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), queued, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "JOB\tSTATE\tRETRIES\tNEXT ATTEMPT\tSOURCE")
				for _, j := range queued {
					next := "-"
					if !j.NextAttemptAt.IsZero() {
						next = j.NextAttemptAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.State, j.RetryCount, next, j.SourcePath)
				}
			})
		},
	})

	return pendingCmd
}

// indexStats summarizes the cache from its index alone. It never touches the
// payload files, so it is safe while the daemon is running.
func (a *app) indexStats(ctx context.Context) (models.CacheStats, error) {
	rows, err := cacheindex.NewSQLiteRepository(a.conn).GetAll(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	stats := models.CacheStats{Entries: len(rows), MaxBytes: a.cfg.CacheMaxBytes}
	if stats.MaxBytes <= 0 {
		stats.MaxBytes = services.DefaultCacheMaxBytes
	}
	for _, e := range rows {
		stats.TotalBytes += e.Size
		if stats.OldestEntry.IsZero() || e.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.CreatedAt
		}
	}
	return stats, nil
}

func (a *app) openCache(ctx context.Context) (*services.BlobCache, error) {
	return services.NewBlobCache(ctx, services.BlobCacheConfig{
		Dir:            a.cfg.CacheDir,
		MaxBytes:       a.cfg.CacheMaxBytes,
		MemoryMaxBytes: a.cfg.CacheMemoryMaxBytes,
		Retention:      a.cfg.CacheRetention,
		SweepInterval:  a.cfg.CacheSweepInterval,
	}, cacheindex.NewSQLiteRepository(a.conn), nil, a.logger)
}

func cacheCommand(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "The video playback cache",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.indexStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), stats, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "entries\t%d\n", stats.Entries)
				fmt.Fprintf(tw, "bytes\t%d / %d\n", stats.TotalBytes, stats.MaxBytes)
				if !stats.OldestEntry.IsZero() {
					fmt.Fprintf(tw, "oldest\t%s\n", stats.OldestEntry.Format(time.RFC3339))
				}
			})
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove entries older than the retention period",
		Long: `Remove entries older than the retention period.

Run this only while the daemon is stopped. The daemon keeps its own view of
the cache in memory and sweeps it on its own schedule; files removed behind
its back are only noticed when they are next read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			n, err := cache.Sweep(time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entr(ies)\n", n)
			return nil
		},
	})

	return cacheCmd
}

func snapshotCommand(a *app) *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "The last pin snapshot saved for offline use",
	}

	var category string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved pins",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.PinFilter
			if category != "" {
				c, err := models.ParseCategory(category)
				if err != nil {
					return err
				}
				filter.Category = c
			}

			saved, err := pins.NewSQLiteRepository(a.conn).GetAll(cmd.Context())
			if err != nil {
				return err
			}
			repo := services.NewPinRepository()
			repo.ReplaceAll(saved)
			shown := repo.Filter(filter)

			return a.print(cmd.OutOrStdout(), shown, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "PIN\tCATEGORY\tLAT\tLON\tOWNER\tCREATED\tPLACE")
				for _, p := range shown {
					fmt.Fprintf(tw, "%s\t%s\t%.5f\t%.5f\t%s\t%s\t%s\n", p.ID, p.Category, p.Coordinate.Lat, p.Coordinate.Lon,
						p.OwnerID, p.CreatedAt.Format(time.RFC3339), p.PlaceName)
				}
			})
		},
	}
	showCmd.Flags().StringVar(&category, "category", "", "Only show pins of this category (verbal, physical, emergency)")
	snapshotCmd.AddCommand(showCmd)

	return snapshotCmd
}
