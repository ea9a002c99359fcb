package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the persistent caches",
}

var (
	pruneMinHits int64
	pruneAge     time.Duration
)

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict cold semantic cache rows and expired exact-cache overflow rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		minHits := cfg.Cache.PruneMinHits
		if cmd.Flags().Changed("min-hits") {
			minHits = pruneMinHits
		}
		age := time.Duration(cfg.Cache.PruneAgeHours) * time.Hour
		if cmd.Flags().Changed("older-than") {
			age = pruneAge
		}

		vectors, results, err := pruneCaches(ctx, st, minHits, age, time.Now())
		if err != nil {
			return err
		}
		zap.L().Info("cache pruned",
			zap.Int("semantic_rows", vectors),
			zap.Int("exact_rows", results),
		)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d semantic rows and %d expired exact rows\n", vectors, results)
		return err
	},
}

func init() {
	cachePruneCmd.Flags().Int64Var(&pruneMinHits, "min-hits", 0, "keep semantic rows with at least this many hits (default cache.prune_min_hits)")
	cachePruneCmd.Flags().DurationVar(&pruneAge, "older-than", 0, "only evict semantic rows created before now minus this (default cache.prune_age_hours)")
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

// pruneCaches evicts semantic rows below minHits created more than age ago
// and exact-cache overflow rows whose TTL has passed.
func pruneCaches(ctx context.Context, st store.Store, minHits int64, age time.Duration, now time.Time) (int, int, error) {
	vectors, err := st.Prune(ctx, minHits, now.Add(-age))
	if err != nil {
		return 0, 0, err
	}
	results, err := st.DeleteExpiredResults(ctx, now)
	if err != nil {
		return vectors, 0, err
	}
	return vectors, results, nil
}
