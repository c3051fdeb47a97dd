// Command recompute rebuilds the user_points aggregates from the
// contributions ledger. It walks the ledger through the REST store by
// default; with DATABASE_URL set it runs a single SQL statement against
// Postgres instead.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"farpedia/api/internal/config"
	"farpedia/api/internal/points"
	"farpedia/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		if err := recomputeSQL(ctx, cfg.DatabaseURL); err != nil {
			log.Printf("recompute failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if strings.TrimSpace(cfg.SupabaseURL) == "" || strings.TrimSpace(cfg.SupabaseKey) == "" {
		log.Print("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	dataStore := store.New(cfg.SupabaseURL, cfg.SupabaseKey, httpClient)

	written, err := points.New(dataStore).Recompute(ctx)
	if err != nil {
		log.Printf("recompute failed after %d users: %v", written, err)
		os.Exit(1)
	}
	log.Printf("recompute done: %d users updated", written)
}

func recomputeSQL(ctx context.Context, databaseURL string) error {
	db, err := store.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := store.RecomputeUserPointsSQL(ctx, db)
	if err != nil {
		return err
	}
	log.Printf("recompute done: %d rows upserted", rows)
	return nil
}
