package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects straight to the Supabase Postgres instance. Only the
// recompute job uses this path; request handlers always go through PostgREST.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RecomputeUserPointsSQL re-derives every user_points row from the
// contributions ledger in a single atomic statement. Returns the number of
// aggregate rows written.
func RecomputeUserPointsSQL(ctx context.Context, db *sql.DB) (int64, error) {
	const stmt = `
		INSERT INTO user_points (fid, total_points, last_updated)
		SELECT fid, COALESCE(SUM(points), 0), NOW()
		FROM contributions
		GROUP BY fid
		ON CONFLICT (fid) DO UPDATE
		SET total_points = EXCLUDED.total_points,
		    last_updated = EXCLUDED.last_updated
	`
	result, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("recompute user_points: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
