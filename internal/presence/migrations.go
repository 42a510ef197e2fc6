package presence

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Indexes backing the handle lookup and the live filter
var LiveUserIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_live_users_x_handle ON live_users (x_handle)`,
	`CREATE INDEX IF NOT EXISTS idx_live_users_active_updated ON live_users (is_active, updated_at DESC)`,
}

// CreateTables enables PostGIS and creates the live_users table
func CreateTables(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS postgis`); err != nil {
		return fmt.Errorf("failed to enable postgis extension: %w", err)
	}

	_, err := db.NewCreateTable().
		Model((*LiveUserSchema)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table for model %T: %w", (*LiveUserSchema)(nil), err)
	}

	return nil
}

// CreateIndexes creates all necessary indexes for the presence store
func CreateIndexes(ctx context.Context, db *bun.DB) error {
	for _, indexSQL := range LiveUserIndexes {
		_, err := db.ExecContext(ctx, indexSQL)
		if err != nil {
			return fmt.Errorf("failed to create index with SQL %q: %w", indexSQL, err)
		}
	}

	return nil
}

// Migrate runs table and index creation
func Migrate(ctx context.Context, db *bun.DB) error {
	if err := CreateTables(ctx, db); err != nil {
		return err
	}
	return CreateIndexes(ctx, db)
}
