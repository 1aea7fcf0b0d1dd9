package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrate applies pending goose migrations from dir and returns the resulting schema version.
func Migrate(ctx context.Context, db *sqlx.DB, dir string, logger *zap.Logger) (int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}

	logger.Info("applying database migrations", zap.String("dir", dir))
	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	logger.Info("database migrations applied", zap.Int64("version", version))
	return version, nil
}
