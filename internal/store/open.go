package store

import (
	"context"
	"fmt"
	"log/slog"

	"pipeline-patcher/internal/config"
	"pipeline-patcher/internal/store/embedded"
	"pipeline-patcher/internal/tracker"
)

// Open returns the tracker backend selected by cfg.StoreDriver. Postgres
// backends are migrated before they are returned.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (tracker.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres, "":
		st, err := New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	case config.DriverBadger:
		st, err := embedded.Open(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
