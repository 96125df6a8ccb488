package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/remediator/internal/core/config"
	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage"
	"github.com/vietddude/remediator/internal/infra/storage/memory"
	"github.com/vietddude/remediator/internal/infra/storage/sqlstore"
)

// Poller finds failed runs eligible for remediation.
type Poller interface {
	Poll(ctx context.Context) ([]*domain.FailureContext, error)
}

// Remediator handles one failed run.
type Remediator interface {
	Remediate(ctx context.Context, fc *domain.FailureContext) error
}

// HealthRecorder receives poll cycle outcomes.
type HealthRecorder interface {
	RecordCycle(err error)
}

// OpenStore returns the state store selected by cfg.Database.Driver.
// The sql store is nil for the memory driver.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (storage.StateStore, *sqlstore.Store, error) {
	threshold := cfg.Retry.Budget()

	if cfg.Database.Driver == "memory" {
		slog.Info("Using memory storage")
		return memory.NewMemoryStorage(threshold), nil, nil
	}

	store, err := sqlstore.Open(ctx, cfg.Database, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	slog.Info("Using SQL storage", "driver", cfg.Database.Driver)
	return store, store, nil
}
