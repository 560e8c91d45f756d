package store

import (
	"context"

	"github.com/me/rollupd/pkg/model"
)

// Store defines the persistence layer for refresh bookkeeping.
type Store interface {
	// Worker cursors
	SaveCursor(ctx context.Context, tenantKey string, workerIndex int, c model.WorkerCursor) error
	GetCursor(ctx context.Context, tenantKey string, workerIndex int) (*model.WorkerCursor, error)
	DeleteCursor(ctx context.Context, tenantKey string, workerIndex int) error
	DeleteCursorsFrom(ctx context.Context, tenantKey string, workerIndex int) error

	// Refresh run ledger
	CreateRefreshRun(ctx context.Context, run *model.RefreshRun) error
	UpdateRefreshRun(ctx context.Context, run *model.RefreshRun) error
	GetRefreshRun(ctx context.Context, id string) (*model.RefreshRun, error)
	ListRefreshRuns(ctx context.Context, opts model.ListOptions) ([]*model.RefreshRun, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
