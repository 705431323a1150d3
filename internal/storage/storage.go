package storage

import (
	"context"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Storage defines the persistence interface for benchmark runs.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.RunSummary) error
	CompleteRun(ctx context.Context, run *types.RunSummary) error
	GetRun(ctx context.Context, id string) (*types.RunSummary, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Batch reports, recorded as each wave settles
	RecordBatch(ctx context.Context, runID string, report types.BatchReport) error
	ListBatches(ctx context.Context, runID string) ([]types.BatchReport, error)

	// Lifecycle
	Close() error
}
