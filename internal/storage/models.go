// Package storage provides persistence for benchmark run history.
package storage

import "github.com/gateway-fm/ledgerbench/pkg/types"

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []types.RunSummary `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}
