// Package types contains public API types for the ledger benchmark.
// These types form the external interface (HTTP API, storage, MCP tools).
package types

import "time"

// RunStatus represents the current state of a harness run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// Outcome is the settled result of one dispatched operation.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed" // State change observed before the deadline
	OutcomeTimedOut  Outcome = "timed_out" // No satisfying state change before the deadline
	OutcomeRejected  Outcome = "rejected"  // Ledger refused the submission
)

// Phase names used by the built-in phase catalog.
const (
	PhaseProvision = "provision"
	PhaseFund      = "fund"
	PhaseMint      = "mint"
	PhaseLoan      = "loan"
	PhaseAction    = "action"
)

// LatencyBucket represents a histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats contains confirmation latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// BatchReport is the timing sample produced by one settled dispatch wave.
type BatchReport struct {
	Phase     string  `json:"phase"`
	Index     int     `json:"index"`
	Start     int     `json:"start"`
	End       int     `json:"end"` // exclusive
	Size      int     `json:"size"`
	ElapsedMs int64   `json:"elapsedMs"`
	Succeeded int     `json:"succeeded"`
	TimedOut  int     `json:"timedOut"`
	Rejected  int     `json:"rejected"`
	TPS       float64 `json:"tps"` // Confirmed operations per second of wall time
}

// PhaseSummary aggregates every batch of one phase.
type PhaseSummary struct {
	Name       string        `json:"name"`
	Batches    int           `json:"batches"`
	Operations int           `json:"operations"`
	Succeeded  int           `json:"succeeded"`
	TimedOut   int           `json:"timedOut"`
	Rejected   int           `json:"rejected"`
	ElapsedMs  int64         `json:"elapsedMs"`
	TPS        float64       `json:"tps"`
	Latency    *LatencyStats `json:"latency,omitempty"`
}

// RunSummary is the final report of a harness run.
type RunSummary struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Accounts    int            `json:"accounts"`
	BatchSize   int            `json:"batchSize"`
	Plan        []string       `json:"plan"` // Phase names in run order
	Phases      []PhaseSummary `json:"phases"`
	Status      RunStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
}

// Progress is the live view of a running harness served by /v1/status.
type Progress struct {
	RunID        string       `json:"runId,omitempty"`
	Status       RunStatus    `json:"status"`
	Phase        string       `json:"phase,omitempty"`
	BatchIndex   int          `json:"batchIndex"`
	BatchesTotal int          `json:"batchesTotal"`
	Succeeded    uint64       `json:"succeeded"`
	TimedOut     uint64       `json:"timedOut"`
	Rejected     uint64       `json:"rejected"`
	LastBatch    *BatchReport `json:"lastBatch,omitempty"`
	Error        string       `json:"error,omitempty"`

	// Submission load on the shared ledger connection.
	InFlight       int     `json:"inFlight"`                 // Submissions awaiting acknowledgement
	SubmitCapacity int     `json:"submitCapacity,omitempty"` // Max outstanding submissions
	SubmitRate     float64 `json:"submitRate,omitempty"`     // Permits per second, 0 when unpaced
	Heads          uint64  `json:"heads,omitempty"`          // New heads seen on the ledger feed
}

// RunDetail is a persisted run with every batch report it produced.
type RunDetail struct {
	Run     *RunSummary   `json:"run"`
	Batches []BatchReport `json:"batches"`
}
