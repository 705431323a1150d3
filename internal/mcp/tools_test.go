package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{10000, "10,000"},
		{1234567, "1,234,567"},
		{-2500, "-2,500"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.in); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"slow rate", formatRate(12.34), "12.3 ops/s"},
		{"fast rate", formatRate(1499.6), "1,500 ops/s"},
		{"idle rate", formatRate(0), "0.0 ops/s"},
		{"share", formatConfirmed(190, 200), "190 / 200 (95.0%)"},
		{"empty share", formatConfirmed(0, 0), "0 / 0"},
		{"short span", formatElapsed(850), "850ms"},
		{"long span", formatElapsed(61234), "1m1.23s"},
		{"fast confirmation", formatLatency(12.345), "12.3ms"},
		{"slow confirmation", formatLatency(2500), "2.50s"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	raw, _ := json.Marshal(types.Progress{
		RunID:        "run-1",
		Status:       types.StatusRunning,
		Phase:        types.PhaseFund,
		BatchIndex:   4,
		BatchesTotal: 50,
		Succeeded:    800,
		LastBatch:    &types.BatchReport{Phase: types.PhaseFund, Index: 3, Start: 600, End: 800, Size: 200, Succeeded: 200, ElapsedMs: 485, TPS: 412.5},

		InFlight:       37,
		SubmitCapacity: 500,
		SubmitRate:     250,
		Heads:          1200,
	})
	out := formatStatus(raw)
	for _, want := range []string{"Benchmark Status", "run-1", "4 / 50", "[600, 800)", "485ms", "413 ops/s", "200 / 200 (100.0%)", "37 / 500", "250 ops/s", "1,200"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	idle, _ := json.Marshal(types.Progress{Status: types.StatusIdle, SubmitCapacity: 500})
	if out := formatStatus(idle); !strings.Contains(out, "unpaced") || strings.Contains(out, "Heads Seen") {
		t.Errorf("idle status output:\n%s", out)
	}

	if out := formatStatus(json.RawMessage("not json")); !strings.HasPrefix(out, "Error parsing status") {
		t.Errorf("expected parse error, got %q", out)
	}
}

func TestFormatRuns(t *testing.T) {
	raw, _ := json.Marshal(storage.PaginatedRuns{
		Runs: []types.RunSummary{{
			ID:        "run-9",
			StartedAt: time.Now(),
			Accounts:  10000,
			BatchSize: 200,
			Status:    types.StatusCompleted,
			Phases:    []types.PhaseSummary{{Name: types.PhaseAction, Operations: 10000, Succeeded: 9990, TPS: 801.2}},
		}},
		Total: 1,
	})
	out := formatRuns(raw)
	for _, want := range []string{"run-9", "10,000", "801 ops/s", "9,990 / 10,000 (99.9%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs output missing %q:\n%s", want, out)
		}
	}

	empty, _ := json.Marshal(storage.PaginatedRuns{})
	if out := formatRuns(empty); !strings.Contains(out, "No runs found") {
		t.Errorf("expected empty message, got %q", out)
	}
}

func TestFormatRunDetail(t *testing.T) {
	raw, _ := json.Marshal(types.RunDetail{
		Run: &types.RunSummary{
			ID:     "run-2",
			Status: types.StatusError,
			Error:  "phase fund: ledger connection failure",
			Phases: []types.PhaseSummary{{
				Name: types.PhaseFund, Batches: 2, Operations: 400, Succeeded: 390, TimedOut: 10,
				Latency: &types.LatencyStats{Count: 390, P50: 120, P95: 480, P99: 900},
			}},
		},
		Batches: []types.BatchReport{
			{Phase: types.PhaseFund, Index: 0, End: 200, Size: 200, Succeeded: 200},
			{Phase: types.PhaseFund, Index: 1, Start: 200, End: 400, Size: 200, Succeeded: 190, TimedOut: 10},
		},
	})
	out := formatRunDetail(raw)
	for _, want := range []string{"Run: run-2", "connection failure", "Phase fund", "390 / 400 (97.5%)", "480.0ms", "900.0ms", "timeout=10"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}

	if out := formatRunDetail(json.RawMessage(`{}`)); out != "Run not found" {
		t.Errorf("got %q", out)
	}
}

func TestFormatHealth(t *testing.T) {
	out := formatHealth(json.RawMessage(`{"ready":false,"checks":[{"name":"ledger","status":"failed","latency_ms":3,"error":"refused"}]}`))
	for _, want := range []string{"NOT READY", "ledger", "failed", "refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("health output missing %q:\n%s", want, out)
		}
	}
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/status":
			w.Write([]byte(`{"status":"idle"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/runs/abc":
			w.Write([]byte(`{"deleted":true}`))
		default:
			http.Error(w, `{"error":"Run not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	raw, err := c.Get(ctx, "/v1/status")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != `{"status":"idle"}` {
		t.Errorf("body = %s", raw)
	}

	if _, err := c.Delete(ctx, "/v1/runs/abc"); err != nil {
		t.Errorf("Delete: %v", err)
	}

	_, err = c.Get(ctx, "/v1/runs/missing")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("expected HTTP 404 error, got %v", err)
	}
}
