package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// RegisterTools registers all benchmark tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_status",
		gomcp.WithDescription("Get live benchmark progress: run state, current phase and batch, confirmed/timed-out/rejected totals, last batch throughput."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unreachable: %v\n\nIs ledgerbench running with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_health",
		gomcp.WithDescription("Quick health check for the benchmark. Checks ledger connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_runs",
		gomcp.WithDescription("List past benchmark runs, newest first, with per-phase throughput."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max runs to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run history failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_run_detail",
		gomcp.WithDescription("Get one benchmark run with its phase summaries and every batch report."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_delete_run",
		gomcp.WithDescription("Delete a benchmark run and its batch reports. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var p types.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Benchmark Status"),
		kv("Status", p.Status),
		kv("Run", p.RunID),
		kv("Phase", p.Phase),
		kv("Batch", fmt.Sprintf("%d / %d", p.BatchIndex, p.BatchesTotal)),
		kv("Confirmed", formatCount(p.Succeeded)),
		kv("Timed Out", formatCount(p.TimedOut)),
		kv("Rejected", formatCount(p.Rejected)),
	)
	if p.Error != "" {
		lines += "\n" + kv("Error", p.Error)
	}

	pacing := "unpaced"
	if p.SubmitRate > 0 {
		pacing = formatRate(p.SubmitRate)
	}
	lines += "\n\n" + joinLines(
		section("Submission Load"),
		kv("In Flight", fmt.Sprintf("%s / %s", formatCount(p.InFlight), formatCount(p.SubmitCapacity))),
		kv("Pacing", pacing),
	)
	if p.Heads > 0 {
		lines += "\n" + kv("Heads Seen", formatCount(p.Heads))
	}

	if b := p.LastBatch; b != nil {
		lines += "\n\n" + joinLines(
			section("Last Batch"),
			kv("Phase", b.Phase),
			kv("Range", fmt.Sprintf("[%d, %d)", b.Start, b.End)),
			kv("Elapsed", formatElapsed(b.ElapsedMs)),
			kv("Confirmed", formatConfirmed(b.Succeeded, b.Size)),
			kv("Throughput", formatRate(b.TPS)),
		)
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Benchmark Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatRuns(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatCount(page.Total)),
		"",
	)

	if len(page.Runs) == 0 {
		lines += "\nNo runs found."
		return lines
	}

	for _, run := range page.Runs {
		lines += fmt.Sprintf("\n\n### %s\n", run.ID)
		lines += joinLines(
			kv("Status", run.Status),
			kv("Started", run.StartedAt.Local().Format(time.DateTime)),
			kv("Accounts", formatCount(run.Accounts)),
			kv("Batch Size", formatCount(run.BatchSize)),
		)
		for _, p := range run.Phases {
			lines += "\n" + kv("  "+p.Name, formatRate(p.TPS)+", "+formatConfirmed(p.Succeeded, p.Operations)+" confirmed")
		}
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var detail types.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	run := detail.Run
	if run == nil {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+run.ID),
		kv("Status", run.Status),
		kv("Started", run.StartedAt.Local().Format(time.DateTime)),
		kv("Accounts", formatCount(run.Accounts)),
		kv("Batch Size", formatCount(run.BatchSize)),
	)
	if run.Error != "" {
		lines += "\n" + kv("Error", run.Error)
	}

	for _, p := range run.Phases {
		lines += "\n\n" + joinLines(
			section("Phase "+p.Name),
			kv("Batches", p.Batches),
			kv("Confirmed", formatConfirmed(p.Succeeded, p.Operations)),
			kv("Timed Out", formatCount(p.TimedOut)),
			kv("Rejected", formatCount(p.Rejected)),
			kv("Elapsed", formatElapsed(p.ElapsedMs)),
			kv("Throughput", formatRate(p.TPS)),
		)
		if lat := p.Latency; lat != nil && lat.Count > 0 {
			lines += "\n" + joinLines(
				kv("Latency P50", formatLatency(lat.P50)),
				kv("Latency P95", formatLatency(lat.P95)),
				kv("Latency P99", formatLatency(lat.P99)),
			)
		}
	}

	if len(detail.Batches) > 0 {
		lines += "\n\n" + section("Batches")
		for i, b := range detail.Batches {
			if i >= 50 {
				lines += fmt.Sprintf("\n... and %d more", len(detail.Batches)-50)
				break
			}
			lines += fmt.Sprintf("\n  %-10s #%-4d [%d, %d)  %-8s ok=%d timeout=%d rejected=%d  %s",
				b.Phase, b.Index, b.Start, b.End, formatElapsed(b.ElapsedMs), b.Succeeded, b.TimedOut, b.Rejected, formatRate(b.TPS))
		}
	}

	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
