package mcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// formatCount renders an operation or account count with thousands separators.
func formatCount[T ~int | ~int64 | ~uint64](n T) string {
	s := fmt.Sprint(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// formatRate renders confirmed throughput. Rates above 100 drop the decimal.
func formatRate(tps float64) string {
	if tps >= 100 {
		return formatCount(int64(tps+0.5)) + " ops/s"
	}
	return strconv.FormatFloat(tps, 'f', 1, 64) + " ops/s"
}

// formatConfirmed renders "confirmed / total" with the confirmed share.
func formatConfirmed[T ~int | ~int64](confirmed, total T) string {
	if total == 0 {
		return "0 / 0"
	}
	pct := float64(confirmed) / float64(total) * 100
	return fmt.Sprintf("%s / %s (%.1f%%)", formatCount(confirmed), formatCount(total), pct)
}

// formatElapsed renders a wall-clock span reported in milliseconds.
func formatElapsed(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	return d.Round(10 * time.Millisecond).String()
}

// formatLatency renders a confirmation latency percentile in milliseconds.
func formatLatency(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.2fs", ms/1000)
	}
	return fmt.Sprintf("%.1fms", ms)
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var out []string
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
