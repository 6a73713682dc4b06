// ABOUTME: Request metrics: per-method counters, latency, errors, uptime.
// ABOUTME: Renders Prometheus text exposition and a JSON snapshot.

package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsContentType is the Content-Type for the Prometheus exposition.
const MetricsContentType = "text/plain; version=0.0.4; charset=utf-8"

// MethodStats summarizes the requests seen for one JSON-RPC method.
type MethodStats struct {
	Count   uint64 `json:"count"`
	TotalMs int64  `json:"totalMs"`
	AvgMs   int64  `json:"avgMs"`
	MaxMs   int64  `json:"maxMs"`
}

// MetricsSnapshot is a point-in-time copy of the server metrics.
type MetricsSnapshot struct {
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	TotalRequests uint64                 `json:"totalRequests"`
	TotalErrors   uint64                 `json:"totalErrors"`
	AvgLatencyMs  int64                  `json:"avgLatencyMs"`
	MaxLatencyMs  int64                  `json:"maxLatencyMs"`
	SSEClients    int                    `json:"sseClients"`
	Methods       map[string]MethodStats `json:"methods"`
}

type methodStat struct {
	count    uint64
	totalLat time.Duration
	maxLat   time.Duration
}

// metrics records one entry per dispatched request. Recording is
// unconditional; the render side decides what to expose.
type metrics struct {
	mu          sync.Mutex
	now         func() time.Time
	start       time.Time
	methods     map[string]*methodStat
	totalCount  uint64
	totalErrors uint64
	totalLat    time.Duration
	maxLat      time.Duration
	sseClients  func() int
}

func newMetrics(now func() time.Time) *metrics {
	if now == nil {
		now = time.Now
	}
	return &metrics{
		now:     now,
		start:   now(),
		methods: make(map[string]*methodStat),
	}
}

// record counts one completed dispatch of the given method.
func (m *metrics) record(method string, dur time.Duration, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCount++
	m.totalLat += dur
	if dur > m.maxLat {
		m.maxLat = dur
	}
	st := m.methods[method]
	if st == nil {
		st = &methodStat{}
		m.methods[method] = st
	}
	st.count++
	st.totalLat += dur
	if dur > st.maxLat {
		st.maxLat = dur
	}
	if isError {
		m.totalErrors++
	}
}

// recordError counts a failure that never reached a method handler,
// such as a parse error.
func (m *metrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalErrors++
}

// setSSEClientsFunc installs the gauge callback for active SSE streams.
func (m *metrics) setSSEClientsFunc(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sseClients = fn
}

func (m *metrics) uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.start)
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		UptimeSeconds: int64(m.now().Sub(m.start) / time.Second),
		TotalRequests: m.totalCount,
		TotalErrors:   m.totalErrors,
		MaxLatencyMs:  m.maxLat.Milliseconds(),
		Methods:       make(map[string]MethodStats, len(m.methods)),
	}
	if m.totalCount > 0 {
		snap.AvgLatencyMs = m.totalLat.Milliseconds() / int64(m.totalCount)
	}
	if m.sseClients != nil {
		snap.SSEClients = m.sseClients()
	}
	for name, st := range m.methods {
		ms := MethodStats{
			Count:   st.count,
			TotalMs: st.totalLat.Milliseconds(),
			MaxMs:   st.maxLat.Milliseconds(),
		}
		if st.count > 0 {
			ms.AvgMs = st.totalLat.Milliseconds() / int64(st.count)
		}
		snap.Methods[name] = ms
	}
	return snap
}

// renderPrometheus emits the text exposition format, one family per
// block with HELP and TYPE lines.
func (m *metrics) renderPrometheus() string {
	snap := m.snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "# HELP mcpd_uptime_seconds Time since server start\n")
	fmt.Fprintf(&b, "# TYPE mcpd_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "mcpd_uptime_seconds %d\n\n", snap.UptimeSeconds)

	fmt.Fprintf(&b, "# HELP mcpd_requests_total Total JSON-RPC requests processed\n")
	fmt.Fprintf(&b, "# TYPE mcpd_requests_total counter\n")
	fmt.Fprintf(&b, "mcpd_requests_total %d\n\n", snap.TotalRequests)

	if len(snap.Methods) > 0 {
		names := make([]string, 0, len(snap.Methods))
		for name := range snap.Methods {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "# HELP mcpd_requests_by_method_total Requests by JSON-RPC method\n")
		fmt.Fprintf(&b, "# TYPE mcpd_requests_by_method_total counter\n")
		for _, name := range names {
			fmt.Fprintf(&b, "mcpd_requests_by_method_total{method=%q} %d\n", name, snap.Methods[name].Count)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "# HELP mcpd_errors_total Total error responses\n")
	fmt.Fprintf(&b, "# TYPE mcpd_errors_total counter\n")
	fmt.Fprintf(&b, "mcpd_errors_total %d\n\n", snap.TotalErrors)

	fmt.Fprintf(&b, "# HELP mcpd_request_latency_ms_avg Average request latency in ms\n")
	fmt.Fprintf(&b, "# TYPE mcpd_request_latency_ms_avg gauge\n")
	fmt.Fprintf(&b, "mcpd_request_latency_ms_avg %d\n\n", snap.AvgLatencyMs)

	fmt.Fprintf(&b, "# HELP mcpd_request_latency_ms_max Maximum request latency in ms\n")
	fmt.Fprintf(&b, "# TYPE mcpd_request_latency_ms_max gauge\n")
	fmt.Fprintf(&b, "mcpd_request_latency_ms_max %d\n\n", snap.MaxLatencyMs)

	fmt.Fprintf(&b, "# HELP mcpd_sse_clients Active SSE connections\n")
	fmt.Fprintf(&b, "# TYPE mcpd_sse_clients gauge\n")
	fmt.Fprintf(&b, "mcpd_sse_clients %d\n", snap.SSEClients)

	return b.String()
}
