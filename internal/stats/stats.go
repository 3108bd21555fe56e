// Package stats implements the proxy's statistics sink: monotonic request
// counters plus per-host and per-client tallies. Every operation is a
// non-blocking O(1) update so the request pipeline never stalls on
// bookkeeping. When statistics are disabled, callers get a Noop sink so they
// never have to branch on whether stats are enabled.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the statistics collector the request pipeline writes through.
type Sink interface {
	RecordRequest(host, clientIP string)
	RecordCached()
	RecordBlocked()
	RecordError()
	RecordBytes(host string, sent, received int64)
	RecordTime(host string, ms int64)
	Summary() string
	JSON() ([]byte, error)
	TopHosts(n int) string
	Reset()
}

type hostTally struct {
	Requests      uint64
	BytesSent     uint64
	BytesReceived uint64
	TotalTimeMS   uint64
	seq           int // insertion order, for stable tie-breaks
}

// Metrics is the enabled Sink implementation, backed by atomic counters and
// a mutex-guarded detail map. It also mirrors the scalar counters into a
// dedicated Prometheus registry so an operator can scrape /metrics
// alongside the spec-mandated JSON /stats endpoint.
type Metrics struct {
	start time.Time

	totalRequests atomic.Uint64
	cached        atomic.Uint64
	blocked       atomic.Uint64
	errors        atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	mu         sync.Mutex
	perHost    map[string]*hostTally
	perClient  map[string]uint64
	hostSeq    int

	registry        *prometheus.Registry
	promRequests    prometheus.Counter
	promCached      prometheus.Counter
	promBlocked     prometheus.Counter
	promErrors      prometheus.Counter
	promBytesSent   prometheus.Counter
	promBytesRecv   prometheus.Counter
}

// New returns a fresh Metrics sink with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		start:     time.Now(),
		perHost:   make(map[string]*hostTally),
		perClient: make(map[string]uint64),
		registry:  prometheus.NewRegistry(),
	}
	m.promRequests = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_requests_total", Help: "Total requests handled."})
	m.promCached = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_cached_total", Help: "Requests served from cache."})
	m.promBlocked = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_blocked_total", Help: "Requests denied by policy."})
	m.promErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_errors_total", Help: "Requests that ended in an error."})
	m.promBytesSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_bytes_sent_total", Help: "Bytes sent to clients."})
	m.promBytesRecv = prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_bytes_received_total", Help: "Bytes received from clients."})
	m.registry.MustRegister(m.promRequests, m.promCached, m.promBlocked, m.promErrors, m.promBytesSent, m.promBytesRecv)
	return m
}

// Registry exposes the Prometheus registry for mounting a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordRequest(host, clientIP string) {
	m.totalRequests.Add(1)
	m.promRequests.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.perHost[host]
	if !ok {
		t = &hostTally{seq: m.hostSeq}
		m.hostSeq++
		m.perHost[host] = t
	}
	t.Requests++
	m.perClient[clientIP]++
}

func (m *Metrics) RecordCached() {
	m.cached.Add(1)
	m.promCached.Inc()
}

func (m *Metrics) RecordBlocked() {
	m.blocked.Add(1)
	m.promBlocked.Inc()
}

func (m *Metrics) RecordError() {
	m.errors.Add(1)
	m.promErrors.Inc()
}

func (m *Metrics) RecordBytes(host string, sent, received int64) {
	if sent > 0 {
		m.bytesSent.Add(uint64(sent))
		m.promBytesSent.Add(float64(sent))
	}
	if received > 0 {
		m.bytesReceived.Add(uint64(received))
		m.promBytesRecv.Add(float64(received))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.perHost[host]
	if !ok {
		t = &hostTally{seq: m.hostSeq}
		m.hostSeq++
		m.perHost[host] = t
	}
	t.BytesSent += uint64(max64(sent, 0))
	t.BytesReceived += uint64(max64(received, 0))
}

func (m *Metrics) RecordTime(host string, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.perHost[host]
	if !ok {
		t = &hostTally{seq: m.hostSeq}
		m.hostSeq++
		m.perHost[host] = t
	}
	t.TotalTimeMS += uint64(max64(ms, 0))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// snapshot is the shape both Summary/JSON render from.
type snapshot struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	TotalRequests  uint64  `json:"total_requests"`
	CachedRequests uint64  `json:"cached_requests"`
	BlockedRequests uint64 `json:"blocked_requests"`
	Errors         uint64  `json:"errors"`
	BytesSent      uint64  `json:"bytes_sent"`
	BytesReceived  uint64  `json:"bytes_received"`
}

func (m *Metrics) snapshot() snapshot {
	return snapshot{
		UptimeSeconds:   time.Since(m.start).Seconds(),
		TotalRequests:   m.totalRequests.Load(),
		CachedRequests:  m.cached.Load(),
		BlockedRequests: m.blocked.Load(),
		Errors:          m.errors.Load(),
		BytesSent:       m.bytesSent.Load(),
		BytesReceived:   m.bytesReceived.Load(),
	}
}

// JSON renders the counters and uptime as the admin /stats document.
func (m *Metrics) JSON() ([]byte, error) {
	return json.Marshal(m.snapshot())
}

// Summary renders a short, single-line human-readable summary of the
// counters, suitable for a startup or shutdown log line.
func (m *Metrics) Summary() string {
	s := m.snapshot()
	return fmt.Sprintf(
		"uptime=%.0fs requests=%d cached=%d blocked=%d errors=%d sent=%dB recv=%dB",
		s.UptimeSeconds, s.TotalRequests, s.CachedRequests, s.BlockedRequests, s.Errors, s.BytesSent, s.BytesReceived,
	)
}

// TopHosts renders up to n hosts sorted descending by request count, ties
// broken by insertion order.
func (m *Metrics) TopHosts(n int) string {
	m.mu.Lock()
	type row struct {
		host string
		hostTally
	}
	rows := make([]row, 0, len(m.perHost))
	for host, t := range m.perHost {
		rows = append(rows, row{host: host, hostTally: *t})
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Requests != rows[j].Requests {
			return rows[i].Requests > rows[j].Requests
		}
		return rows[i].seq < rows[j].seq
	})

	if n > 0 && n < len(rows) {
		rows = rows[:n]
	}

	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s requests=%d sent=%dB recv=%dB avg_ms=%.1f\n",
			r.host, r.Requests, r.BytesSent, r.BytesReceived, avgMS(r.hostTally))
	}
	return b.String()
}

func avgMS(t hostTally) float64 {
	if t.Requests == 0 {
		return 0
	}
	return float64(t.TotalTimeMS) / float64(t.Requests)
}

// Reset zeroes every counter and detail map. It does not reset the start
// instant, so uptime keeps advancing.
func (m *Metrics) Reset() {
	m.totalRequests.Store(0)
	m.cached.Store(0)
	m.blocked.Store(0)
	m.errors.Store(0)
	m.bytesSent.Store(0)
	m.bytesReceived.Store(0)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.perHost = make(map[string]*hostTally)
	m.perClient = make(map[string]uint64)
	m.hostSeq = 0
}

// Noop is the Sink used when statistics are disabled: every write is
// dropped, TopHosts returns an empty string, and Summary and JSON report
// that stats are disabled, so callers never need to check whether stats are
// enabled before recording.
type Noop struct{}

func (Noop) RecordRequest(string, string)          {}
func (Noop) RecordCached()                         {}
func (Noop) RecordBlocked()                         {}
func (Noop) RecordError()                          {}
func (Noop) RecordBytes(string, int64, int64)      {}
func (Noop) RecordTime(string, int64)              {}
func (Noop) Summary() string                       { return "stats disabled" }
func (Noop) JSON() ([]byte, error)                 { return []byte(`{"error":"stats not enabled"}`), nil }
func (Noop) TopHosts(int) string                   { return "" }
func (Noop) Reset()                                {}

var _ Sink = (*Metrics)(nil)
var _ Sink = Noop{}
