// Package pipeline implements the per-connection request state machine:
// read the first request, classify it, authorize it against policy, and
// either tunnel it opaquely (CONNECT) or fetch-and-cache it (plain HTTP).
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vshong/webproxy/internal/cache"
	"github.com/vshong/webproxy/internal/logging"
	"github.com/vshong/webproxy/internal/policystore"
	"github.com/vshong/webproxy/internal/resolver"
	"github.com/vshong/webproxy/internal/stats"
)

const readBufferSize = 8 * 1024

// Deps bundles the shared components a Connection needs. It is built once
// by the server and handed to every worker; workers never mutate it.
type Deps struct {
	Policy   *policystore.Store
	Cache    *cache.Cache
	Stats    stats.Sink
	Resolver resolver.Resolver
	Logger   *slog.Logger

	// StatsHandler renders the JSON /stats admin document; nil disables it.
	StatsHandler func() ([]byte, bool)
	// MetricsHandler renders the Prometheus /metrics document; nil disables it.
	MetricsHandler func() ([]byte, bool, string)
}

// Connection is the transient, per-worker state for one client socket.
// It is created on accept and discarded when the worker exits.
type Connection struct {
	conn      net.Conn
	deps      *Deps
	requestID string
	clientIP  string
}

// New creates a Connection for a freshly accepted socket.
func New(conn net.Conn, deps *Deps) *Connection {
	clientIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	return &Connection{
		conn:      conn,
		deps:      deps,
		requestID: uuid.NewString(),
		clientIP:  clientIP,
	}
}

// Serve runs the connection to completion: read, classify, dispatch, close.
// It never lets an error escape; every failure results in a best-effort
// response to the client and the connection being closed.
func (c *Connection) Serve(ctx context.Context) {
	defer c.conn.Close()

	buf := make([]byte, readBufferSize)
	n, err := c.conn.Read(buf)
	if err != nil || n <= 0 {
		return
	}
	buf = buf[:n]

	switch {
	case bytes.HasPrefix(buf, []byte("GET /stats")):
		c.serveStats()
	case bytes.HasPrefix(buf, []byte("GET /metrics")):
		c.serveMetrics()
	case bytes.HasPrefix(buf, []byte("CONNECT ")):
		c.serveConnect(ctx, buf)
	default:
		c.serveFetch(ctx, buf)
	}
}

func (c *Connection) serveStats() {
	if c.deps.StatsHandler == nil {
		c.writeResponse(404, "Not Found", "text/plain", []byte("Stats not enabled"))
		return
	}
	body, ok := c.deps.StatsHandler()
	if !ok {
		c.writeResponse(404, "Not Found", "text/plain", []byte("Stats not enabled"))
		return
	}
	c.writeResponse(200, "OK", "application/json", body)
}

func (c *Connection) serveMetrics() {
	if c.deps.MetricsHandler == nil {
		c.writeResponse(404, "Not Found", "text/plain", []byte("Stats not enabled"))
		return
	}
	body, ok, contentType := c.deps.MetricsHandler()
	if !ok {
		c.writeResponse(404, "Not Found", "text/plain", []byte("Stats not enabled"))
		return
	}
	c.writeResponse(200, "OK", contentType, body)
}

// serveConnect parses a CONNECT request line, authorizes the target host
// against policy, and if allowed opens a tunnel to it.
func (c *Connection) serveConnect(ctx context.Context, buf []byte) {
	line, _, _ := bytes.Cut(buf, []byte("\r\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Malformed CONNECT request"))
		return
	}
	target := fields[1]
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
	}

	snap := c.deps.Policy.Current()
	if snap.IsBlocked(host) {
		c.deps.Stats.RecordBlocked()
		logging.LogRequest(c.deps.Logger, c.requestID, c.clientIP, host, logging.StatusBlockedHTTPS, 0)
		c.writeResponse(403, "Forbidden", "text/html", []byte("<h3>Access Denied</h3>"))
		return
	}

	start := time.Now()
	origin, err := c.dial(ctx, host, port)
	if err != nil {
		c.deps.Stats.RecordError()
		c.deps.Logger.Error("connect failed", "request_id", c.requestID, "host", host, "error", err)
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Failed to connect to remote host"))
		return
	}
	defer origin.Close()

	if _, err := c.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	logging.LogRequest(c.deps.Logger, c.requestID, c.clientIP, host, logging.StatusHTTPSTunnel, 0)
	tunnel(c.conn, origin, snap.ConnectionTimeout)
	c.deps.Stats.RecordTime(host, time.Since(start).Milliseconds())
}

// serveFetch parses a plain HTTP request, authorizes the Host header against
// policy, serves a fresh cache hit if one exists, and otherwise fetches the
// response from the origin and caches it before replying.
func (c *Connection) serveFetch(ctx context.Context, buf []byte) {
	reader := bufio.NewReader(bytes.NewReader(buf))
	line, err := reader.ReadString('\n')
	if err != nil {
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Malformed request"))
		return
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Malformed request"))
		return
	}
	method, target := fields[0], fields[1]

	host := extractHostHeader(reader)
	if host == "" {
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("No Host header found"))
		return
	}
	path := extractPath(target)

	snap := c.deps.Policy.Current()
	if snap.IsBlocked(host) {
		c.deps.Stats.RecordBlocked()
		logging.LogRequest(c.deps.Logger, c.requestID, c.clientIP, host, logging.StatusBlockedHTTP, 0)
		c.writeResponse(403, "Forbidden", "text/html", []byte("<h3>Access Denied</h3>"))
		return
	}

	if payload, hit := c.deps.Cache.Get(host); hit {
		c.conn.Write(payload)
		c.deps.Stats.RecordRequest(host, c.clientIP)
		c.deps.Stats.RecordCached()
		c.deps.Stats.RecordBytes(host, int64(len(payload)), 0)
		logging.LogRequest(c.deps.Logger, c.requestID, c.clientIP, host, logging.StatusCached, int64(len(payload)))
		return
	}

	start := time.Now()
	origin, err := c.dial(ctx, host, "80")
	if err != nil {
		c.deps.Stats.RecordError()
		c.deps.Logger.Error("connect failed", "request_id", c.requestID, "host", host, "error", err)
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Failed to connect to remote host"))
		return
	}
	defer origin.Close()

	outbound := fmt.Sprintf("%s %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", method, path, host)
	if _, err := origin.Write([]byte(outbound)); err != nil {
		c.deps.Stats.RecordError()
		c.deps.Logger.Error("origin send failed", "request_id", c.requestID, "host", host, "error", err)
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Failed to reach remote host"))
		return
	}

	response, err := io.ReadAll(origin)
	if err != nil && len(response) == 0 {
		c.deps.Stats.RecordError()
		c.deps.Logger.Error("origin read failed", "request_id", c.requestID, "host", host, "error", err)
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Empty response from server"))
		return
	}
	if len(response) == 0 {
		c.deps.Stats.RecordError()
		c.deps.Logger.Error("origin returned empty response", "request_id", c.requestID, "host", host)
		c.writeResponse(500, "Internal Server Error", "text/plain", []byte("Empty response from server"))
		return
	}

	c.deps.Cache.Put(host, response, snap.CacheTTL)
	c.conn.Write(response)

	elapsed := time.Since(start).Milliseconds()
	c.deps.Stats.RecordRequest(host, c.clientIP)
	c.deps.Stats.RecordBytes(host, int64(len(response)), int64(len(buf)))
	c.deps.Stats.RecordTime(host, elapsed)
	logging.LogRequest(c.deps.Logger, c.requestID, c.clientIP, host, logging.StatusFetched, int64(len(response)))
}

func (c *Connection) dial(ctx context.Context, host, port string) (net.Conn, error) {
	addrs, err := c.deps.Resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("pipeline: resolve %q: %w", host, err)
	}
	dialer := net.Dialer{}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(addrs[0], port))
}

func (c *Connection) writeResponse(code int, reason, contentType string, body []byte) {
	fmt.Fprintf(c.conn, "HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		code, reason, contentType, len(body))
	c.conn.Write(body)
}

// extractHostHeader scans headers for "Host:", case-insensitively, and
// returns its trimmed value, or "" if absent.
func extractHostHeader(reader *bufio.Reader) string {
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				return ""
			}
			continue
		}
		if colonIdx := strings.IndexByte(trimmed, ':'); colonIdx > 0 {
			key := strings.ToLower(strings.TrimSpace(trimmed[:colonIdx]))
			if key == "host" {
				return strings.TrimSpace(trimmed[colonIdx+1:])
			}
		}
		if err != nil {
			return ""
		}
	}
}

// extractPath returns the absolute path portion of a request target. An
// absolute-URI target has its scheme and authority stripped; anything that
// fails to parse falls back to "/".
func extractPath(target string) string {
	if strings.HasPrefix(target, "http://") {
		rest := target[len("http://"):]
		if idx := strings.IndexByte(rest, '/'); idx != -1 {
			return rest[idx:]
		}
		return "/"
	}
	if target == "" {
		return "/"
	}
	return target
}

// tunnel relays bytes opaquely between client and origin until either side
// closes, errors, or the idle timeout elapses. Neither side is parsed.
func tunnel(client, origin net.Conn, timeout time.Duration) {
	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, readBufferSize)
		for {
			src.SetReadDeadline(time.Now().Add(timeout))
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	go relay(origin, client)
	go relay(client, origin)
	<-done
	client.Close()
	origin.Close()
	<-done
}
