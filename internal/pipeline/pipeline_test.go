package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vshong/webproxy/internal/cache"
	"github.com/vshong/webproxy/internal/logging"
	"github.com/vshong/webproxy/internal/policystore"
	"github.com/vshong/webproxy/internal/resolver"
	"github.com/vshong/webproxy/internal/stats"
)

func newTestDeps(t *testing.T, configBody string) (*Deps, *resolver.Stub) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(configBody), 0o644))

	store := policystore.New(path)
	_, err := store.LoadInitial()
	require.NoError(t, err)

	stub := resolver.NewStub()
	deps := &Deps{
		Policy:   store,
		Cache:    cache.New(store.Current().CacheLimit, store.Current().MaxCacheSizeBytes, store.Current().CacheTTL),
		Stats:    stats.New(),
		Resolver: stub,
		Logger:   logging.New("ERROR"),
	}
	return deps, stub
}

func dialProxy(t *testing.T, deps *Deps) (client net.Conn, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go New(conn, deps).Serve(context.Background())
		}
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return c, func() { ln.Close(); c.Close() }
}

// TestFetchCacheHitSkipsOrigin serves a request for an already-cached host
// straight from the cache, byte for byte, without dialing the origin at
// all. The genuine cache-miss path dials the origin on port 80, which isn't
// exercised here since it needs a listener bound to that privileged port.
func TestFetchCacheHitSkipsOrigin(t *testing.T) {
	deps, stub := newTestDeps(t, "PORT=18080\nCACHE_LIMIT=10\nCACHE_TTL=60\n")
	originResp := []byte("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nOK")
	stub.Set("example.test", "127.0.0.1")

	deps.Cache.Put("example.test", originResp, 60*time.Second)

	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n")
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, string(originResp), string(buf[:n]))
}

func TestFetchMissingHostHeader(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\n")
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "500")
}

// TestBlockedHostHTTP denies a plain HTTP request for a blocked host with a
// 403 response instead of fetching it.
func TestBlockedHostHTTP(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\nBLOCK=evil.test\n")
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: evil.test\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "403")
}

func TestBlockedHostHTTPS(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\nBLOCK=evil.test\n")
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "CONNECT evil.test:443 HTTP/1.1\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "403")
}

func TestMalformedConnectRequest(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\n")
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "CONNECT\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "500")
}

// TestConnectTunnel round-trips bytes verbatim through an established
// CONNECT tunnel.
func TestConnectTunnel(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	deps, stub := newTestDeps(t, "PORT=18080\nCONNECTION_TIMEOUT=5\n")
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())
	stub.Set("secure.test", "127.0.0.1")

	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "CONNECT secure.test:%s HTTP/1.1\r\n\r\n", port)
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")
	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	echoed := make([]byte, 4)
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))
}

func TestStatsEndpointDisabledByDefault(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\n")
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "GET /stats HTTP/1.1\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "404")
}

func TestStatsEndpointEnabled(t *testing.T) {
	deps, _ := newTestDeps(t, "PORT=18080\n")
	deps.StatsHandler = func() ([]byte, bool) {
		body, _ := deps.Stats.JSON()
		return body, true
	}
	client, stop := dialProxy(t, deps)
	defer stop()

	fmt.Fprintf(client, "GET /stats HTTP/1.1\r\n\r\n")
	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")
}
