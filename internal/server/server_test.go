package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vshong/webproxy/internal/cache"
	"github.com/vshong/webproxy/internal/logging"
	"github.com/vshong/webproxy/internal/pipeline"
	"github.com/vshong/webproxy/internal/policystore"
	"github.com/vshong/webproxy/internal/resolver"
	"github.com/vshong/webproxy/internal/stats"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T, configBody string) (*Server, *policystore.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(configBody), 0o644))

	store := policystore.New(path)
	_, err := store.LoadInitial()
	require.NoError(t, err)

	snap := store.Current()
	c := cache.New(snap.CacheLimit, snap.MaxCacheSizeBytes, snap.CacheTTL)
	sink := stats.New()
	deps := &pipeline.Deps{
		Policy:   store,
		Cache:    c,
		Stats:    sink,
		Resolver: resolver.NewStub(),
		Logger:   logging.New("ERROR"),
	}
	srv := New(store, c, sink, deps, logging.New("ERROR"))
	return srv, store
}

// TestConnectionGateSizedFromPolicy mirrors invariant 5's precondition: the
// gate's capacity is exactly max_connections from the loaded policy.
func TestConnectionGateSizedFromPolicy(t *testing.T) {
	port := freePort(t)
	srv, _ := newTestServer(t, fmt.Sprintf("PORT=%d\nMAX_CONNECTIONS=2\n", port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(2), srv.capacity)
}

// TestConnectionGateThrottlesConcurrentWorkers mirrors invariant 5 directly:
// a capacity-1 gate never grants a second concurrent permit while the first
// is held.
func TestConnectionGateThrottlesConcurrentWorkers(t *testing.T) {
	port := freePort(t)
	srv, _ := newTestServer(t, fmt.Sprintf("PORT=%d\nMAX_CONNECTIONS=1\n", port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.True(t, srv.gate.TryAcquire(1), "gate should start with a free permit")
	assert.False(t, srv.gate.TryAcquire(1), "a capacity-1 gate must refuse a second concurrent permit")
	srv.gate.Release(1)
}

func TestOnPolicyChangePushesCapsIntoCache(t *testing.T) {
	port := freePort(t)
	srv, store := newTestServer(t, fmt.Sprintf("PORT=%d\nCACHE_LIMIT=5\nMAX_CACHE_SIZE_MB=1\nCACHE_TTL=10\n", port))

	srv.Cache.Put("a", []byte("1"), 0)
	srv.Cache.Put("b", []byte("1"), 0)
	srv.Cache.Put("c", []byte("1"), 0)

	next := *store.Current()
	next.CacheLimit = 1
	srv.onPolicyChange(&next)

	assert.Equal(t, 1, srv.Cache.Len())
}
