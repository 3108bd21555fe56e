// Package server implements the proxy's accept loop: listen, throttle
// concurrent connections, dispatch to the request pipeline, and coordinate
// the background policy-watch and cache-sweep tasks with a clean shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vshong/webproxy/internal/cache"
	"github.com/vshong/webproxy/internal/pipeline"
	"github.com/vshong/webproxy/internal/policystore"
	"github.com/vshong/webproxy/internal/stats"
)

const cacheSweepInterval = 300 * time.Second

// Server owns the listener and the components shared by every worker.
type Server struct {
	Policy *policystore.Store
	Cache  *cache.Cache
	Stats  stats.Sink
	Deps   *pipeline.Deps
	Logger *slog.Logger

	listener net.Listener
	gate     *semaphore.Weighted
	capacity int64
}

// New builds a Server from the given components. deps is handed to every
// worker unchanged and is not read here; its Policy, Cache and Stats are
// expected to be the same components passed as policy, c and sink.
func New(policy *policystore.Store, c *cache.Cache, sink stats.Sink, deps *pipeline.Deps, logger *slog.Logger) *Server {
	return &Server{
		Policy: policy,
		Cache:  c,
		Stats:  sink,
		Deps:   deps,
		Logger: logger,
	}
}

// Run listens on the current policy's port and serves connections until ctx
// is cancelled. It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	snap := s.Policy.Current()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", snap.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", snap.Port, err)
	}
	s.listener = ln
	s.capacity = int64(snap.MaxConnections)
	s.gate = semaphore.NewWeighted(s.capacity)

	s.Logger.Info("proxy listening", "port", snap.Port, "max_connections", snap.MaxConnections)

	go s.Policy.Watch(ctx, s.onPolicyChange)
	go s.sweepCache(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Logger.Warn("accept failed", "error", err)
				continue
			}
		}
		go s.serve(ctx, conn)
	}
}

// serve acquires a permit from the connection gate, blocking (queueing) if
// max_connections workers are already active, then runs the pipeline.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		conn.Close()
		return
	}
	defer s.gate.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("worker panic", "recovered", r)
		}
	}()

	pipeline.New(conn, s.Deps).Serve(ctx)
}

// onPolicyChange pushes the reloaded cache caps from a policy snapshot into
// the running cache.
func (s *Server) onPolicyChange(snap *policystore.Snapshot) {
	s.Cache.SetMaxEntries(snap.CacheLimit)
	s.Cache.SetMaxSize(snap.MaxCacheSizeBytes)
	s.Cache.SetDefaultTTL(snap.CacheTTL)
	s.Logger.Info("policy reloaded",
		"port", snap.Port,
		"cache_limit", snap.CacheLimit,
		"max_connections", snap.MaxConnections,
	)
}

// sweepCache periodically evicts expired entries in the background so a
// cold cache doesn't accumulate stale entries between accesses.
func (s *Server) sweepCache(ctx context.Context) {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Cache.CleanupExpired()
			if removed > 0 {
				s.Logger.Debug("cache sweep", "removed", removed)
			}
		}
	}
}
