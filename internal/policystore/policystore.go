// Package policystore holds the proxy's mutable configuration: numeric
// limits, log level, stats toggle, and the blocklist/whitelist. Readers get
// an immutable Snapshot; the Store swaps the active snapshot atomically so a
// reader never observes a mix of the old and new configuration.
package policystore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	LogDebug = "DEBUG"
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

const mbytes = 1 << 20

// Snapshot is an immutable point-in-time view of the policy configuration.
// Once published, a Snapshot's fields are never mutated; a reload produces a
// new Snapshot and swaps the pointer.
type Snapshot struct {
	Port              int
	CacheLimit        int
	CacheTTL          time.Duration
	MaxCacheSizeBytes int64
	ConnectionTimeout time.Duration
	MaxConnections    int
	LogLevel          string
	StatsEnabled      bool
	Blocked           map[string]struct{}
	Whitelisted       map[string]struct{}
}

func defaultSnapshot() *Snapshot {
	return &Snapshot{
		Port:              8080,
		CacheLimit:        100,
		CacheTTL:          3600 * time.Second,
		MaxCacheSizeBytes: 100 * mbytes,
		ConnectionTimeout: 30 * time.Second,
		MaxConnections:    100,
		LogLevel:          LogInfo,
		StatsEnabled:      true,
		Blocked:           map[string]struct{}{},
		Whitelisted:       map[string]struct{}{},
	}
}

// IsBlocked reports whether host is denied under this snapshot: a non-empty
// whitelist overrides the blocklist for hosts it names.
func (s *Snapshot) IsBlocked(host string) bool {
	if len(s.Whitelisted) > 0 {
		if _, ok := s.Whitelisted[host]; ok {
			return false
		}
	}
	_, blocked := s.Blocked[host]
	return blocked
}

// Store owns the current Snapshot and the file it was loaded from.
type Store struct {
	path string

	snapshot atomic.Pointer[Snapshot]

	reloadMu sync.Mutex // serializes concurrent poll/fsnotify reload attempts
	mtime    time.Time
}

// New returns a Store with no snapshot loaded yet; call LoadInitial before
// Current is used in anger (Current falls back to defaults until then).
func New(path string) *Store {
	s := &Store{path: path}
	s.snapshot.Store(defaultSnapshot())
	return s
}

// Current returns the active snapshot. It never blocks on I/O.
func (s *Store) Current() *Snapshot {
	return s.snapshot.Load()
}

// IsBlocked consults the current snapshot.
func (s *Store) IsBlocked(host string) bool {
	return s.Current().IsBlocked(host)
}

// LoadInitial performs the first load. Unlike a reload, a missing file here
// is treated as a startup failure.
func (s *Store) LoadInitial() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("policystore: config %q not found: %w", s.path, err)
	}
	snap, warnings, err := s.parse(defaultSnapshot())
	if err != nil {
		return warnings, err
	}
	s.snapshot.Store(snap)
	s.mtime = info.ModTime()
	return warnings, nil
}

// parse reads s.path line by line, building a new Snapshot seeded from base
// (so a key that's absent or malformed retains base's value for that field).
func (s *Store) parse(base *Snapshot) (*Snapshot, []string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("policystore: open %q: %w", s.path, err)
	}
	defer f.Close()

	next := &Snapshot{
		Port:              base.Port,
		CacheLimit:        base.CacheLimit,
		CacheTTL:          base.CacheTTL,
		MaxCacheSizeBytes: base.MaxCacheSizeBytes,
		ConnectionTimeout: base.ConnectionTimeout,
		MaxConnections:    base.MaxConnections,
		LogLevel:          base.LogLevel,
		StatsEnabled:      base.StatsEnabled,
		Blocked:           map[string]struct{}{},
		Whitelisted:       map[string]struct{}{},
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warn("malformed directive (no '='): %q", line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "PORT":
			n, err := parsePort(value)
			if err != nil {
				warn("PORT: %v, keeping %d", err, next.Port)
				continue
			}
			next.Port = n
		case "CACHE_LIMIT":
			n, err := parseNonNegativeInt(value)
			if err != nil {
				warn("CACHE_LIMIT: %v, keeping %d", err, next.CacheLimit)
				continue
			}
			next.CacheLimit = n
		case "CACHE_TTL":
			n, err := parseNonNegativeInt(value)
			if err != nil {
				warn("CACHE_TTL: %v, keeping %s", err, next.CacheTTL)
				continue
			}
			next.CacheTTL = time.Duration(n) * time.Second
		case "MAX_CACHE_SIZE_MB":
			n, err := parseNonNegativeInt(value)
			if err != nil {
				warn("MAX_CACHE_SIZE_MB: %v, keeping %d", err, next.MaxCacheSizeBytes)
				continue
			}
			next.MaxCacheSizeBytes = int64(n) * mbytes
		case "CONNECTION_TIMEOUT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				warn("CONNECTION_TIMEOUT: invalid value %q, keeping %s", value, next.ConnectionTimeout)
				continue
			}
			next.ConnectionTimeout = time.Duration(n) * time.Second
		case "MAX_CONNECTIONS":
			n, err := parsePositiveInt(value)
			if err != nil {
				warn("MAX_CONNECTIONS: %v, keeping %d", err, next.MaxConnections)
				continue
			}
			next.MaxConnections = n
		case "LOG_LEVEL":
			lvl := strings.ToUpper(value)
			switch lvl {
			case LogDebug, LogInfo, LogWarn, LogError:
				next.LogLevel = lvl
			default:
				warn("LOG_LEVEL: unrecognized %q, keeping %s", value, next.LogLevel)
			}
		case "ENABLE_STATS":
			next.StatsEnabled = isTruthy(value)
		case "BLOCK":
			if value != "" {
				next.Blocked[value] = struct{}{}
			}
		case "WHITELIST":
			if value != "" {
				next.Whitelisted[value] = struct{}{}
			}
		default:
			warn("unrecognized key %q, ignoring", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("policystore: scan %q: %w", s.path, err)
	}

	return next, warnings, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func parsePort(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("out of range 1..65535: %d", n)
	}
	return n, nil
}

func parseNonNegativeInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0: %d", n)
	}
	return n, nil
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1: %d", n)
	}
	return n, nil
}

// Watch begins polling s.path's mtime every ~2 seconds and, when available,
// also watches it with fsnotify for a faster reload. Either trigger calls
// tryReload, which is idempotent: a reload only takes effect if the
// on-disk mtime actually changed. onChange is invoked exactly once per
// successful reload, with the new snapshot. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(*Snapshot)) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	var errs chan error
	if err == nil {
		if watchErr := watcher.Add(s.path); watchErr == nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		defer watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryReload(onChange)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.tryReload(onChange)
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

func (s *Store) tryReload(onChange func(*Snapshot)) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(s.mtime) {
		return
	}

	snap, _, err := s.parse(s.Current())
	if err != nil {
		return
	}
	s.mtime = info.ModTime()
	s.snapshot.Store(snap)
	if onChange != nil {
		onChange(snap)
	}
}
