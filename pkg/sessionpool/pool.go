// Package sessionpool shares a single upstream.Session per workspace across
// concurrent callers, reference-counted so the upstream subprocess is torn
// down exactly when the last caller releases it.
package sessionpool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/loomwork/conductor/internal/metrics"
	"github.com/loomwork/conductor/pkg/upstream"
)

type entry struct {
	session  *upstream.Session
	refcount int
}

// Pool is a process-wide registry of {workspace -> upstream session}. The
// zero value is usable; Default() returns the process singleton most
// callers want.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	metrics *metrics.Metrics
}

// New returns an independent pool, mainly useful in tests that want
// isolation from the process singleton.
func New() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// SetMetrics attaches a Metrics instance that Acquire/Release report
// against. A nil Pool.metrics (the default) makes every recording call a
// no-op.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

var (
	defaultMu   sync.Mutex
	defaultPool = New()
)

// Default returns the process-wide singleton pool.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultPool
}

// Reset discards the process-wide singleton's state without closing its
// sessions, for test isolation between cases that don't share a workspace.
// Tests that need a clean slate should prefer a fresh New() pool; Reset
// exists for the handful of tests that exercise Default() directly.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPool = New()
}

// Acquire returns the shared session for workspace, starting one via start
// if none exists yet. If the caller demands agent mode and the cached
// session was not prepared for it, Acquire escalates it in place before
// handing it back. Upstream startup happens outside the pool lock; if a
// race starts two sessions for the same workspace, the loser is discarded
// and its subprocess is torn down.
func (p *Pool) Acquire(ctx context.Context, workspace string, agentMode bool, start func(ctx context.Context, agentMode bool) (*upstream.Session, error)) (*upstream.Session, error) {
	key, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("sessionpool: resolve workspace: %w", err)
	}

	p.mu.Lock()
	if e, ok := p.entriesOrInit()[key]; ok {
		e.refcount++
		m := p.metrics
		p.mu.Unlock()
		if agentMode {
			if err := e.session.EnsureAgentMode(ctx); err != nil {
				return nil, fmt.Errorf("sessionpool: escalate to agent mode: %w", err)
			}
		}
		m.RecordSessionAcquired(key)
		return e.session, nil
	}
	p.mu.Unlock()

	session, err := start(ctx, agentMode)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entriesOrInit()[key]; ok {
		// Another caller won the race while we were starting our own
		// session outside the lock. Discard ours.
		e.refcount++
		go func() { _ = session.Close(context.Background()) }()
		p.metrics.RecordSessionAcquired(key)
		return e.session, nil
	}
	p.entriesOrInit()[key] = &entry{session: session, refcount: 1}
	p.metrics.RecordSessionAcquired(key)
	return session, nil
}

// Release decrements the refcount for workspace. When it reaches zero the
// upstream subprocess is closed and the entry is removed. Calling Release
// for a workspace with no tracked entry is a no-op.
func (p *Pool) Release(ctx context.Context, workspace string) error {
	key, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("sessionpool: resolve workspace: %w", err)
	}

	p.mu.Lock()
	e, ok := p.entriesOrInit()[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	e.refcount--
	last := e.refcount <= 0
	if last {
		delete(p.entriesOrInit(), key)
	}
	m := p.metrics
	p.mu.Unlock()

	m.RecordSessionReleased(key)

	if last {
		return e.session.Close(ctx)
	}
	return nil
}

// Exclusive starts a non-pooled session: semantically an Acquire plus an
// immediate sole ownership, so its Close is equivalent to a full shutdown
// rather than a decrement.
func Exclusive(ctx context.Context, start func(ctx context.Context) (*upstream.Session, error)) (*upstream.Session, error) {
	return start(ctx)
}

// Len reports the number of distinct workspaces currently tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entriesOrInit())
}

func (p *Pool) entriesOrInit() map[string]*entry {
	if p.entries == nil {
		p.entries = make(map[string]*entry)
	}
	return p.entries
}
