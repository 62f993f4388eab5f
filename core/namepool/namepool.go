// Package namepool allocates agent display names in batches, the way
// engine/loader discovers agents from disk in batches rather than one at a
// time. A Pool is a single actor: all state is private and mutex-guarded.
package namepool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentinelName is never checked out or checked in — it is reserved for
// sessions that have not yet been assigned a generated name.
const SentinelName = "Fnord Prefect"

// Generator produces a fresh batch of candidate names. Production callers
// back this with an LLM call or a static word-list; tests can supply a
// deterministic stub.
type Generator interface {
	GenerateNames(ctx context.Context, n int) ([]string, error)
}

// Pool allocates and tracks agent display names.
type Pool struct {
	mu         sync.Mutex
	gen        Generator
	chunkSize  int
	chunkWait  time.Duration
	free       []string
	assigned   map[string]string // name -> pid
	byPid      map[string]string // pid -> name
	used       map[string]bool   // names ever handed out, for uniqueness checks
}

// New creates a name pool. chunkSize is the batch size requested from gen
// whenever the free list is empty; chunkSize <= 0 selects a batch size of 1
// (the pool has no notion of a worker count). chunkWait bounds
// how long a single allocation call may take.
func New(gen Generator, chunkSize int, chunkWait time.Duration) *Pool {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if chunkWait <= 0 {
		chunkWait = 30 * time.Second
	}
	return &Pool{
		gen:       gen,
		chunkSize: chunkSize,
		chunkWait: chunkWait,
		assigned:  make(map[string]string),
		byPid:     make(map[string]string),
		used:      make(map[string]bool),
	}
}

// ErrAllocationTimeout is returned when a chunk allocation does not complete
// within the configured timeout.
var ErrAllocationTimeout = fmt.Errorf("namepool: chunk allocation timed out")

// Checkout returns an unused name, allocating a new chunk via the generator
// if the free list is empty.
func (p *Pool) Checkout(ctx context.Context) (string, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		if err := p.allocateChunk(ctx); err != nil {
			return "", err
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return "", fmt.Errorf("namepool: generator produced no names")
	}
	name := p.free[0]
	p.free = p.free[1:]
	return name, nil
}

// allocateChunk requests a new batch of names from the generator, bounded by
// chunkWait. On timeout, the in-flight call is abandoned (the generator call
// runs to completion in its own goroutine but its result is discarded) and
// the caller receives ErrAllocationTimeout.
func (p *Pool) allocateChunk(ctx context.Context) error {
	type result struct {
		names []string
		err   error
	}
	resCh := make(chan result, 1)

	genCtx, cancel := context.WithTimeout(ctx, p.chunkWait)
	defer cancel()

	go func() {
		names, err := p.gen.GenerateNames(genCtx, p.chunkSize)
		resCh <- result{names: names, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return fmt.Errorf("namepool: generating names: %w", r.err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, n := range r.names {
			if n == SentinelName || p.used[n] {
				continue
			}
			p.used[n] = true
			p.free = append(p.free, n)
		}
		return nil
	case <-genCtx.Done():
		return ErrAllocationTimeout
	}
}

// Checkin returns a name to the free list. The sentinel name is a no-op.
func (p *Pool) Checkin(name string) {
	if name == SentinelName {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if pid, ok := p.assigned[name]; ok {
		delete(p.assigned, name)
		delete(p.byPid, pid)
	}
	p.free = append(p.free, name)
}

// Associate binds a name to a specific worker task (pid), so a later
// GetNameByPid recovers it.
func (p *Pool) Associate(name, pid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assigned[name] = pid
	p.byPid[pid] = name
}

// GetNameByPid recovers the name bound to pid, if any.
func (p *Pool) GetNameByPid(pid string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.byPid[pid]
	return name, ok
}

// FreeCount returns the number of immediately available names, for tests and
// diagnostics.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
