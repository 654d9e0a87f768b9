package infra

import (
	"context"
	"sync"
)

// FetchGroup coalesces identical in-flight fetches. Paraminfo lookups for
// the same module batch race freely across goroutines; letting only one hit
// the network and sharing its result keeps the cache population idempotent
// without a global lock around the fetch.
type FetchGroup struct {
	mu       sync.Mutex
	inflight map[string]*inflightFetch
}

type inflightFetch struct {
	done   chan struct{}
	result any
	err    error
}

// NewFetchGroup creates an empty group.
func NewFetchGroup() *FetchGroup {
	return &FetchGroup{inflight: make(map[string]*inflightFetch)}
}

// Do runs fn unless a fetch with the same key is already in flight, in which
// case it waits for that fetch and shares its result. The bool reports
// whether the result was shared.
func (g *FetchGroup) Do(ctx context.Context, key string, fn func() (any, error)) (any, bool, error) {
	g.mu.Lock()
	if f, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-f.done:
			return f.result, true, f.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f := &inflightFetch{done: make(chan struct{})}
	g.inflight[key] = f
	g.mu.Unlock()

	f.result, f.err = fn()
	close(f.done)

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()

	return f.result, false, f.err
}

// Inflight reports the number of fetches currently in progress.
func (g *FetchGroup) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
