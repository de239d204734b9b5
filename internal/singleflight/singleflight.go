// Package singleflight collapses concurrent calls that share a key into one
// execution whose result every caller receives.
package singleflight

import "sync"

// Group holds the in-flight calls. The zero value is not usable; call New.
type Group[V any] struct {
	mu sync.Mutex
	m  map[string]*call[V]
}

// Result is what DoChan delivers.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

type call[V any] struct {
	wg    sync.WaitGroup
	val   V
	err   error
	dups  int
	chans []chan Result[V]
}

// New creates an empty Group.
func New[V any]() *Group[V] {
	return &Group[V]{m: make(map[string]*call[V])}
}

// Do runs fn once per key at a time. Callers arriving while fn is running
// block and receive its result with shared=true. The key is forgotten as
// soon as fn returns, so later callers trigger a fresh execution.
func (g *Group[V]) Do(key string, fn func() (V, error)) (val V, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := &call[V]{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	defer func() { shared = g.finish(key, c) }()

	c.val, c.err = fn()
	return c.val, c.err, false
}

// DoChan is like Do but runs fn in its own goroutine and delivers the
// result on the returned channel, so a caller may stop waiting without
// affecting the others. owner is true for the caller that started fn.
func (g *Group[V]) DoChan(key string, fn func() (V, error)) (ch <-chan Result[V], owner bool) {
	res := make(chan Result[V], 1)

	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		c.chans = append(c.chans, res)
		g.mu.Unlock()
		return res, false
	}

	c := &call[V]{chans: []chan Result[V]{res}}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		defer g.finish(key, c)
		c.val, c.err = fn()
	}()
	return res, true
}

// finish forgets key, releases Do waiters and feeds DoChan receivers.
func (g *Group[V]) finish(key string, c *call[V]) (shared bool) {
	g.mu.Lock()
	shared = c.dups > 0
	if g.m[key] == c {
		delete(g.m, key)
	}
	chans := c.chans
	g.mu.Unlock()

	c.wg.Done()
	for _, ch := range chans {
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: shared}
	}
	return shared
}

// InFlight reports how many keys are currently executing.
func (g *Group[V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
