// Package cq implements the bounded, ordered completion queue consumed
// by the application. Posting beyond the configured depth is a hard
// backpressure signal, never a silent drop: the producer sees QueueFull
// and must stall further signaled work until the consumer polls.
package cq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/piwi3910/softrdma/pkg/verbs"
)

// DefaultDepth is the default completion queue depth.
const DefaultDepth = 256

// CQ is a fixed-depth ring of work completions, single producer (the
// queue pair state machine) and single consumer (the application).
type CQ struct {
	mu    sync.Mutex
	buf   []verbs.WorkCompletion
	head  int
	count int

	stats cqStats
}

type cqStats struct {
	posted    atomic.Int64
	polled    atomic.Int64
	overflows atomic.Int64
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Depth     int   `json:"depth"`
	Len       int   `json:"len"`
	Posted    int64 `json:"posted"`
	Polled    int64 `json:"polled"`
	Overflows int64 `json:"overflows"`
}

// New creates a completion queue. Depth zero selects the default.
func New(depth int) (*CQ, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative CQ depth %d", verbs.ErrInvalidParam, depth)
	}

	if depth == 0 {
		depth = DefaultDepth
	}

	return &CQ{buf: make([]verbs.WorkCompletion, depth)}, nil
}

// Depth returns the configured capacity.
func (c *CQ) Depth() int {
	return len(c.buf)
}

// Len returns the number of completions awaiting the consumer.
func (c *CQ) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// Post appends one completion record. A full queue returns QueueFull
// and records the overflow; the record is not enqueued and the caller
// must hold it back rather than drop it.
func (c *CQ) Post(wc verbs.WorkCompletion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == len(c.buf) {
		c.stats.overflows.Add(1)
		return fmt.Errorf("%w: completion queue at depth %d", verbs.ErrQueueFull, len(c.buf))
	}

	c.buf[(c.head+c.count)%len(c.buf)] = wc
	c.count++
	c.stats.posted.Add(1)

	return nil
}

// Poll removes and returns up to max oldest completions in arrival
// order. It never blocks; an empty queue returns an empty slice.
func (c *CQ) Poll(max int) []verbs.WorkCompletion {
	if max <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := max
	if n > c.count {
		n = c.count
	}

	if n == 0 {
		return nil
	}

	out := make([]verbs.WorkCompletion, n)
	for i := 0; i < n; i++ {
		out[i] = c.buf[(c.head+i)%len(c.buf)]
	}

	c.head = (c.head + n) % len(c.buf)
	c.count -= n
	c.stats.polled.Add(int64(n))

	return out
}

// Snapshot returns current queue counters.
func (c *CQ) Snapshot() Stats {
	c.mu.Lock()
	count := c.count
	c.mu.Unlock()

	return Stats{
		Depth:     len(c.buf),
		Len:       count,
		Posted:    c.stats.posted.Load(),
		Polled:    c.stats.polled.Load(),
		Overflows: c.stats.overflows.Load(),
	}
}
