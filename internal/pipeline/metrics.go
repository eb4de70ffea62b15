package pipeline

import "sync/atomic"

// Metrics receives the worker pool events
type Metrics interface {
	// Enqueued is called when a task starts waiting for an OCR slot
	Enqueued()
	// Acquired is called when a waiting task gets its slot
	Acquired()
	// Released is called when a task gives its slot back
	Released()
	// Dequeued is called when a task stops waiting without a slot
	Dequeued()
	Processed()
	Failed()

	Inflight() int64
	QueueDepth() int64
	Errors() int64
	ProcessedCount() int64
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Inflight    int64 `json:"inflight"`
	MaxInflight int64 `json:"max_inflight"`
	QueueDepth  int64 `json:"queue_depth"`
	Errors      int64 `json:"errors"`
	Processed   int64 `json:"processed"`
}

// Counters implements Metrics with atomics
type Counters struct {
	inflight    atomic.Int64
	maxInflight atomic.Int64
	queue       atomic.Int64
	errors      atomic.Int64
	processed   atomic.Int64
}

// NewCounters creates zeroed counters
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) Enqueued() { c.queue.Add(1) }

func (c *Counters) Acquired() {
	c.queue.Add(-1)
	n := c.inflight.Add(1)
	for {
		cur := c.maxInflight.Load()
		if n <= cur || c.maxInflight.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *Counters) Released()  { c.inflight.Add(-1) }
func (c *Counters) Dequeued()  { c.queue.Add(-1) }
func (c *Counters) Processed() { c.processed.Add(1) }
func (c *Counters) Failed()    { c.errors.Add(1) }

func (c *Counters) Inflight() int64       { return c.inflight.Load() }
func (c *Counters) MaxInflight() int64    { return c.maxInflight.Load() }
func (c *Counters) QueueDepth() int64     { return c.queue.Load() }
func (c *Counters) Errors() int64         { return c.errors.Load() }
func (c *Counters) ProcessedCount() int64 { return c.processed.Load() }

// Snapshot copies the current values
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Inflight:    c.Inflight(),
		MaxInflight: c.MaxInflight(),
		QueueDepth:  c.QueueDepth(),
		Errors:      c.Errors(),
		Processed:   c.ProcessedCount(),
	}
}
