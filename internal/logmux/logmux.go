// Package logmux merges the captured output of all managed processes into a
// single ordered stream. Producers never block and lines are never dropped;
// back-pressure applies only to the reader.
package logmux

import (
	"sync"
	"time"
)

// Stream identifies which pipe a line was read from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Line is one captured output line from a managed process.
type Line struct {
	Source string    `json:"source"`
	Stream string    `json:"stream"`
	At     time.Time `json:"at"`
	Text   string    `json:"text"`
}

// Aggregator is an unbounded FIFO of Lines. Publish appends without blocking;
// Next blocks until a line is available or the aggregator is closed.
type Aggregator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Line
	closed bool
}

func New() *Aggregator {
	a := &Aggregator{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Publish appends a line in arrival order. It never blocks and never drops,
// even under burst load. Publishing after Close is a no-op.
func (a *Aggregator) Publish(l Line) {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	a.mu.Lock()
	if !a.closed {
		a.queue = append(a.queue, l)
		a.cond.Signal()
	}
	a.mu.Unlock()
}

// Next returns the oldest pending line. The second result is false once the
// aggregator is closed and drained.
func (a *Aggregator) Next() (Line, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) == 0 && !a.closed {
		a.cond.Wait()
	}
	if len(a.queue) == 0 {
		return Line{}, false
	}
	l := a.queue[0]
	a.queue = a.queue[1:]
	return l, true
}

// Pending reports how many lines are buffered but not yet read.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close wakes all readers. Lines already queued can still be drained.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
}
