// Package scheduler provides the cooperative event queue the discovery
// engine and the heartbeat loop run on: a priority queue of
// (dueAt, stamp, work) items drained against a host-supplied clock. Work
// stamped with a stale generation is discarded instead of run, which is
// the only cancellation primitive the engine needs.
package scheduler

import (
	"container/heap"
	"time"
)

// Clock supplies the virtual monotonic time the retry windows are compared
// against. Production code uses Real; tests drive a fake.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

type item struct {
	due   time.Time
	stamp uint32
	seq   uint64 // tie-break so equal deadlines run in post order
	fn    func()
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a single-owner event queue. It is not safe for concurrent use;
// all posting and draining must happen from one loop.
type Queue struct {
	clock Clock
	// Live reports whether a stamp is still current. Items whose stamp
	// fails this check are dropped at drain time without running.
	live func(stamp uint32) bool
	h    itemHeap
	seq  uint64
}

// New builds a queue. live may be nil, in which case every item runs.
func New(clock Clock, live func(stamp uint32) bool) *Queue {
	return &Queue{clock: clock, live: live}
}

// Post schedules fn to run no earlier than delay from now, stamped with
// the caller's current generation.
func (q *Queue) Post(delay time.Duration, stamp uint32, fn func()) {
	q.seq++
	heap.Push(&q.h, &item{
		due:   q.clock.Now().Add(delay),
		stamp: stamp,
		seq:   q.seq,
		fn:    fn,
	})
}

// RunDue drains every item whose deadline has passed. Items posted by the
// work itself land back in the heap and run in the same drain if already
// due, matching the run-to-completion dispatch of the loop.
func (q *Queue) RunDue() int {
	ran := 0
	for q.h.Len() > 0 {
		next := q.h[0]
		if next.due.After(q.clock.Now()) {
			break
		}
		heap.Pop(&q.h)
		if q.live != nil && !q.live(next.stamp) {
			continue
		}
		next.fn()
		ran++
	}
	return ran
}

// NextDue reports the earliest pending deadline. ok is false when the
// queue is empty.
func (q *Queue) NextDue() (t time.Time, ok bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].due, true
}

// Len reports how many items are pending, stale ones included.
func (q *Queue) Len() int { return q.h.Len() }
