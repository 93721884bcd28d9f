package scheduler

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRunsInDeadlineOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(clock, nil)

	var order []int
	q.Post(30*time.Millisecond, 0, func() { order = append(order, 3) })
	q.Post(10*time.Millisecond, 0, func() { order = append(order, 1) })
	q.Post(20*time.Millisecond, 0, func() { order = append(order, 2) })

	clock.now = clock.now.Add(50 * time.Millisecond)
	q.RunDue()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("ran in order %v", order)
	}
}

func TestEqualDeadlinesRunInPostOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(clock, nil)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Post(time.Millisecond, 0, func() { order = append(order, i) })
	}
	clock.now = clock.now.Add(time.Millisecond)
	q.RunDue()

	for i, got := range order {
		if got != i {
			t.Fatalf("post order not preserved: %v", order)
		}
	}
}

func TestStaleStampDropped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	current := uint32(1)
	q := New(clock, func(stamp uint32) bool { return stamp == current })

	ran := 0
	q.Post(time.Millisecond, 1, func() { ran++ })
	q.Post(time.Millisecond, 1, func() { ran++ })

	current = 2 // cancel

	clock.now = clock.now.Add(10 * time.Millisecond)
	if n := q.RunDue(); n != 0 {
		t.Errorf("RunDue ran %d stale items", n)
	}
	if ran != 0 {
		t.Errorf("stale work ran %d times", ran)
	}
	if q.Len() != 0 {
		t.Errorf("stale items should be discarded, %d left", q.Len())
	}
}

func TestRepostedWorkRunsInSameDrainWhenDue(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(clock, nil)

	ran := 0
	var tick func()
	tick = func() {
		ran++
		if ran < 3 {
			q.Post(0, 0, tick)
		}
	}
	q.Post(time.Millisecond, 0, tick)

	clock.now = clock.now.Add(time.Millisecond)
	q.RunDue()
	if ran != 3 {
		t.Errorf("reposted due work should drain, ran %d times", ran)
	}
}

func TestFutureWorkWaits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(clock, nil)

	ran := false
	q.Post(time.Second, 0, func() { ran = true })
	q.RunDue()
	if ran {
		t.Error("future work must not run early")
	}
	if due, ok := q.NextDue(); !ok || !due.Equal(clock.now.Add(time.Second)) {
		t.Errorf("NextDue = %v, %v", due, ok)
	}
}
