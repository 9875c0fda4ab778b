package sim

import (
	"container/heap"
	"math"
)

// Event is one scheduled callback.
type Event struct {
	at        float64
	seq       uint64
	fn        func()
	index     int
	cancelled bool
}

func (e *Event) At() float64 { return e.at }

// Cancel stops a pending event. Cancelling a fired event is a no-op.
func (e *Event) Cancel() { e.cancelled = true }

type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	e := x.(*Event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler is a discrete-event clock. Events at the same instant run in the
// order they were scheduled.
type Scheduler struct {
	now   float64
	seq   uint64
	queue eventQueue
	ran   uint64
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Now() float64 { return s.now }

// Schedule runs fn delay seconds from now. Negative delays run at now.
func (s *Scheduler) Schedule(delay float64, fn func()) *Event {
	if delay < 0 || math.IsNaN(delay) {
		delay = 0
	}
	return s.At(s.now+delay, fn)
}

func (s *Scheduler) At(t float64, fn func()) *Event {
	if t < s.now {
		t = s.now
	}
	e := &Event{at: t, seq: s.seq, fn: fn}
	s.seq++
	heap.Push(&s.queue, e)
	return e
}

// RunUntil fires every event with time <= stop and leaves the clock at stop.
// It returns the number of callbacks run.
func (s *Scheduler) RunUntil(stop float64) int {
	n := 0
	for len(s.queue) > 0 && s.queue[0].at <= stop {
		e := heap.Pop(&s.queue).(*Event)
		if e.cancelled {
			continue
		}
		s.now = e.at
		e.fn()
		n++
	}
	if stop > s.now {
		s.now = stop
	}
	s.ran += uint64(n)
	return n
}

// Next reports the time of the earliest pending event.
func (s *Scheduler) Next() (float64, bool) {
	for len(s.queue) > 0 && s.queue[0].cancelled {
		heap.Pop(&s.queue)
	}
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].at, true
}

// Pending counts queued events that are not cancelled.
func (s *Scheduler) Pending() int {
	n := 0
	for _, e := range s.queue {
		if !e.cancelled {
			n++
		}
	}
	return n
}

func (s *Scheduler) Ran() uint64 { return s.ran }

// Clear cancels every pending event.
func (s *Scheduler) Clear() {
	for _, e := range s.queue {
		e.cancelled = true
	}
	s.queue = s.queue[:0]
}
