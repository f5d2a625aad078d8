package flowrt

import (
	"container/heap"
	"time"
)

// Timer fires its callback at an absolute monotonic deadline, optionally
// repeating. See §3/§4.3 for the lifecycle: created → started (inserted
// into the loop's heap) → fires any number of times → stopped → destroyed.
type Timer struct {
	*Handle

	deadline time.Time
	interval time.Duration // 0 = one-shot
	callback func()

	// heapIndex is maintained by container/heap for O(log n) removal.
	heapIndex int
	// seq breaks ties between timers with equal deadlines so they fire in
	// insertion order, per §4.1's stability guarantee.
	seq uint64
}

// timerHeap is a min-heap of *Timer ordered by deadline, with insertion
// order as the tiebreaker for equal deadlines.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// StartTimer creates and arms a timer that fires callback at now()+after,
// repeating every interval if interval > 0 (0 means one-shot). Per §4.3,
// starting a timer transitions it to active and increments the loop's
// active-handle count.
func (l *Loop) StartTimer(after, interval time.Duration, callback func()) *Timer {
	t := &Timer{
		Handle:   newHandle(l, TagTimer),
		deadline: l.now.Add(after),
		interval: interval,
		callback: callback,
	}
	l.armTimer(t)
	return t
}

func (l *Loop) armTimer(t *Timer) {
	t.activate()
	l.timerSeq++
	t.seq = l.timerSeq
	heap.Push(&l.timers, t)
}

// Stop removes the timer from the heap if still active; idempotent.
func (t *Timer) Stop() {
	if t.State() != LifecycleActive {
		return
	}
	t.close(func() {
		if t.heapIndex >= 0 && t.heapIndex < len(t.Loop().timers) && t.Loop().timers[t.heapIndex] == t {
			heap.Remove(&t.Loop().timers, t.heapIndex)
		}
	}, nil)
	// Timers complete their close phase immediately; there is no backend
	// registration to drain, so the next iteration's close-phase pass just
	// fires the callback if one was ever set via Handle.onClose (there
	// isn't one for timers — callers observe Stop synchronously).
	t.finishClose()
}

// expireTimers pops and fires every timer whose deadline has elapsed,
// re-arming repeating timers, per §4.1 step 2.
func (l *Loop) expireTimers() {
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.deadline.After(l.now) {
			break
		}
		heap.Pop(&l.timers)

		if t.State() != LifecycleActive {
			continue
		}

		safeExecute(l, t.callback)

		if t.interval > 0 && t.State() == LifecycleActive {
			t.deadline = t.deadline.Add(t.interval)
			if t.deadline.Before(l.now) {
				// Don't spin through missed intervals; resync to now.
				t.deadline = l.now.Add(t.interval)
			}
			l.armTimer(t)
		} else {
			if t.State() == LifecycleActive {
				l.activeCount.Add(-1)
			}
			t.state.Store(int32(LifecycleClosed))
			l.registry.remove(t.id)
		}
	}
}

// nextTimerDeadline returns the heap's earliest deadline and whether the
// heap is non-empty.
func (l *Loop) nextTimerDeadline() (time.Time, bool) {
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}
