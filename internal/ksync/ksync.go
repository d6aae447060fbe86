// Package ksync implements the kernel's synchronization primitives: a
// busy-spinning mutex, a blocking mutex with an explicit wait queue, a
// condition variable built on the same wait-queue idiom, and a min-heap
// timer used by sys_sleep.
//
// Grounded on original_source/kernel/src/sync/{mutex.rs,condvar.rs} and
// kernel/src/timer/mod.rs: the Rust kernel parks a thread by pushing its
// TCB onto a VecDeque and calling into the scheduler; acore has no
// scheduler-level "block this goroutine and run another" primitive (Go's
// runtime already multiplexes goroutines onto OS threads), so parking is
// reimplemented as a rendezvous channel per waiter. The wait-queue
// ordering (FIFO hand-off) is preserved exactly.
package ksync

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
)

// Mutex is the common interface a thread-facing mutex satisfies, grounded
// on original_source's `trait Mutex { fn lock(&self); fn unlock(&self); }`.
type Mutex interface {
	Lock()
	Unlock()
}

// SpinMutex busy-waits for the lock, yielding the processor between
// attempts instead of parking. Grounded on sync/mutex.rs's SpinMutex,
// which loops calling switch_thread() while the lock is held.
type SpinMutex struct {
	state int32
}

// NewSpinMutex returns an unlocked spin mutex.
func NewSpinMutex() *SpinMutex { return &SpinMutex{} }

func (m *SpinMutex) Lock() {
	for !atomic.CompareAndSwapInt32(&m.state, 0, 1) {
		runtime.Gosched()
	}
}

func (m *SpinMutex) Unlock() {
	if !atomic.CompareAndSwapInt32(&m.state, 1, 0) {
		panic("ksync: unlock of unlocked SpinMutex")
	}
}

// BlockingMutex parks waiters on a FIFO queue instead of spinning,
// grounded on sync/mutex.rs's BlockedMutex: lock pushes the caller's
// wait-channel and blocks if already held; unlock hands the lock directly
// to the next waiter if one exists, otherwise marks it free.
type BlockingMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// NewBlockingMutex returns an unlocked blocking mutex.
func NewBlockingMutex() *BlockingMutex { return &BlockingMutex{} }

func (m *BlockingMutex) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	m.waiters = append(m.waiters, wake)
	m.mu.Unlock()
	<-wake
}

func (m *BlockingMutex) Unlock() {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		panic("ksync: unlock of unlocked BlockingMutex")
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		// lock stays held; ownership transfers directly to next.
		close(next)
		return
	}
	m.locked = false
	m.mu.Unlock()
}

// NewMutex picks SpinMutex or BlockingMutex, mirroring sys_mutex_create's
// blocking flag (0 = spin, 1 = blocking) from spec.md's syscall table.
func NewMutex(blocking bool) Mutex {
	if blocking {
		return NewBlockingMutex()
	}
	return NewSpinMutex()
}

// CondVar is a condition variable whose wait releases the caller's mutex
// before parking and reacquires it after being signaled, grounded on
// sync/condvar.rs's Condvar.
type CondVar struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCondVar returns an empty condition variable.
func NewCondVar() *CondVar { return &CondVar{} }

// Signal wakes the oldest waiter, if any. Unlike a channel broadcast this
// wakes exactly one, matching the Rust wait_queue.pop_front() semantics.
func (c *CondVar) Signal() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	close(next)
}

// Wait unlocks m, blocks until signaled, then relocks m before returning.
func (c *CondVar) Wait(m Mutex) {
	m.Unlock()
	wake := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, wake)
	c.mu.Unlock()
	<-wake
	m.Lock()
}

// timerEntry is one pending sys_sleep wakeup.
type timerEntry struct {
	expireMS int64
	wake     chan struct{}
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].expireMS < q[j].expireMS }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x interface{}) { *q = append(*q, x.(*timerEntry)) }
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// TimerHeap is the kernel's sleep-wakeup min-heap, grounded on
// timer/mod.rs's TIMERS BinaryHeap<TimerCondVar> (there a max-heap over
// negated deadlines to emulate a min-heap; container/heap needs no such
// trick since its Less is caller-defined).
type TimerHeap struct {
	mu sync.Mutex
	q  timerQueue
}

// NewTimerHeap returns an empty timer heap.
func NewTimerHeap() *TimerHeap {
	h := &TimerHeap{}
	heap.Init(&h.q)
	return h
}

// Sleep blocks the calling goroutine until nowMS() has advanced past
// nowMS()+durationMS, grounded on sys_sleep's semantics (spec.md §6,
// syscall 101). nowMS is supplied by the caller (internal/proc wires it
// to the kernel's time source) so this package stays free of a wall-clock
// dependency.
func (h *TimerHeap) Sleep(durationMS int64, nowMS func() int64) {
	if durationMS <= 0 {
		return
	}
	wake := make(chan struct{})
	h.mu.Lock()
	heap.Push(&h.q, &timerEntry{expireMS: nowMS() + durationMS, wake: wake})
	h.mu.Unlock()
	<-wake
}

// Tick wakes every timer whose deadline has passed as of nowMS.
func (h *TimerHeap) Tick(nowMS int64) {
	h.mu.Lock()
	var fired []*timerEntry
	for h.q.Len() > 0 && h.q[0].expireMS <= nowMS {
		fired = append(fired, heap.Pop(&h.q).(*timerEntry))
	}
	h.mu.Unlock()
	for _, e := range fired {
		close(e.wake)
	}
}

// Len reports the number of pending timers, used by tests that drive Tick
// manually instead of a real wall clock.
func (h *TimerHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Len()
}
