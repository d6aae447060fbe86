// Package kconfig holds kernel-wide tunables and the single-borrow cell
// used to guard every ambient mutable global (frame allocator, block
// cache, scheduler, timer heap, pid allocator) per spec.md §5: acquisition
// panics on nested acquire from the same hart, and callers must Release
// before any operation that may suspend.
package kconfig

import (
	"sync"

	"github.com/CrazyDave999/acore/internal/klog"
)

// Limits mirrors the teacher's Syslimit_t: one struct of tunables with a
// constructor of sane defaults, rather than scattered magic numbers.
type Limits struct {
	MemoryEnd      uintptr // exclusive upper bound of manageable physical memory
	KernelHeapSize int     // bytes given to the kernel .bss heap arena
	UserHeapSize   int     // bytes given to a user address space's heap arena
	BlockCacheCap  int     // block cache capacity (spec.md: 16)
	MaxOpenFiles   int     // fd table size per process
	MaxProcs       int     // ceiling on simultaneously live PCBs
	KernelStackPgs int     // pages per kernel stack
	UserStackPgs   int     // pages per thread's user stack
}

// Default returns the limits used unless a boot profile overrides them.
func Default() Limits {
	return Limits{
		MemoryEnd:      0x88000000,
		KernelHeapSize: 64 * 1024 * 1024,
		UserHeapSize:   4 * 1024 * 1024,
		BlockCacheCap:  16,
		MaxOpenFiles:   256,
		MaxProcs:       4096,
		KernelStackPgs: 2,
		UserStackPgs:   4,
	}
}

// Cell is a single-borrow guard around a piece of ambient global kernel
// state. Borrow panics if the cell is already held (modeling a kernel that
// is not reentrant with respect to itself on one hart); the returned
// guard's Release must run before any suspension point.
type Cell[T any] struct {
	mu     sync.Mutex
	held   bool
	holder string
	value  T
}

// NewCell wraps v in a single-borrow cell.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Guard is the live borrow returned by Cell.Borrow.
type Guard[T any] struct {
	cell *Cell[T]
}

// Borrow acquires exclusive access to the cell's value. who identifies the
// caller for diagnostics when a nested borrow is detected.
func (c *Cell[T]) Borrow(who string) *Guard[T] {
	c.mu.Lock()
	if c.held {
		prev := c.holder
		c.mu.Unlock()
		klog.Panicf("kconfig: nested borrow of cell held by %q from %q", prev, who)
	}
	c.held = true
	c.holder = who
	c.mu.Unlock()
	return &Guard[T]{cell: c}
}

// Get returns a pointer to the guarded value for the duration of the borrow.
func (g *Guard[T]) Get() *T {
	return &g.cell.value
}

// Release ends the borrow. It must be called before any call that may yield
// the hart (syscall, block, switch_thread).
func (g *Guard[T]) Release() {
	g.cell.mu.Lock()
	if !g.cell.held {
		g.cell.mu.Unlock()
		klog.Panicf("kconfig: release of a cell that is not held")
	}
	g.cell.held = false
	g.cell.holder = ""
	g.cell.mu.Unlock()
}
