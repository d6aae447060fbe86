// Package frame is the physical frame allocator (spec.md C1): a stack
// allocator over [l, r) with an explicit recycle list preferred over
// bumping the high-water mark. Grounded on the teacher's mem.Physmem_t
// free-list scheme (mem/mem.go Phys_init/_phys_new/_phys_put), reduced from
// a per-CPU refcounted allocator to single-hart single-ownership frames:
// acore has no SMP and no copy-on-write, so a frame has exactly one owner
// at a time instead of a reference count.
package frame

import (
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/riscv"
)

// Frame is an owning handle over a physical page. Its zero value is not a
// valid frame; obtain one from Allocator.Alloc. Drop returns the frame to
// the allocator that produced it (spec.md I1/I2: every in-use PPN is owned
// by exactly one guard).
type Frame struct {
	ppn   riscv.PPN
	alloc *Allocator
	freed bool
}

// PPN returns the physical page number this frame owns.
func (f *Frame) PPN() riscv.PPN { return f.ppn }

// Bytes returns the 4096-byte backing store for this frame.
func (f *Frame) Bytes() *[riscv.PageSize]byte {
	return f.alloc.backing(f.ppn)
}

// Drop releases the frame back to its allocator. Safe to call once; a
// second call panics (double free of a single-owner resource).
func (f *Frame) Drop() {
	if f.freed {
		klog.Panicf("frame: double free of ppn %d", f.ppn)
	}
	f.freed = true
	f.alloc.dealloc(f.ppn)
}

// Allocator manages physical frames within [start, end). It is backed by a
// plain byte arena here since acore models physical memory as Go-owned
// storage rather than raw hardware; production boot code would instead
// point startn at the kernel's ekernel symbol.
type Allocator struct {
	start    riscv.PPN
	end      riscv.PPN
	cursor   riscv.PPN // high-water mark; bumped only when recycled is empty
	recycled []riscv.PPN
	inUse    map[riscv.PPN]bool
	arena    map[riscv.PPN]*[riscv.PageSize]byte
}

// New constructs an allocator with no managed range; call Init before use.
func New() *Allocator {
	return &Allocator{
		inUse: make(map[riscv.PPN]bool),
		arena: make(map[riscv.PPN]*[riscv.PageSize]byte),
	}
}

// Init sets the managed half-open frame range [l, r).
func (a *Allocator) Init(l, r riscv.PPN) {
	a.start = l
	a.end = r
	a.cursor = l
	a.recycled = a.recycled[:0]
	a.inUse = make(map[riscv.PPN]bool)
	a.arena = make(map[riscv.PPN]*[riscv.PageSize]byte)
}

// Alloc hands out a zeroed frame, preferring the recycle list over bumping
// the cursor, and reports false when the range is exhausted.
func (a *Allocator) Alloc() (*Frame, bool) {
	var ppn riscv.PPN
	if n := len(a.recycled); n > 0 {
		ppn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else {
		if a.cursor >= a.end {
			return nil, false
		}
		ppn = a.cursor
		a.cursor++
	}
	a.inUse[ppn] = true
	buf := a.backing(ppn)
	for i := range buf {
		buf[i] = 0
	}
	return &Frame{ppn: ppn, alloc: a}, true
}

func (a *Allocator) backing(ppn riscv.PPN) *[riscv.PageSize]byte {
	buf, ok := a.arena[ppn]
	if !ok {
		buf = &[riscv.PageSize]byte{}
		a.arena[ppn] = buf
	}
	return buf
}

// Dmap returns the byte storage backing an arbitrary physical page, owned
// or not, mirroring the teacher's Physmem.Dmap direct-map accessor. Page
// table walks use it to dereference a PPN found in a PTE without needing
// to hold that page's owning Frame.
func (a *Allocator) Dmap(ppn riscv.PPN) *[riscv.PageSize]byte {
	return a.backing(ppn)
}

// dealloc returns ppn to the free list. PPNs that were never handed out
// (>= cursor) or that are already recycled are fatal, per spec.md §4.1.
func (a *Allocator) dealloc(ppn riscv.PPN) {
	if ppn >= a.cursor || !a.inUse[ppn] {
		klog.Panicf("frame: dealloc of unallocated ppn %d", ppn)
	}
	delete(a.inUse, ppn)
	a.recycled = append(a.recycled, ppn)
}

// Global is the default system-wide allocator instance, a plain
// package-level *Allocator (it is not wrapped in a kconfig.Cell).
var Global = New()
