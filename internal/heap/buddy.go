// Package heap implements the buddy allocator used both for the kernel
// heap and, instantiated a second time, for a user address space's heap
// (spec.md C4): 32 size classes indexed by trailing-zero count of block
// size, splitting a larger free class down and merging buddies back up on
// free.
//
// Grounded on the order-indexed free-list/bitmap shape of
// gopher-os-gopher-os's kernel/mem/physical/allocator.go (buddyAllocator:
// one free list per power-of-two order, an order-kept free count to skip
// empty orders fast), adapted from that allocator's page-granularity
// physical-frame domain to acore's byte-granularity heap-arena domain:
// gopheros tracks free *pages* per order with a bitmap; acore tracks free
// *byte ranges* per order with an address-keyed free set, since a kernel
// heap allocates arbitrary-sized objects, not whole pages.
package heap

import (
	"container/list"

	"github.com/CrazyDave999/acore/internal/klog"
)

const (
	minOrder  = 3  // smallest block is 8 bytes (one machine word)
	numOrders = 32
)

// Layout describes a requested allocation's size and alignment, mirroring
// Go's runtime/cgo style allocation requests.
type Layout struct {
	Size  int
	Align int
}

// Buddy is a byte-granularity buddy allocator over a single fixed arena.
type Buddy struct {
	base  uintptr
	total int
	free  [numOrders]*list.List // each element is an address (uintptr) in that order's free list
	index map[uintptr]int       // address -> order, for allocated or free blocks pending merge
}

// New returns an uninitialized allocator; call Init before use.
func New() *Buddy {
	b := &Buddy{index: make(map[uintptr]int)}
	for i := range b.free {
		b.free[i] = list.New()
	}
	return b
}

func order(size int) int {
	o := minOrder
	sz := 1 << minOrder
	for sz < size {
		sz <<= 1
		o++
	}
	return o
}

func roundUpPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Init pre-fills free lists over [start, start+size) in descending-size,
// descending-power-of-two chunks (spec.md §4.4 init), so an arbitrarily
// sized arena doesn't have to itself be a power of two.
func (b *Buddy) Init(start uintptr, size int) {
	b.base = start
	b.total = size
	for i := range b.free {
		b.free[i] = list.New()
	}
	b.index = make(map[uintptr]int)

	cur := start
	remain := size
	for remain > 0 {
		o := numOrders - 1
		for o > minOrder && (1<<o) > remain {
			o--
		}
		chunk := 1 << o
		if chunk > remain {
			// arena smaller than the minimum block; nothing more fits
			break
		}
		b.free[o].PushBack(cur)
		b.index[cur] = o
		cur += uintptr(chunk)
		remain -= chunk
	}
}

// Alloc reserves roundup_pow2(max(size, align, word)) bytes, splitting a
// larger class down to the exact order if it is empty, per spec.md §4.4.
func (b *Buddy) Alloc(l Layout) (uintptr, bool) {
	need := l.Size
	if l.Align > need {
		need = l.Align
	}
	if need < 1<<minOrder {
		need = 1 << minOrder
	}
	need = roundUpPow2(need)
	wantOrder := order(need)
	if wantOrder >= numOrders {
		return 0, false
	}

	o := wantOrder
	for o < numOrders && b.free[o].Len() == 0 {
		o++
	}
	if o == numOrders {
		return 0, false
	}
	for o > wantOrder {
		e := b.free[o].Front()
		addr := e.Value.(uintptr)
		b.free[o].Remove(e)
		delete(b.index, addr)

		half := 1 << (o - 1)
		buddy := addr + uintptr(half)
		o--
		b.free[o].PushBack(addr)
		b.index[addr] = o
		b.free[o].PushBack(buddy)
		b.index[buddy] = o
	}
	e := b.free[wantOrder].Front()
	addr := e.Value.(uintptr)
	b.free[wantOrder].Remove(e)
	delete(b.index, addr)
	b.index[addr] = -wantOrder - 1 // negative encodes "allocated at this order"
	return addr, true
}

func (b *Buddy) removeFree(o int, addr uintptr) bool {
	for e := b.free[o].Front(); e != nil; e = e.Next() {
		if e.Value.(uintptr) == addr {
			b.free[o].Remove(e)
			return true
		}
	}
	return false
}

// Dealloc returns ptr (allocated with the given layout) to its free list
// and merges iteratively up the classes whenever the candidate's
// XOR-partner-at-class-bit is already free (spec.md §4.4 dealloc).
func (b *Buddy) Dealloc(ptr uintptr, l Layout) {
	need := l.Size
	if l.Align > need {
		need = l.Align
	}
	if need < 1<<minOrder {
		need = 1 << minOrder
	}
	o := order(roundUpPow2(need))

	if enc, ok := b.index[ptr]; !ok || enc != -o-1 {
		klog.Panicf("heap: dealloc of unallocated or mismatched-size block at %#x", ptr)
	}
	delete(b.index, ptr)

	addr := ptr
	for o < numOrders-1 {
		buddy := addr ^ uintptr(1<<o)
		if buddy < b.base || buddy >= b.base+uintptr(b.total) {
			break
		}
		if !b.removeFree(o, buddy) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		o++
	}
	b.free[o].PushBack(addr)
	b.index[addr] = o
}

// FreeBytes sums the bytes currently available across all orders, for
// diagnostics and tests.
func (b *Buddy) FreeBytes() int {
	total := 0
	for o := 0; o < numOrders; o++ {
		total += b.free[o].Len() * (1 << o)
	}
	return total
}
