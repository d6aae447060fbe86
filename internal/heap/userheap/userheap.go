// Package userheap instantiates the same buddy algorithm as the kernel
// heap over a user address space's .bss arena. Kept as a distinct call
// site rather than folded into internal/heap to preserve the original
// kernel-lib/user-lib split spec.md's data model implies for the heap
// allocator component (see SPEC_FULL.md supplemented-features note).
package userheap

import "github.com/CrazyDave999/acore/internal/heap"

// Heap is a per-process user-space heap arena.
type Heap struct {
	b *heap.Buddy
}

// New creates a heap over [start, start+size) for one user address space.
func New(start uintptr, size int) *Heap {
	b := heap.New()
	b.Init(start, size)
	return &Heap{b: b}
}

func (h *Heap) Alloc(size, align int) (uintptr, bool) {
	return h.b.Alloc(heap.Layout{Size: size, Align: align})
}

func (h *Heap) Dealloc(ptr uintptr, size, align int) {
	h.b.Dealloc(ptr, heap.Layout{Size: size, Align: align})
}

func (h *Heap) FreeBytes() int {
	return h.b.FreeBytes()
}
