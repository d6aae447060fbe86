// Package pagetable builds and walks Sv39 three-level page tables.
// Grounded on the teacher's pmap_walk helper (mem/mem.go, vm/as.go) but
// reworked from a four-level x86 PML4 walk to the three 9-bit VPN indexes
// of Sv39, and from the teacher's "kernel owns every pmap page via the
// refcounted Physmem_t" model to single ownership via frame.Frame guards,
// since acore has no COW and no SMP TLB shootdown to coordinate.
package pagetable

import (
	"unsafe"

	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/riscv"
)

// Table is an Sv39 page table. An owning Table retains every frame it
// allocated for the root and intermediate levels so they are freed
// together when the table is dropped; a FromToken view owns nothing.
type Table struct {
	root   riscv.PPN
	frames []*frame.Frame // owned intermediate/root frames; nil for a view
	alloc  *frame.Allocator
}

// Empty allocates a fresh, zeroed root table.
func Empty(alloc *frame.Allocator) *Table {
	f, ok := alloc.Alloc()
	if !ok {
		klog.Panicf("pagetable: out of frames allocating root")
	}
	return &Table{root: f.PPN(), frames: []*frame.Frame{f}, alloc: alloc}
}

// FromToken builds a read-only view over an existing root PPN without
// taking ownership of any of its frames (used to inspect another address
// space's mappings, e.g. from a kernel trap handler). It still needs the
// allocator to dereference PPNs found in intermediate PTEs.
func FromToken(alloc *frame.Allocator, satp uint64) *Table {
	return &Table{root: riscv.SatpRoot(satp), alloc: alloc}
}

// Token returns the satp value that activates this table (Sv39 mode bit set).
func (t *Table) Token() uint64 {
	return riscv.Satp(t.root)
}

// RootPPN returns the physical page number of the root table.
func (t *Table) RootPPN() riscv.PPN { return t.root }

func tableBacking(alloc *frame.Allocator, ppn riscv.PPN) *[512]riscv.PTE {
	buf := alloc.Dmap(ppn)
	return (*[512]riscv.PTE)(unsafe.Pointer(buf))
}

// findPTE walks the three levels of the table, returning a pointer to the
// leaf PTE. create controls whether intermediate tables are allocated
// along the way (valid-only PTEs, per spec.md §4.2); when create is false
// and an intermediate table is missing, ok is false.
func (t *Table) findPTE(vpn riscv.VPN, create bool) (pte *riscv.PTE, ok bool) {
	idxs := vpn.Indexes()
	ppn := t.root
	for level := 0; level < riscv.Levels; level++ {
		page := t.pageTable(ppn)
		entry := &page[idxs[level]]
		if level == riscv.Levels-1 {
			return entry, true
		}
		if !entry.IsValid() {
			if !create {
				return nil, false
			}
			f, ok := t.alloc.Alloc()
			if !ok {
				klog.Panicf("pagetable: out of frames allocating intermediate table")
			}
			t.frames = append(t.frames, f)
			*entry = riscv.MakePTE(f.PPN(), riscv.PTEValid)
		}
		ppn = entry.PPN()
	}
	panic("unreachable")
}

func (t *Table) pageTable(ppn riscv.PPN) *[512]riscv.PTE {
	return tableBacking(t.alloc, ppn)
}

// Map installs a leaf PTE mapping vpn to ppn with the given flags (the
// Valid bit is added automatically). It panics if a valid leaf PTE already
// exists there, matching spec.md's "fails if the leaf PTE is already valid".
func (t *Table) Map(vpn riscv.VPN, ppn riscv.PPN, flags riscv.PTEFlags) {
	pte, _ := t.findPTE(vpn, true)
	if pte.IsValid() {
		klog.Panicf("pagetable: vpn %d already mapped", vpn)
	}
	*pte = riscv.MakePTE(ppn, flags|riscv.PTEValid)
}

// Unmap clears the leaf PTE for vpn. A missing mapping is fatal, per
// spec.md §4.2.
func (t *Table) Unmap(vpn riscv.VPN) {
	pte, ok := t.findPTE(vpn, false)
	if !ok || !pte.IsValid() {
		klog.Panicf("pagetable: unmap of unmapped vpn %d", vpn)
	}
	*pte = 0
}

// TryUnmap behaves like Unmap but reports success instead of panicking,
// for callers (like area teardown) that may race with partially-built
// regions.
func (t *Table) TryUnmap(vpn riscv.VPN) bool {
	pte, ok := t.findPTE(vpn, false)
	if !ok || !pte.IsValid() {
		return false
	}
	*pte = 0
	return true
}

// FindPTE returns the leaf PTE for vpn without creating intermediate
// tables, and whether the walk reached a leaf at all (not whether it is
// valid -- callers must check IsValid themselves).
func (t *Table) FindPTE(vpn riscv.VPN) (*riscv.PTE, bool) {
	return t.findPTE(vpn, false)
}

// FindPPN returns the physical page backing vpn, if mapped.
func (t *Table) FindPPN(vpn riscv.VPN) (riscv.PPN, bool) {
	pte, ok := t.FindPTE(vpn)
	if !ok || !pte.IsValid() {
		return 0, false
	}
	return pte.PPN(), true
}

// FindPA resolves a full virtual address to its physical address,
// preserving the low 12 bits (spec.md: find_pa(va) = (ppn<<12)|offset).
func (t *Table) FindPA(va riscv.VA) (riscv.PA, bool) {
	ppn, ok := t.FindPPN(va.Floor())
	if !ok {
		return 0, false
	}
	return riscv.PA(uint64(ppn)<<riscv.PageShift | va.PageOffset()), true
}

// Drop frees every frame this table owns (root plus intermediates). A
// FromToken view (frames == nil) owns nothing and is a no-op.
func (t *Table) Drop() {
	for _, f := range t.frames {
		f.Drop()
	}
	t.frames = nil
}
