// Package memory implements the address space ("MM") component, spec.md
// C3: a page table plus a set of virtual areas, with builders for the
// kernel space, an ELF-loaded user space, a fork clone, and the user-copy
// traversal helpers syscalls need.
//
// Grounded on the teacher's vm.Vm_t (vm/as.go): Userdmap8_inner's
// fault-avoiding page-boundary walk becomes Read/Write/ReadStr here, and
// Vmadd_anon/Vmadd_file become InsertArea. Unlike the teacher, acore has no
// copy-on-write or shared mmap (Non-goals), so areas either identity-map a
// fixed PPN range or own one freshly allocated frame per VPN outright.
package memory

import (
	"bytes"
	"debug/elf"

	"github.com/CrazyDave999/acore/internal/errno"
	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/pagetable"
	"github.com/CrazyDave999/acore/internal/riscv"
)

// MapType selects how an Area's virtual pages are backed.
type MapType int

const (
	Identical MapType = iota // PPN == VPN; used for kernel identity ranges
	Framed                   // each VPN owns a freshly allocated frame
)

// Perm is a subset of {R, W, X, U}, bit-compatible with the PTE flag
// positions at the same bits (spec.md §4.3).
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
	PermU Perm = 1 << 3
)

func (p Perm) pteFlags() riscv.PTEFlags {
	var f riscv.PTEFlags
	if p&PermR != 0 {
		f |= riscv.PTERead
	}
	if p&PermW != 0 {
		f |= riscv.PTEWrite
	}
	if p&PermX != 0 {
		f |= riscv.PTEExec
	}
	if p&PermU != 0 {
		f |= riscv.PTEUser
	}
	return f
}

// Area is a contiguous virtual range [startVPN, endVPN) with uniform
// mapping type and permissions (spec.md §3 "Area").
type Area struct {
	StartVPN riscv.VPN
	EndVPN   riscv.VPN
	Type     MapType
	Perm     Perm
	frames   map[riscv.VPN]*frame.Frame // only for Framed areas
}

func newArea(start, end riscv.VPN, mt MapType, perm Perm) *Area {
	return &Area{StartVPN: start, EndVPN: end, Type: mt, Perm: perm, frames: make(map[riscv.VPN]*frame.Frame)}
}

func (a *Area) contains(vpn riscv.VPN) bool {
	return vpn >= a.StartVPN && vpn < a.EndVPN
}

// mapAll installs every page of the area into table, allocating frames for
// Framed areas from alloc.
func (a *Area) mapAll(table *pagetable.Table, alloc *frame.Allocator) {
	for vpn := a.StartVPN; vpn < a.EndVPN; vpn++ {
		a.mapOne(table, alloc, vpn)
	}
}

func (a *Area) mapOne(table *pagetable.Table, alloc *frame.Allocator, vpn riscv.VPN) riscv.PPN {
	var ppn riscv.PPN
	switch a.Type {
	case Identical:
		ppn = riscv.PPN(vpn)
	case Framed:
		f, ok := alloc.Alloc()
		if !ok {
			klog.Panicf("memory: out of frames mapping area")
		}
		a.frames[vpn] = f
		ppn = f.PPN()
	default:
		klog.Panicf("memory: bad map type")
	}
	table.Map(vpn, ppn, a.Perm.pteFlags())
	return ppn
}

// unmapAll removes every page of the area from table and drops any owned
// frames (spec.md: "destroying the area unmaps each VPN and drops its
// frame guards").
func (a *Area) unmapAll(table *pagetable.Table) {
	for vpn := a.StartVPN; vpn < a.EndVPN; vpn++ {
		table.TryUnmap(vpn)
	}
	for vpn, f := range a.frames {
		f.Drop()
		delete(a.frames, vpn)
	}
}

// copyDataInto writes data into the area's pages page-by-page starting at
// pageOff within the first page, used when loading an ELF segment's file
// bytes (whose vaddr need not be page-aligned) or cloning another area's
// contents.
func (a *Area) copyDataInto(data []byte, pageOff int) {
	off := 0
	first := true
	for vpn := a.StartVPN; vpn < a.EndVPN && off < len(data); vpn++ {
		f := a.frames[vpn]
		start := 0
		if first {
			start = pageOff
			first = false
		}
		n := copy(f.Bytes()[start:], data[off:])
		off += n
	}
}

// Space is an address space: one page table plus the set of areas mapped
// into it, keyed by start VPN (spec.md §3 "Address space").
type Space struct {
	Table *pagetable.Table
	areas map[riscv.VPN]*Area
	alloc *frame.Allocator

	EntryPoint    riscv.VA
	UserStackBase riscv.VA

	hasTrapCtx map[uint64]bool // per-thread trap-context pages already inserted
}

func newSpace(alloc *frame.Allocator) *Space {
	return &Space{
		Table:      pagetable.Empty(alloc),
		areas:      make(map[riscv.VPN]*Area),
		alloc:      alloc,
		hasTrapCtx: make(map[uint64]bool),
	}
}

// InsertArea creates and maps a new area covering [startVA, endVA); data,
// if non-nil, is copied into the area's pages starting at its first page
// (spec.md §4.3 insert_area).
func (s *Space) InsertArea(startVA, endVA riscv.VA, mt MapType, perm Perm, data []byte) *Area {
	start := startVA.Floor()
	end := endVA.Ceil()
	a := newArea(start, end, mt, perm)
	a.mapAll(s.Table, s.alloc)
	if data != nil {
		a.copyDataInto(data, int(startVA.PageOffset()))
	}
	s.areas[start] = a
	return a
}

// RemoveArea unmaps and frees the area that starts at startVA.
func (s *Space) RemoveArea(startVA riscv.VA) {
	start := startVA.Floor()
	a, ok := s.areas[start]
	if !ok {
		klog.Panicf("memory: remove_area of unknown start %v", start)
	}
	a.unmapAll(s.Table)
	delete(s.areas, start)
}

func (s *Space) findArea(vpn riscv.VPN) (*Area, bool) {
	for _, a := range s.areas {
		if a.contains(vpn) {
			return a, true
		}
	}
	return nil, false
}

// Activate writes satp for this address space. Under simulation there is
// no CSR to write; this records which table is "current" for test harnesses
// that want to assert on it.
func (s *Space) Activate() {
	active = s
}

var active *Space

// Active returns the address space most recently activated, letting test
// harnesses and debug tooling assert on which space the scheduler last
// switched into.
func Active() *Space { return active }

// NewKernel builds the identity-mapped kernel address space: .text (R+X),
// .rodata (R), .data+bss+stack (R+W), the free-frame range (R+W), the MMIO
// windows, and the trampoline page (spec.md §4.3 new_kernel).
func NewKernel(alloc *frame.Allocator, layout KernelLayout) *Space {
	s := newSpace(alloc)
	s.InsertArea(layout.TextStart, layout.TextEnd, Identical, PermR|PermX, nil)
	s.InsertArea(layout.RodataStart, layout.RodataEnd, Identical, PermR, nil)
	s.InsertArea(layout.DataStart, layout.DataEnd, Identical, PermR|PermW, nil)
	s.InsertArea(layout.BSSStart, layout.MemoryEnd, Identical, PermR|PermW, nil)
	for _, mmio := range layout.MMIO {
		s.InsertArea(mmio.Start, mmio.End, Identical, PermR|PermW, nil)
	}
	s.mapTrampoline(layout.TrampolinePPN)
	return s
}

// KernelLayout describes the fixed regions new_kernel identity-maps.
// Values are supplied by the (unwritten) linker-script glue; acore treats
// them as configuration rather than hardcoding linker symbols.
type KernelLayout struct {
	TextStart, TextEnd     riscv.VA
	RodataStart, RodataEnd riscv.VA
	DataStart, DataEnd     riscv.VA
	BSSStart, MemoryEnd    riscv.VA
	MMIO                   []MMIOWindow
	TrampolinePPN          riscv.PPN
}

// MMIOWindow is one identity-mapped device register range (test/RTC,
// CLINT, UART, virtio, per spec.md §4.3).
type MMIOWindow struct {
	Start, End riscv.VA
}

func (s *Space) mapTrampoline(ppn riscv.PPN) {
	s.Table.Map(riscv.Trampoline.Floor(), ppn, riscv.PTERead|riscv.PTEExec)
}

// elfSegmentPerm maps ELF PT_LOAD p_flags to acore's Perm bits.
func elfSegmentPerm(flags elf.ProgFlag) Perm {
	p := PermU
	if flags&elf.PF_R != 0 {
		p |= PermR
	}
	if flags&elf.PF_W != 0 {
		p |= PermW
	}
	if flags&elf.PF_X != 0 {
		p |= PermX
	}
	return p
}

// FromELF parses an ELF64 image and builds a user address space from its
// PT_LOAD segments, remembering the entry point and the first free page
// above the highest loaded segment as the main thread's user-stack base
// (spec.md §4.3 from_elf). The magic check happens before handing the
// bytes to debug/elf so an invalid image fails with the spec's exact
// fatal condition instead of a library-specific error.
func FromELF(alloc *frame.Allocator, trampolinePPN riscv.PPN, data []byte) *Space {
	if len(data) < 4 || !bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		klog.Panicf("memory: invalid ELF magic")
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		klog.Panicf("memory: malformed ELF: %v", err)
	}

	s := newSpace(alloc)
	var maxEnd riscv.VA
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := riscv.VA(prog.Vaddr)
		end := riscv.VA(prog.Vaddr + prog.Memsz)
		perm := elfSegmentPerm(prog.Flags)
		segData := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(segData, 0); err != nil {
			klog.Panicf("memory: reading PT_LOAD segment: %v", err)
		}
		s.InsertArea(start, end, Framed, perm, segData)
		if end > maxEnd {
			maxEnd = end
		}
	}
	s.EntryPoint = riscv.VA(f.Entry)
	s.UserStackBase = riscv.VA(uint64(maxEnd.Ceil())<<riscv.PageShift) + riscv.PageSize
	s.mapTrampoline(trampolinePPN)
	return s
}

// FromExisted clones other page-by-page: for each area in other, it
// creates an equivalent area in a new space and copies frame contents
// (spec.md §4.3 from_existed, used by fork).
func FromExisted(alloc *frame.Allocator, trampolinePPN riscv.PPN, other *Space) *Space {
	s := newSpace(alloc)
	s.EntryPoint = other.EntryPoint
	s.UserStackBase = other.UserStackBase
	for start, a := range other.areas {
		na := newArea(a.StartVPN, a.EndVPN, a.Type, a.Perm)
		na.mapAll(s.Table, alloc)
		if a.Type == Framed {
			for vpn, srcFrame := range a.frames {
				dstFrame := na.frames[vpn]
				*dstFrame.Bytes() = *srcFrame.Bytes()
			}
		}
		s.areas[start] = na
	}
	s.mapTrampoline(trampolinePPN)
	return s
}

// Read copies len(buf) bytes starting at va out of user memory, walking
// page boundaries through this space's own page table so the caller never
// has to trust that va is mapped into the caller's address space (spec.md
// §4.3 read).
func (s *Space) Read(va riscv.VA, n int) ([]byte, errno.Errno) {
	out := make([]byte, 0, n)
	for len(out) < n {
		pa, ok := s.Table.FindPA(va)
		if !ok {
			return nil, errno.EFAULT
		}
		page := s.alloc.Dmap(pa.Floor())
		off := pa.PageOffset()
		remain := n - len(out)
		avail := riscv.PageSize - int(off)
		take := remain
		if take > avail {
			take = avail
		}
		out = append(out, page[off:int(off)+take]...)
		va += riscv.VA(take)
	}
	return out, 0
}

// ReadStr reads a NUL-terminated string from va, not including the
// terminator (spec.md §4.3 read_str).
func (s *Space) ReadStr(va riscv.VA) (string, errno.Errno) {
	var out []byte
	for {
		pa, ok := s.Table.FindPA(va)
		if !ok {
			return "", errno.EFAULT
		}
		page := s.alloc.Dmap(pa.Floor())
		off := pa.PageOffset()
		for off < riscv.PageSize {
			c := page[off]
			if c == 0 {
				return string(out), 0
			}
			out = append(out, c)
			off++
			va++
		}
	}
}

// Write copies data into user memory at va, crossing page boundaries
// (spec.md §4.3 write).
func (s *Space) Write(va riscv.VA, data []byte) errno.Errno {
	off := 0
	for off < len(data) {
		pa, ok := s.Table.FindPA(va)
		if !ok {
			return errno.EFAULT
		}
		page := s.alloc.Dmap(pa.Floor())
		poff := pa.PageOffset()
		n := copy(page[poff:], data[off:])
		off += n
		va += riscv.VA(n)
	}
	return 0
}

// InsertTrapContext maps a trap-context page for thread tid just below the
// trampoline at a tid-indexed offset, read+write, kernel-only.
func (s *Space) InsertTrapContext(tid uint64) riscv.VA {
	va := riscv.TrapContext - riscv.VA(tid*riscv.PageSize)
	if !s.hasTrapCtx[tid] {
		s.InsertArea(va, va+riscv.PageSize, Framed, PermR|PermW, nil)
		s.hasTrapCtx[tid] = true
	}
	return va
}

// RemoveTrapContext unmaps the trap-context page for tid.
func (s *Space) RemoveTrapContext(tid uint64) {
	va := riscv.TrapContext - riscv.VA(tid*riscv.PageSize)
	s.RemoveArea(va)
	delete(s.hasTrapCtx, tid)
}

// Drop tears down every area and the page table itself.
func (s *Space) Drop() {
	for start := range s.areas {
		s.RemoveArea(start.Addr())
	}
	s.Table.Drop()
}
