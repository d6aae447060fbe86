// Package proc implements the process/thread manager: the PCB/TCB split,
// a FIFO round-robin scheduler, and the process-lifecycle operations
// (Fork, Exec, WaitPid, WaitTid, Kill, Sigaction, Sigreturn).
//
// Grounded on original_source/kernel/src/proc/{pcb.rs,thread.rs,
// manager.rs,resource.rs,scheduler.rs,signal.rs} and the teacher's
// accnt/accnt.go for the per-process accounting fields.
//
// REDESIGN FLAG: the Rust kernel (and this spec's teacher, biscuit) both
// rely on a per-hart "current thread" pointer recovered in O(1) from
// scheduler context (biscuit patches the Go runtime for a Gptr/Setgptr
// hook; the Rust kernel reads it out of sscratch). Standard Go has no
// such hook, and acore does not carry a runtime patch. Every operation
// that would read "the current thread" implicitly instead takes a
// *Thread explicitly, the same way a hosted, non-kernel Go program
// threads a context.Context through a call chain instead of consulting
// thread-local storage. See DESIGN.md.
package proc

import (
	"sync"

	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/heap/userheap"
	"github.com/CrazyDave999/acore/internal/kconfig"
	"github.com/CrazyDave999/acore/internal/kfile"
	"github.com/CrazyDave999/acore/internal/ksignal"
	"github.com/CrazyDave999/acore/internal/ksync"
	"github.com/CrazyDave999/acore/internal/memory"
	"github.com/CrazyDave999/acore/internal/riscv"
	"github.com/CrazyDave999/acore/internal/trap"
)

// RecycleAllocator hands out small integer ids, reusing freed ones before
// growing, grounded on resource.rs's RecycleAllocator (used for both pids
// and tids in the original; acore gives each its own instance).
type RecycleAllocator struct {
	cap      int
	recycled []int
}

// Alloc returns a recycled id if one exists, else the next fresh one.
func (r *RecycleAllocator) Alloc() int {
	if n := len(r.recycled); n > 0 {
		id := r.recycled[n-1]
		r.recycled = r.recycled[:n-1]
		return id
	}
	id := r.cap
	r.cap++
	return id
}

// Dealloc returns id to the free pool. id must have come from Alloc and
// must not already be recycled.
func (r *RecycleAllocator) Dealloc(id int) {
	if id >= r.cap {
		panic("proc: dealloc of an id never allocated")
	}
	for _, p := range r.recycled {
		if p == id {
			panic("proc: double dealloc of id")
		}
	}
	r.recycled = append(r.recycled, id)
}

// State is a process's coarse lifecycle state, grounded on pcb.rs's
// ProcessState (spec.md's data model names exactly these two).
type State int

const (
	StateReady State = iota
	StateZombie
)

// FDTable is a process's open-file table, grounded on pcb.rs's
// FileDescriptorTable: a recycled-id allocator over a sparse map rather
// than a fixed-size array, so fd numbers stay low and reusable.
type FDTable struct {
	files    map[int]*kfile.KFile
	recycled []int
	next     int
}

// NewFDTable returns a table pre-populated with stdin/stdout/stderr at
// fds 0/1/2, matching FileDescriptorTable::new.
func NewFDTable(stdin, stdout *kfile.KFile) *FDTable {
	return &FDTable{
		files: map[int]*kfile.KFile{
			0: stdin,
			1: stdout,
			2: stdout,
		},
		next: 3,
	}
}

// Insert installs f at the lowest available fd and returns it.
func (t *FDTable) Insert(f *kfile.KFile) int {
	var fd int
	if n := len(t.recycled); n > 0 {
		lowest := 0
		for i := 1; i < n; i++ {
			if t.recycled[i] < t.recycled[lowest] {
				lowest = i
			}
		}
		fd = t.recycled[lowest]
		t.recycled = append(t.recycled[:lowest], t.recycled[lowest+1:]...)
	} else {
		fd = t.next
		t.next++
	}
	t.files[fd] = f
	return fd
}

// Get returns the file at fd, if open.
func (t *FDTable) Get(fd int) (*kfile.KFile, bool) {
	f, ok := t.files[fd]
	return f, ok
}

// Close removes fd from the table, returning false if it was not open.
func (t *FDTable) Close(fd int) bool {
	if _, ok := t.files[fd]; !ok {
		return false
	}
	delete(t.files, fd)
	t.recycled = append(t.recycled, fd)
	return true
}

// Clone duplicates the table (shared KFile pointers, independent fd
// bookkeeping), grounded on FileDescriptorTable::clone — used by fork.
func (t *FDTable) Clone() *FDTable {
	nt := &FDTable{files: make(map[int]*kfile.KFile, len(t.files)), next: t.next}
	for fd, f := range t.files {
		nt.files[fd] = f
	}
	nt.recycled = append([]int(nil), t.recycled...)
	return nt
}

// Thread is a thread control block, grounded on thread.rs's
// ThreadControlBlock: the things unique to one thread of a process
// (tid, trap context, exit status) rather than shared process state.
type Thread struct {
	TID     int
	Proc    *Process
	TrapCtx trap.Context
	Backup  trap.Context

	mu       sync.Mutex
	exited   bool
	exitCode int32
}

// Exited reports whether ExitThread has run on this thread.
func (t *Thread) Exited() (bool, int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited, t.exitCode
}

// Process is a process control block, grounded on pcb.rs's
// ProcessControlBlock/ProcessControlBlockInner split, flattened into one
// struct behind a mutex since acore has no borrow-checker-driven reason to
// separate the immutable pid from the mutable rest.
type Process struct {
	mu sync.Mutex

	PID    int
	Parent *Process // owned by Go's GC; no Weak<> needed to break cycles.
	Children []*Process
	State  State
	ExitCode int32

	Space    *memory.Space
	UserHeap *userheap.Heap
	Files    *FDTable
	Cwd      string

	Signals ksignal.State

	Threads       []*Thread // index by tid; nil slots mark exited+recycled tids
	TidAllocator  RecycleAllocator
	MutexList     []ksync.Mutex
	CondvarList   []*ksync.CondVar

	// per-process accounting, grounded on accnt/accnt.go.
	UserNS int64
	SysNS  int64
}

// newUserHeap instantiates a process's user-lib heap arena directly above
// its loaded image and stack, mirroring original_source's kernel-lib/
// user-lib buddy-heap split (see internal/heap/userheap).
func newUserHeap(space *memory.Space) *userheap.Heap {
	return userheap.New(uintptr(space.UserStackBase)+uintptr(riscv.PageSize), kconfig.Default().UserHeapSize)
}

// liveThreadCount returns the number of non-nil slots in p.Threads, not
// counting nil (exited) slots, grounded on pcb.rs's thread_count/get_thread pairing.
func (p *Process) liveThreadCount() int {
	n := 0
	for _, th := range p.Threads {
		if th != nil {
			n++
		}
	}
	return n
}

// Manager owns every live process, the pid allocator, the ready-thread
// scheduler, and the sleep timer heap, grounded on proc/manager.rs plus
// proc/scheduler.rs's Scheduler.
type Manager struct {
	mu       sync.Mutex
	alloc    *frame.Allocator
	trampPPN riscv.PPN

	procs       map[int]*Process
	pidAlloc    RecycleAllocator
	sched       []*Thread // FIFO ready queue
	Timers      *ksync.TimerHeap
}

// NewManager returns an empty manager bound to the given frame allocator
// and trampoline frame (both needed to build address spaces for Fork/Exec).
func NewManager(alloc *frame.Allocator, trampPPN riscv.PPN) *Manager {
	return &Manager{
		alloc:    alloc,
		trampPPN: trampPPN,
		procs:    make(map[int]*Process),
		Timers:   ksync.NewTimerHeap(),
	}
}

// schedulerPush appends tcb to the tail of the ready queue, grounded on
// scheduler.rs's Scheduler::push.
func (m *Manager) schedulerPush(t *Thread) {
	m.sched = append(m.sched, t)
}

// schedulerPop removes and returns the head of the ready queue, grounded
// on Scheduler::pop.
func (m *Manager) schedulerPop() *Thread {
	if len(m.sched) == 0 {
		return nil
	}
	t := m.sched[0]
	m.sched = m.sched[1:]
	return t
}

// schedulerRemove drops tcb from the ready queue if present, grounded on
// Scheduler::remove (used when a thread blocks on a mutex/condvar/sleep
// instead of yielding back into the ready pool).
func (m *Manager) schedulerRemove(t *Thread) {
	out := m.sched[:0]
	for _, q := range m.sched {
		if q != t {
			out = append(out, q)
		}
	}
	m.sched = out
}

// SwitchThread pops the next ready thread and, if prev is still runnable,
// requeues it at the tail before returning the new head. Grounded on
// manager.rs's run-loop shape (pop from scheduler, push the preempted
// thread back), collapsed into one call since acore has no real hart loop
// driving it.
func (m *Manager) SwitchThread(prev *Thread, prevStillReady bool) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev != nil && prevStillReady {
		m.schedulerPush(prev)
	}
	next := m.schedulerPop()
	if next != nil {
		next.Proc.Space.Activate()
	}
	return next
}

// NewProcess creates the first process in the system from an ELF image,
// grounded on pcb.rs's ProcessControlBlock::from_elf. stdin/stdout back
// fds 0/1/2.
func (m *Manager) NewProcess(elf []byte, stdin, stdout *kfile.KFile) (*Process, *Thread) {
	space := memory.FromELF(m.alloc, m.trampPPN, elf)
	p := &Process{
		Space:    space,
		UserHeap: newUserHeap(space),
		Files:    NewFDTable(stdin, stdout),
		Cwd:      "/",
		Signals:  ksignal.NewState(),
	}

	m.mu.Lock()
	p.PID = m.pidAlloc.Alloc()
	m.procs[p.PID] = p
	m.mu.Unlock()

	th := m.newThreadLocked(p, space.EntryPoint, space.UserStackBase)

	m.mu.Lock()
	m.schedulerPush(th)
	m.mu.Unlock()
	return p, th
}

func (m *Manager) newThreadLocked(p *Process, entry, userStackTop riscv.VA) *Thread {
	tid := p.TidAllocator.Alloc()
	th := &Thread{TID: tid, Proc: p}
	th.TrapCtx = trap.AppInitContext(uint64(entry), uint64(userStackTop), 0, 0)
	p.Space.InsertTrapContext(uint64(tid))
	placeThread(p, th)
	return th
}

// placeThread stores th at p.Threads[th.TID], growing the slice with nils
// (exited/never-allocated slots) as needed so the index always matches
// the tid, matching thread.rs's threads: Vec<Option<Arc<TCB>>> layout.
func placeThread(p *Process, th *Thread) {
	for len(p.Threads) <= th.TID {
		p.Threads = append(p.Threads, nil)
	}
	p.Threads[th.TID] = th
}

// CreateThread starts a new thread in p at entry with a single argument in
// a0, grounded on syscall/thread.rs's sys_thread_create. The new thread is
// pushed straight onto the scheduler's ready queue.
func (m *Manager) CreateThread(p *Process, entry, arg uint64) *Thread {
	p.mu.Lock()
	th := m.newThreadLocked(p, riscv.VA(entry), p.Space.UserStackBase)
	th.TrapCtx.X[10] = arg
	p.mu.Unlock()

	m.mu.Lock()
	m.schedulerPush(th)
	m.mu.Unlock()
	return th
}

// Fork clones parent into a new single-threaded process sharing no memory
// (copy-on-write is a stated Non-goal, so FromExisted copies eagerly),
// grounded on pcb.rs's ProcessControlBlock::fork. The child's main thread
// gets a copy of the parent's trap context with x[10]=0 (the
// fork-return-value convention) and is pushed onto the scheduler here;
// Fork returns the child process.
func (m *Manager) Fork(parent *Process) *Process {
	parent.mu.Lock()
	if parent.liveThreadCount() != 1 {
		parent.mu.Unlock()
		panic("proc: fork only supports single-threaded processes")
	}
	space := memory.FromExisted(m.alloc, m.trampPPN, parent.Space)
	child := &Process{
		Parent:   parent,
		Space:    space,
		UserHeap: newUserHeap(space),
		Files:    parent.Files.Clone(),
		Cwd:      parent.Cwd,
		Signals:  ksignal.State{Mask: parent.Signals.Mask, Actions: parent.Signals.Actions, HandlingSig: -1},
	}
	parentMainCtx := parent.Threads[0].TrapCtx
	parent.mu.Unlock()

	m.mu.Lock()
	child.PID = m.pidAlloc.Alloc()
	m.procs[child.PID] = child
	m.mu.Unlock()

	th := m.newThreadLocked(child, 0, 0)
	th.TrapCtx = parentMainCtx // cloned memory means the child resumes exactly where the parent trapped.
	th.TrapCtx.X[10] = 0       // fork returns 0 in the child.

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	m.mu.Lock()
	m.schedulerPush(th)
	m.mu.Unlock()
	return child
}

// Exec replaces p's address space with a new ELF image in place, grounded
// on pcb.rs's ProcessControlBlock::exec. argv is written onto the new
// user stack as a null-terminated pointer array followed by NUL-terminated
// strings, and a0/a1 are set to argc/argv for the entry point, matching
// the original's manual stack layout.
func (m *Manager) Exec(p *Process, elf []byte, args []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.liveThreadCount() != 1 {
		panic("proc: exec only supports single-threaded processes")
	}
	space := memory.FromELF(m.alloc, m.trampPPN, elf)
	p.Space = space
	p.Space.InsertTrapContext(uint64(p.Threads[0].TID))
	p.UserHeap = newUserHeap(space)

	sp := uint64(space.UserStackBase)
	sp -= uint64(len(args)+1) * 8
	argvBase := sp
	p.Space.Write(riscv.VA(argvBase+uint64(len(args))*8), make([]byte, 8))

	ptrs := make([]uint64, len(args))
	for i, a := range args {
		sp -= uint64(len(a) + 1)
		ptrs[i] = sp
		buf := append([]byte(a), 0)
		p.Space.Write(riscv.VA(sp), buf)
	}
	sp -= sp % 8
	for i, ptr := range ptrs {
		var b [8]byte
		for j := 0; j < 8; j++ {
			b[j] = byte(ptr >> (8 * j))
		}
		p.Space.Write(riscv.VA(argvBase+uint64(i)*8), b[:])
	}

	th := p.Threads[0]
	th.TrapCtx = trap.AppInitContext(uint64(space.EntryPoint), sp, 0, 0)
	th.TrapCtx.X[10] = uint64(len(args))
	th.TrapCtx.X[11] = argvBase
}

// ExitThread marks t exited with code and, if it was the process's last
// live thread, zombifies the process and reparents its children to PID 0
// (init), grounded on the teacher's exit_proc collapsing thread exit into
// process exit once the thread count reaches zero.
func (m *Manager) ExitThread(t *Thread, code int32) {
	t.mu.Lock()
	t.exited = true
	t.exitCode = code
	t.mu.Unlock()

	p := t.Proc
	p.mu.Lock()
	p.Threads[t.TID] = nil
	p.Space.RemoveTrapContext(uint64(t.TID))
	p.TidAllocator.Dealloc(t.TID)
	stillAlive := p.liveThreadCount() > 0
	if !stillAlive {
		p.State = StateZombie
		p.ExitCode = code
	}
	children := append([]*Process(nil), p.Children...)
	p.mu.Unlock()

	if stillAlive {
		return
	}
	m.mu.Lock()
	initProc := m.procs[InitPID]
	m.mu.Unlock()
	for _, c := range children {
		c.mu.Lock()
		c.Parent = initProc
		c.mu.Unlock()
	}
	if initProc != nil && initProc != p {
		initProc.mu.Lock()
		initProc.Children = append(initProc.Children, children...)
		initProc.mu.Unlock()
	}
}

// InitPID is the PID new orphans are reparented to: the first process
// NewProcess creates ("init") gets pid 0 and adopts orphaned children.
const InitPID = 0

// WaitPid looks for a zombie child matching pid (or any child when pid is
// -1), reaps it, and returns its pid and exit code. Grounded on
// syscall/proc.rs's sys_waitpid. It returns (pid, code, done, found):
// found is false if no matching child exists at all, and done is false if
// a match exists but hasn't exited yet, so a blocking caller knows to
// retry instead of failing outright (sysWaitpid maps these to
// errno.ECHILD and errno.EAGAINWAIT).
func (m *Manager) WaitPid(parent *Process, pid int) (int, int32, bool, bool) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	found := false
	for i, c := range parent.Children {
		if pid != -1 && c.PID != pid {
			continue
		}
		found = true
		c.mu.Lock()
		if c.State == StateZombie {
			exitCode := c.ExitCode
			childPID := c.PID
			c.mu.Unlock()
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			m.mu.Lock()
			delete(m.procs, childPID)
			m.pidAlloc.Dealloc(childPID)
			m.mu.Unlock()
			return childPID, exitCode, true, true
		}
		c.mu.Unlock()
	}
	return 0, 0, false, found
}

// WaitTid looks for an exited thread with the given tid within p and
// reaps its slot, grounded on syscall/thread.rs's sys_waittid.
func (m *Manager) WaitTid(p *Process, tid int) (int32, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tid < 0 || tid >= len(p.Threads) {
		return 0, false, false
	}
	th := p.Threads[tid]
	if th == nil {
		return 0, false, false
	}
	exited, code := th.Exited()
	if !exited {
		return 0, false, true
	}
	return code, true, true
}

// Kill adds sig to the target process's pending set, grounded on
// syscall/proc.rs's sys_kill.
func (m *Manager) Kill(targetPID int, sig ksignal.Set) bool {
	m.mu.Lock()
	p, ok := m.procs[targetPID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	p.Signals.Pending = p.Signals.Pending.Add(sig)
	p.mu.Unlock()
	return true
}

// Sigaction installs a new action for sig on p, returning the one it
// replaced, grounded on syscall/proc.rs's sys_sigaction. SIGKILL and
// SIGSTOP cannot be rebound, matching the original's signum guard.
func Sigaction(p *Process, sig int, act ksignal.Action) (ksignal.Action, bool) {
	if sig < 0 || sig > ksignal.MaxSig {
		return ksignal.Action{}, false
	}
	if ksignal.BitForSignum(sig) == ksignal.SIGKILL || ksignal.BitForSignum(sig) == ksignal.SIGSTOP {
		return ksignal.Action{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.Signals.Actions[sig]
	p.Signals.Actions[sig] = act
	return old, true
}

// Sigreturn restores t's trap context from its pre-handler backup,
// grounded on sys_sigreturn.
func Sigreturn(t *Thread) {
	t.Proc.mu.Lock()
	defer t.Proc.mu.Unlock()
	trap.Sigreturn(&t.Proc.Signals, &t.TrapCtx, &t.Backup)
}

// CreateMutex appends a new mutex to p's mutex table and returns its id,
// grounded on syscall/sync.rs's sys_mutex_create.
func CreateMutex(p *Process, blocking bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MutexList = append(p.MutexList, ksync.NewMutex(blocking))
	return len(p.MutexList) - 1
}

// CreateCondvar appends a new condition variable to p's table and returns
// its id, grounded on sys_condvar_create.
func CreateCondvar(p *Process) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CondvarList = append(p.CondvarList, ksync.NewCondVar())
	return len(p.CondvarList) - 1
}
