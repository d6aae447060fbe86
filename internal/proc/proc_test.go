package proc

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/kfile"
	"github.com/CrazyDave999/acore/internal/ksignal"
	"github.com/CrazyDave999/acore/internal/memory"
	"github.com/CrazyDave999/acore/internal/riscv"
)

func buildMiniELF(entry, vaddr uint64, segData []byte) []byte {
	const ehsize = 64
	const phentsize = 56
	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(243))
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, entry)
	binary.Write(buf, binary.LittleEndian, uint64(ehsize))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	dataOff := uint64(ehsize + phentsize)
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(5))
	binary.Write(buf, binary.LittleEndian, dataOff)
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, uint64(len(segData)))
	binary.Write(buf, binary.LittleEndian, uint64(len(segData)))
	binary.Write(buf, binary.LittleEndian, uint64(riscv.PageSize))

	buf.Write(segData)
	return buf.Bytes()
}

func newTestManager(t *testing.T) (*Manager, []byte) {
	t.Helper()
	a := frame.New()
	a.Init(0, 8192)
	tramp, _ := a.Alloc()
	code := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 4)
	elfBytes := buildMiniELF(0x1000, 0x1000, code)
	return NewManager(a, tramp.PPN()), elfBytes
}

func stdio() (*kfile.KFile, *kfile.KFile) {
	return kfile.NewStdinFile(strings.NewReader("")), kfile.NewStdoutFile(&bytes.Buffer{})
}

func TestNewProcessPushesMainThreadOntoScheduler(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, th := m.NewProcess(elf, stdin, stdout)
	if p.PID != 0 {
		t.Fatalf("first pid = %d, want 0", p.PID)
	}
	if th.TrapCtx.Sepc != 0x1000 {
		t.Fatalf("entry sepc = %x, want 0x1000", th.TrapCtx.Sepc)
	}
	next := m.SwitchThread(nil, false)
	if next != th {
		t.Fatalf("scheduler did not return the new thread first")
	}
}

func TestSwitchThreadActivatesTargetAddressSpace(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, th := m.NewProcess(elf, stdin, stdout)

	next := m.SwitchThread(nil, false)
	if next != th {
		t.Fatalf("expected th scheduled first")
	}
	if memory.Active() != p.Space {
		t.Fatalf("memory.Active() did not record the space SwitchThread picked")
	}
}

func TestNewThreadMapsTrapContextPageAndExitUnmapsIt(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, th := m.NewProcess(elf, stdin, stdout)

	va := p.Space.InsertTrapContext(uint64(th.TID)) // idempotent: returns the page newThreadLocked already mapped
	if err := p.Space.Write(va, []byte{1, 2, 3, 4}); err != 0 {
		t.Fatalf("write to trap-context page failed: %v", err)
	}

	m.ExitThread(th, 0)
	if err := p.Space.Write(va, []byte{1}); err == 0 {
		t.Fatalf("trap-context page still mapped after thread exit")
	}
}

func TestSchedulerIsFIFORoundRobin(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	_, th1 := m.NewProcess(elf, stdin, stdout)
	_, th2 := m.NewProcess(elf, stdin, stdout)

	first := m.SwitchThread(nil, false)
	if first != th1 {
		t.Fatalf("first = %v, want th1", first)
	}
	second := m.SwitchThread(first, true)
	if second != th2 {
		t.Fatalf("second = %v, want th2", second)
	}
	third := m.SwitchThread(second, true)
	if third != th1 {
		t.Fatalf("third = %v, want th1 (round robin wrap)", third)
	}
}

func TestNewProcessGetsAUserHeapDistinctFromItsParent(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)
	if p.UserHeap == nil {
		t.Fatalf("new process has no user heap")
	}
	ptr, ok := p.UserHeap.Alloc(64, 8)
	if !ok {
		t.Fatalf("alloc from fresh user heap failed")
	}

	child := m.Fork(p)
	if child.UserHeap == nil || child.UserHeap == p.UserHeap {
		t.Fatalf("forked child did not get its own user heap")
	}
	if _, ok := child.UserHeap.Alloc(64, 8); !ok {
		t.Fatalf("alloc from child's heap failed")
	}
	_ = ptr
}

func TestForkCreatesChildWithCopiedMemoryAndZeroReturn(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	parent, parentMain := m.NewProcess(elf, stdin, stdout)
	parentMain.TrapCtx.X[10] = 0xFF // sentinel, overwritten by fork convention

	child := m.Fork(parent)
	if child.Parent != parent {
		t.Fatalf("child.Parent not set")
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatalf("parent.Children = %v, want [child]", parent.Children)
	}
	if child.Threads[0].TrapCtx.X[10] != 0 {
		t.Fatalf("fork child x10 = %d, want 0", child.Threads[0].TrapCtx.X[10])
	}
}

func TestExitThreadZombifiesSingleThreadedProcess(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, th := m.NewProcess(elf, stdin, stdout)

	m.ExitThread(th, 7)
	if p.State != StateZombie {
		t.Fatalf("state = %v, want Zombie", p.State)
	}
	if p.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", p.ExitCode)
	}
}

func TestWaitPidReapsZombieChild(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	parent, _ := m.NewProcess(elf, stdin, stdout)
	child := m.Fork(parent)

	_, _, done, found := m.WaitPid(parent, child.PID)
	if !found || done {
		t.Fatalf("waitpid before exit: done=%v found=%v, want not-done", done, found)
	}

	m.ExitThread(child.Threads[0], 3)

	pid, code, done, found := m.WaitPid(parent, child.PID)
	if !found || !done || pid != child.PID || code != 3 {
		t.Fatalf("waitpid after exit = (%d,%d,%v,%v)", pid, code, done, found)
	}
	if len(parent.Children) != 0 {
		t.Fatalf("reaped child still listed")
	}
}

func TestWaitPidReapRecyclesPID(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	parent, _ := m.NewProcess(elf, stdin, stdout)
	child := m.Fork(parent)
	reapedPID := child.PID

	m.ExitThread(child.Threads[0], 0)
	if _, _, done, found := m.WaitPid(parent, reapedPID); !done || !found {
		t.Fatalf("waitpid did not reap the exited child")
	}

	again := m.Fork(parent)
	if again.PID != reapedPID {
		t.Fatalf("pid after reap = %d, want recycled pid %d", again.PID, reapedPID)
	}
}

func TestWaitPidNoSuchChildReportsNotFound(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	parent, _ := m.NewProcess(elf, stdin, stdout)

	_, _, _, found := m.WaitPid(parent, 999)
	if found {
		t.Fatalf("waitpid on nonexistent pid reported found")
	}
}

func TestWaitTidTracksThreadCreateAndExit(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)

	th := m.CreateThread(p, 0x1000, 0xAB)
	if th.TrapCtx.X[10] != 0xAB {
		t.Fatalf("thread arg in a0 = %x, want 0xab", th.TrapCtx.X[10])
	}

	_, done, ok := m.WaitTid(p, th.TID)
	if !ok || done {
		t.Fatalf("waittid before exit: ok=%v done=%v", ok, done)
	}

	m.ExitThread(th, 5)
	code, done, ok := m.WaitTid(p, th.TID)
	if !ok || !done || code != 5 {
		t.Fatalf("waittid after exit = (%d,%v,%v)", code, done, ok)
	}
}

func TestKillSetsPendingSignal(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)

	if !m.Kill(p.PID, ksignal.SIGTERM) {
		t.Fatalf("kill on live pid should succeed")
	}
	if !p.Signals.Pending.Contains(ksignal.SIGTERM) {
		t.Fatalf("SIGTERM not recorded as pending")
	}
	if m.Kill(9999, ksignal.SIGTERM) {
		t.Fatalf("kill on unknown pid should fail")
	}
}

func TestSigactionRejectsSigkillAndSigstop(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)

	_, ok := Sigaction(p, 9, ksignal.Action{Handler: 0x1234}) // SIGKILL = bit 9
	if ok {
		t.Fatalf("sigaction should refuse to rebind SIGKILL")
	}
	_, ok = Sigaction(p, 19, ksignal.Action{Handler: 0x1234}) // SIGSTOP = bit 19
	if ok {
		t.Fatalf("sigaction should refuse to rebind SIGSTOP")
	}
	_, ok = Sigaction(p, 7, ksignal.Action{Handler: 0x1234}) // arbitrary user signum
	if !ok {
		t.Fatalf("sigaction should accept an ordinary signal number")
	}
}

func TestCreateMutexAndCondvarAllocateSequentialIDs(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)

	if id := CreateMutex(p, true); id != 0 {
		t.Fatalf("first mutex id = %d, want 0", id)
	}
	if id := CreateMutex(p, false); id != 1 {
		t.Fatalf("second mutex id = %d, want 1", id)
	}
	if id := CreateCondvar(p); id != 0 {
		t.Fatalf("first condvar id = %d, want 0", id)
	}
}

func TestExecReplacesAddressSpaceAndSetsArgv(t *testing.T) {
	m, elf := newTestManager(t)
	stdin, stdout := stdio()
	p, _ := m.NewProcess(elf, stdin, stdout)

	m.Exec(p, elf, []string{"hello", "world"})
	th := p.Threads[0]
	if th.TrapCtx.X[10] != 2 {
		t.Fatalf("argc in a0 = %d, want 2", th.TrapCtx.X[10])
	}
	if th.TrapCtx.Sepc != 0x1000 {
		t.Fatalf("sepc after exec = %x, want 0x1000", th.TrapCtx.Sepc)
	}
}
