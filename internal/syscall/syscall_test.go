package syscall

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/errno"
	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/kfile"
	"github.com/CrazyDave999/acore/internal/layout"
	"github.com/CrazyDave999/acore/internal/proc"
	"github.com/CrazyDave999/acore/internal/riscv"
	"github.com/CrazyDave999/acore/internal/vfs"
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *proc.Thread) {
	t.Helper()
	a := frame.New()
	a.Init(0, 8192)
	tramp, _ := a.Alloc()
	mgr := proc.NewManager(a, tramp.PPN())

	dev := blockdev.NewMemDevice(4096)
	fs := vfs.Format(dev, 16, 1, 32, 2, 4000)

	code := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 4)
	elf := buildMiniELF(0x1000, 0x1000, code)
	stdin := kfile.NewStdinFile(strings.NewReader(""))
	stdout := kfile.NewStdoutFile(&bytes.Buffer{})
	_, th := mgr.NewProcess(elf, stdin, stdout)

	return &Dispatcher{FS: fs, Mgr: mgr}, th
}

// userBufVA picks a byte range inside the loaded code segment's page to
// stand in for a scratch user buffer: the thread's own address space
// already maps it read+write for the duration of these tests.
const userBufVA = 0x1100

func TestGetpidAndGettid(t *testing.T) {
	d, th := newTestDispatcher(t)
	if got := d.Handle(th, SysGetpid, [3]uint64{}); got != int64(th.Proc.PID) {
		t.Fatalf("getpid = %d, want %d", got, th.Proc.PID)
	}
	if got := d.Handle(th, SysGettid, [3]uint64{}); got != int64(th.TID) {
		t.Fatalf("gettid = %d, want %d", got, th.TID)
	}
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	d, th := newTestDispatcher(t)

	path := "/hello"
	if e := th.Proc.Space.Write(userBufVA, append([]byte(path), 0)); !e.Ok() {
		t.Fatalf("writing path into user memory: %v", e)
	}
	fd := d.Handle(th, SysOpen, [3]uint64{userBufVA, kfile.OCreate | kfile.OWronly})
	if fd < 0 {
		t.Fatalf("open = %d, want a valid fd", fd)
	}

	payload := []byte("hi there")
	payloadVA := uint64(userBufVA + 0x100)
	th.Proc.Space.Write(riscv.VA(payloadVA), payload)
	n := d.Handle(th, SysWrite, [3]uint64{uint64(fd), payloadVA, uint64(len(payload))})
	if n != int64(len(payload)) {
		t.Fatalf("write returned %d, want %d", n, len(payload))
	}
	d.Handle(th, SysClose, [3]uint64{uint64(fd)})

	fd2 := d.Handle(th, SysOpen, [3]uint64{userBufVA, kfile.ORdonly})
	if fd2 < 0 {
		t.Fatalf("reopen = %d", fd2)
	}
	readBufVA := uint64(userBufVA + 0x200)
	n2 := d.Handle(th, SysRead, [3]uint64{uint64(fd2), readBufVA, uint64(len(payload))})
	if n2 != int64(len(payload)) {
		t.Fatalf("read returned %d, want %d", n2, len(payload))
	}
	got, e := th.Proc.Space.Read(riscv.VA(readBufVA), len(payload))
	if !e.Ok() || string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestOpenMissingFileWithoutCreateFails(t *testing.T) {
	d, th := newTestDispatcher(t)
	path := "/nope"
	th.Proc.Space.Write(userBufVA, append([]byte(path), 0))
	fd := d.Handle(th, SysOpen, [3]uint64{userBufVA, kfile.ORdonly})
	if fd != int64(errno.ENOENT) {
		t.Fatalf("open of missing file = %d, want ENOENT", fd)
	}
}

func TestPipeWriteThenRead(t *testing.T) {
	d, th := newTestDispatcher(t)

	if e := d.Handle(th, SysPipe, [3]uint64{userBufVA}); e != 0 {
		t.Fatalf("pipe = %d, want 0", e)
	}
	raw, _ := th.Proc.Space.Read(userBufVA, 16)
	rfd := getU64(raw[0:8])
	wfd := getU64(raw[8:16])

	msg := []byte("pipehello")
	msgVA := uint64(userBufVA + 0x100)
	th.Proc.Space.Write(riscv.VA(msgVA), msg)
	if n := d.Handle(th, SysWrite, [3]uint64{wfd, msgVA, uint64(len(msg))}); n != int64(len(msg)) {
		t.Fatalf("pipe write = %d, want %d", n, len(msg))
	}

	readVA := uint64(userBufVA + 0x200)
	if n := d.Handle(th, SysRead, [3]uint64{rfd, readVA, uint64(len(msg))}); n != int64(len(msg)) {
		t.Fatalf("pipe read = %d, want %d", n, len(msg))
	}
}

func TestDupSharesBacking(t *testing.T) {
	d, th := newTestDispatcher(t)
	dupFd := d.Handle(th, SysDup, [3]uint64{1})
	if dupFd < 3 {
		t.Fatalf("dup of stdout returned %d, want a fresh fd >= 3", dupFd)
	}
}

func TestMutexCreateLockUnlock(t *testing.T) {
	d, th := newTestDispatcher(t)
	id := d.Handle(th, SysMutexCreate, [3]uint64{1})
	if id != 0 {
		t.Fatalf("mutex id = %d, want 0", id)
	}
	d.Handle(th, SysMutexLock, [3]uint64{uint64(id)})
	d.Handle(th, SysMutexUnlock, [3]uint64{uint64(id)})
}

func TestCondvarCreateSignal(t *testing.T) {
	d, th := newTestDispatcher(t)
	id := d.Handle(th, SysCondvarCreate, [3]uint64{})
	if id != 0 {
		t.Fatalf("condvar id = %d, want 0", id)
	}
	d.Handle(th, SysCondvarSignal, [3]uint64{uint64(id)})
}

func TestSigactionRejectsSigkill(t *testing.T) {
	d, th := newTestDispatcher(t)
	rc := d.Handle(th, SysSigaction, [3]uint64{9, 0, 0}) // SIGKILL = bit 9
	if rc != int64(errno.EINVAL) {
		t.Fatalf("sigaction(SIGKILL) = %d, want EINVAL", rc)
	}
}

func TestForkReturnsChildPID(t *testing.T) {
	d, th := newTestDispatcher(t)
	pid := d.Handle(th, SysFork, [3]uint64{})
	if pid == int64(th.Proc.PID) {
		t.Fatalf("fork returned parent's own pid")
	}
}

func TestWaitpidNotYetExitedReportsEagain(t *testing.T) {
	d, th := newTestDispatcher(t)
	childPID := d.Handle(th, SysFork, [3]uint64{})
	rc := d.Handle(th, SysWaitpid, [3]uint64{uint64(childPID), 0})
	if rc != int64(errno.EAGAINWAIT) {
		t.Fatalf("waitpid before child exit = %d, want EAGAINWAIT", rc)
	}
}

func TestCdAndGetcwd(t *testing.T) {
	d, th := newTestDispatcher(t)

	mkdirPath := "/sub"
	th.Proc.Space.Write(userBufVA, append([]byte(mkdirPath), 0))
	// There is no mkdir syscall in the table; create the directory
	// directly through the filesystem with AccessDirEntry, the call the
	// dispatcher's own sysCp uses to create its destination, then cd into it.
	root := d.FS.Inode(vfs.RootInodeID)
	root.AccessDirEntry("sub", layout.TypeDirectory, true)

	rc := d.Handle(th, SysCd, [3]uint64{userBufVA})
	if rc != 0 {
		t.Fatalf("cd = %d, want 0", rc)
	}
	if th.Proc.Cwd != "/sub" {
		t.Fatalf("cwd = %q, want /sub", th.Proc.Cwd)
	}

	cwdVA := uint64(userBufVA + 0x100)
	n := d.Handle(th, SysGetcwd, [3]uint64{cwdVA, 64})
	if n != int64(len("/sub")) {
		t.Fatalf("getcwd returned length %d, want %d", n, len("/sub"))
	}
	got, _ := th.Proc.Space.ReadStr(riscv.VA(cwdVA))
	if got != "/sub" {
		t.Fatalf("getcwd wrote %q, want /sub", got)
	}
}

func TestMvRelinksUnderNewName(t *testing.T) {
	d, th := newTestDispatcher(t)
	root := d.FS.Inode(vfs.RootInodeID)
	root.AccessDirEntry("a", layout.TypeFile, true)

	srcVA := uint64(userBufVA)
	dstVA := uint64(userBufVA + 0x100)
	th.Proc.Space.Write(riscv.VA(srcVA), append([]byte("/a"), 0))
	th.Proc.Space.Write(riscv.VA(dstVA), append([]byte("/b"), 0))

	rc := d.Handle(th, SysMv, [3]uint64{srcVA, dstVA})
	if rc != 0 {
		t.Fatalf("mv = %d, want 0", rc)
	}
	if _, found := d.FS.Lookup("/a"); found {
		t.Fatalf("/a still present after mv")
	}
	if _, found := d.FS.Lookup("/b"); !found {
		t.Fatalf("/b missing after mv")
	}
}

func TestRmFreesInode(t *testing.T) {
	d, th := newTestDispatcher(t)
	root := d.FS.Inode(vfs.RootInodeID)
	root.AccessDirEntry("doomed", layout.TypeFile, true)

	pathVA := uint64(userBufVA)
	th.Proc.Space.Write(riscv.VA(pathVA), append([]byte("/doomed"), 0))
	rc := d.Handle(th, SysRm, [3]uint64{pathVA})
	if rc != 0 {
		t.Fatalf("rm = %d, want 0", rc)
	}
	if _, found := d.FS.Lookup("/doomed"); found {
		t.Fatalf("/doomed still present after rm")
	}
}

func TestRmRejectsNonEmptyDirectory(t *testing.T) {
	d, th := newTestDispatcher(t)
	root := d.FS.Inode(vfs.RootInodeID)
	dir, _ := root.AccessDirEntry("full", layout.TypeDirectory, true)
	dir.AccessDirEntry("child", layout.TypeFile, true)

	pathVA := uint64(userBufVA)
	th.Proc.Space.Write(riscv.VA(pathVA), append([]byte("/full"), 0))
	rc := d.Handle(th, SysRm, [3]uint64{pathVA})
	if rc != int64(errno.EGENERIC) {
		t.Fatalf("rm on non-empty directory = %d, want %d", rc, errno.EGENERIC)
	}
	if _, found := d.FS.Lookup("/full"); !found {
		t.Fatalf("/full was removed despite having a child")
	}
	if _, found := d.FS.Lookup("/full/child"); !found {
		t.Fatalf("/full/child was orphaned by a rejected rm")
	}
}

func TestUnknownSyscallReturnsENOSYS(t *testing.T) {
	d, th := newTestDispatcher(t)
	rc := d.Handle(th, 424242, [3]uint64{})
	if rc != int64(errno.ENOSYS) {
		t.Fatalf("unknown syscall = %d, want ENOSYS", rc)
	}
}
