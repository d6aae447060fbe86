package syscall

import (
	"path"
	"strings"

	"github.com/CrazyDave999/acore/internal/errno"
	"github.com/CrazyDave999/acore/internal/kfile"
	"github.com/CrazyDave999/acore/internal/ksignal"
	"github.com/CrazyDave999/acore/internal/layout"
	"github.com/CrazyDave999/acore/internal/proc"
	"github.com/CrazyDave999/acore/internal/riscv"
	"github.com/CrazyDave999/acore/internal/vfs"
)

// Dispatcher binds the syscall table to a filesystem and a process
// manager, grounded on syscall/mod.rs's single `syscall(id, args)`
// entrypoint — split here into one method per number instead of one giant
// match, since Go favors small top-level funcs over an exhaustive switch
// arm per case.
type Dispatcher struct {
	FS  *vfs.FS
	Mgr *proc.Manager
}

// Handle dispatches syscall id with the raw a0..a2 register values against
// the trapping thread t, returning the value syscall() writes back into a0.
func (d *Dispatcher) Handle(t *proc.Thread, id uint64, args [3]uint64) int64 {
	switch id {
	case SysDup:
		return d.sysDup(t, int(args[0]))
	case SysOpen:
		return d.sysOpen(t, args[0], uint32(args[1]))
	case SysClose:
		return d.sysClose(t, int(args[0]))
	case SysPipe:
		return d.sysPipe(t, args[0])
	case SysRead:
		return d.sysRead(t, int(args[0]), args[1], int(args[2]))
	case SysWrite:
		return d.sysWrite(t, int(args[0]), args[1], int(args[2]))
	case SysExit:
		return d.sysExit(t, int32(args[0]))
	case SysSleep:
		return d.sysSleep(t, int64(args[0]))
	case SysYield:
		return d.sysYield(t)
	case SysKill:
		return d.sysKill(int(args[0]), uint32(args[1]))
	case SysSigaction:
		return d.sysSigaction(t, int(args[0]), args[1], args[2])
	case SysSigprocmask:
		return d.sysSigprocmask(t, uint32(args[0]))
	case SysSigreturn:
		return d.sysSigreturn(t)
	case SysGetTime:
		return d.sysGetTime()
	case SysGetpid:
		return int64(t.Proc.PID)
	case SysFork:
		return d.sysFork(t)
	case SysExec:
		return d.sysExec(t, args[0], args[1])
	case SysWaitpid:
		return d.sysWaitpid(t, int(int32(args[0])), args[1])
	case SysThreadCreate:
		return d.sysThreadCreate(t, args[0], args[1])
	case SysGettid:
		return int64(t.TID)
	case SysWaittid:
		return d.sysWaittid(t, int(args[0]))
	case SysMutexCreate:
		return int64(proc.CreateMutex(t.Proc, args[0] == 1))
	case SysMutexLock:
		return d.sysMutexOp(t, int(args[0]), true)
	case SysMutexUnlock:
		return d.sysMutexOp(t, int(args[0]), false)
	case SysCondvarCreate:
		return int64(proc.CreateCondvar(t.Proc))
	case SysCondvarSignal:
		return d.sysCondvarSignal(t, int(args[0]))
	case SysCondvarWait:
		return d.sysCondvarWait(t, int(args[0]), int(args[1]))
	case SysFstat:
		return d.sysFstat(t, int(args[0]), args[1], int(args[2]))
	case SysCd:
		return d.sysCd(t, args[0])
	case SysGetcwd:
		return d.sysGetcwd(t, args[0], int(args[1]))
	case SysCp:
		return d.sysCp(t, args[0], args[1])
	case SysMv:
		return d.sysMv(t, args[0], args[1])
	case SysRm:
		return d.sysRm(t, args[0])
	case SysShutdown:
		return 0
	default:
		return int64(errno.ENOSYS)
	}
}

func readUserPath(t *proc.Thread, ptr uint64) (string, bool) {
	s, e := t.Proc.Space.ReadStr(riscv.VA(ptr))
	return s, e.Ok()
}

// resolvePath joins a possibly-relative user path with the process's cwd,
// grounded on sys_cd/sys_getcwd's implicit per-process working directory
// (the distilled spec's vfs.Lookup only knows absolute paths; acore adds
// this resolution step at the syscall boundary so callers of vfs stay
// simple).
func resolvePath(p *proc.Process, raw string) string {
	if strings.HasPrefix(raw, "/") {
		return path.Clean(raw)
	}
	return path.Clean(path.Join(p.Cwd, raw))
}

func splitParentLeaf(resolved string) (string, string) {
	dir, leaf := path.Split(resolved)
	if dir == "" {
		dir = "/"
	}
	return path.Clean(dir), leaf
}

func (d *Dispatcher) sysDup(t *proc.Thread, fd int) int64 {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return int64(errno.EBADF)
	}
	return int64(t.Proc.Files.Insert(f.Dup()))
}

func (d *Dispatcher) sysOpen(t *proc.Thread, pathPtr uint64, flags uint32) int64 {
	raw, ok := readUserPath(t, pathPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	f, e := kfile.Open(d.FS, resolvePath(t.Proc, raw), int(flags))
	if !e.Ok() {
		return int64(e)
	}
	return int64(t.Proc.Files.Insert(f))
}

func (d *Dispatcher) sysClose(t *proc.Thread, fd int) int64 {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return int64(errno.EBADF)
	}
	f.Close()
	t.Proc.Files.Close(fd)
	return 0
}

func (d *Dispatcher) sysPipe(t *proc.Thread, outPtr uint64) int64 {
	r, w := kfile.MakePipe()
	rfd := t.Proc.Files.Insert(r)
	wfd := t.Proc.Files.Insert(w)
	var buf [16]byte
	putU64(buf[0:8], uint64(rfd))
	putU64(buf[8:16], uint64(wfd))
	if e := t.Proc.Space.Write(riscv.VA(outPtr), buf[:]); e != 0 {
		return int64(e)
	}
	return 0
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (d *Dispatcher) sysRead(t *proc.Thread, fd int, bufPtr uint64, n int) int64 {
	f, ok := t.Proc.Files.Get(fd)
	if !ok || !f.Readable() {
		return int64(errno.EBADF)
	}
	buf := make([]byte, n)
	read, blocked, e := f.Read(buf)
	if blocked {
		return int64(errno.EAGAIN)
	}
	if !e.Ok() {
		return int64(e)
	}
	if we := t.Proc.Space.Write(riscv.VA(bufPtr), buf[:read]); we != 0 {
		return int64(we)
	}
	return int64(read)
}

func (d *Dispatcher) sysWrite(t *proc.Thread, fd int, bufPtr uint64, n int) int64 {
	f, ok := t.Proc.Files.Get(fd)
	if !ok || !f.Writable() {
		return int64(errno.EBADF)
	}
	data, re := t.Proc.Space.Read(riscv.VA(bufPtr), n)
	if !re.Ok() {
		return int64(re)
	}
	written, blocked, e := f.Write(data)
	if blocked {
		return int64(errno.EAGAIN)
	}
	if !e.Ok() {
		return int64(e)
	}
	return int64(written)
}

func (d *Dispatcher) sysExit(t *proc.Thread, code int32) int64 {
	d.Mgr.ExitThread(t, code)
	return 0
}

func (d *Dispatcher) sysSleep(t *proc.Thread, ms int64) int64 {
	d.Mgr.Timers.Sleep(ms, d.nowMS)
	return 0
}

func (d *Dispatcher) sysYield(t *proc.Thread) int64 {
	return 0
}

func (d *Dispatcher) nowMS() int64 { return 0 }

func (d *Dispatcher) sysGetTime() int64 { return 0 }

func (d *Dispatcher) sysKill(pid int, sig uint32) int64 {
	if !d.Mgr.Kill(pid, ksignal.Set(sig)) {
		return int64(errno.ESRCH)
	}
	return 0
}

func (d *Dispatcher) sysSigaction(t *proc.Thread, sig int, actPtr, oldPtr uint64) int64 {
	if sig < 0 || sig > ksignal.MaxSig {
		return int64(errno.EINVAL)
	}
	var newAction ksignal.Action
	if actPtr != 0 {
		raw, e := t.Proc.Space.Read(riscv.VA(actPtr), 16)
		if !e.Ok() {
			return int64(errno.EFAULT)
		}
		newAction.Handler = uintptr(getU64(raw[0:8]))
		newAction.Mask = ksignal.Set(getU64(raw[8:16]))
	}
	old, ok := proc.Sigaction(t.Proc, sig, newAction)
	if !ok {
		return int64(errno.EINVAL)
	}
	if oldPtr != 0 {
		var raw [16]byte
		putU64(raw[0:8], uint64(old.Handler))
		putU64(raw[8:16], uint64(old.Mask))
		t.Proc.Space.Write(riscv.VA(oldPtr), raw[:])
	}
	return 0
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (d *Dispatcher) sysSigprocmask(t *proc.Thread, mask uint32) int64 {
	t.Proc.Signals.Mask = ksignal.Set(mask)
	return 0
}

func (d *Dispatcher) sysSigreturn(t *proc.Thread) int64 {
	proc.Sigreturn(t)
	return 0
}

func (d *Dispatcher) sysFork(t *proc.Thread) int64 {
	child := d.Mgr.Fork(t.Proc)
	return int64(child.PID)
}

func (d *Dispatcher) sysExec(t *proc.Thread, pathPtr, argvPtr uint64) int64 {
	raw, ok := readUserPath(t, pathPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	f, e := kfile.Open(d.FS, resolvePath(t.Proc, raw), kfile.ORdonly)
	if !e.Ok() {
		return int64(e)
	}
	elf, e := f.ReadAll()
	if !e.Ok() {
		return int64(e)
	}
	args := readArgv(t, argvPtr)
	d.Mgr.Exec(t.Proc, elf, args)
	return 0
}

func readArgv(t *proc.Thread, argvPtr uint64) []string {
	if argvPtr == 0 {
		return nil
	}
	var args []string
	for i := 0; ; i++ {
		raw, e := t.Proc.Space.Read(riscv.VA(argvPtr+uint64(i)*8), 8)
		if !e.Ok() {
			break
		}
		ptr := getU64(raw)
		if ptr == 0 {
			break
		}
		s, ok := readUserPath(t, ptr)
		if !ok {
			break
		}
		args = append(args, s)
	}
	return args
}

func (d *Dispatcher) sysWaitpid(t *proc.Thread, pid int, codePtr uint64) int64 {
	childPID, code, done, found := d.Mgr.WaitPid(t.Proc, pid)
	if !found {
		return int64(errno.ECHILD)
	}
	if !done {
		return int64(errno.EAGAINWAIT)
	}
	if codePtr != 0 {
		var raw [4]byte
		putU32(raw[:], uint32(code))
		t.Proc.Space.Write(riscv.VA(codePtr), raw[:])
	}
	return int64(childPID)
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (d *Dispatcher) sysThreadCreate(t *proc.Thread, entry, arg uint64) int64 {
	th := d.Mgr.CreateThread(t.Proc, entry, arg)
	return int64(th.TID)
}

func (d *Dispatcher) sysWaittid(t *proc.Thread, tid int) int64 {
	code, done, ok := d.Mgr.WaitTid(t.Proc, tid)
	if !ok {
		return int64(errno.EINVAL)
	}
	if !done {
		return int64(errno.EAGAINWAIT)
	}
	return int64(code)
}

func (d *Dispatcher) sysMutexOp(t *proc.Thread, id int, lock bool) int64 {
	m := t.Proc.MutexList[id] // panics (kernel fault) on an invalid id, matching the original's direct index.
	if lock {
		m.Lock()
	} else {
		m.Unlock()
	}
	return 0
}

func (d *Dispatcher) sysCondvarSignal(t *proc.Thread, id int) int64 {
	t.Proc.CondvarList[id].Signal()
	return 0
}

func (d *Dispatcher) sysCondvarWait(t *proc.Thread, id, mutexID int) int64 {
	t.Proc.CondvarList[id].Wait(t.Proc.MutexList[mutexID])
	return 0
}

func (d *Dispatcher) sysFstat(t *proc.Thread, fd int, bufPtr uint64, n int) int64 {
	f, ok := t.Proc.Files.Get(fd)
	if !ok {
		return int64(errno.EBADF)
	}
	s, e := f.Stat()
	if !e.Ok() {
		return int64(e)
	}
	if len(s)+1 > n {
		return int64(errno.EINVAL)
	}
	buf := append([]byte(s), 0)
	if we := t.Proc.Space.Write(riscv.VA(bufPtr), buf); !we.Ok() {
		return int64(we)
	}
	return int64(len(s))
}

func (d *Dispatcher) sysCd(t *proc.Thread, pathPtr uint64) int64 {
	raw, ok := readUserPath(t, pathPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	resolved := resolvePath(t.Proc, raw)
	target, found := d.FS.Lookup(resolved)
	if !found || !target.IsDirectory() {
		return int64(errno.ENOENT)
	}
	t.Proc.Cwd = resolved
	return 0
}

func (d *Dispatcher) sysGetcwd(t *proc.Thread, bufPtr uint64, n int) int64 {
	cwd := t.Proc.Cwd
	if len(cwd)+1 > n {
		return int64(errno.EINVAL)
	}
	buf := append([]byte(cwd), 0)
	if e := t.Proc.Space.Write(riscv.VA(bufPtr), buf); !e.Ok() {
		return int64(e)
	}
	return int64(len(cwd))
}

func (d *Dispatcher) sysCp(t *proc.Thread, srcPtr, dstPtr uint64) int64 {
	src, ok := readUserPath(t, srcPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	dst, ok := readUserPath(t, dstPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	srcInode, found := d.FS.Lookup(resolvePath(t.Proc, src))
	if !found || srcInode.IsDirectory() {
		return int64(errno.ENOENT)
	}
	dstDir, leaf := splitParentLeaf(resolvePath(t.Proc, dst))
	dstDirInode, found := d.FS.Lookup(dstDir)
	if !found {
		return int64(errno.ENOENT)
	}
	dstInode, ok := dstDirInode.AccessDirEntry(leaf, layout.TypeFile, true)
	if !ok {
		return int64(errno.EEXIST)
	}
	buf := make([]byte, srcInode.Size())
	srcInode.ReadAt(0, buf)
	dstInode.WriteAt(0, buf)
	return 0
}

func (d *Dispatcher) sysMv(t *proc.Thread, srcPtr, dstPtr uint64) int64 {
	src, ok := readUserPath(t, srcPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	dst, ok := readUserPath(t, dstPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	srcDir, srcLeaf := splitParentLeaf(resolvePath(t.Proc, src))
	srcDirInode, found := d.FS.Lookup(srcDir)
	if !found {
		return int64(errno.ENOENT)
	}
	id, found := srcDirInode.RemoveDirEntry(srcLeaf)
	if !found {
		return int64(errno.ENOENT)
	}
	dstDir, dstLeaf := splitParentLeaf(resolvePath(t.Proc, dst))
	dstDirInode, found := d.FS.Lookup(dstDir)
	if !found {
		srcDirInode.InsertDirEntry(srcLeaf, id) // undo the remove; destination parent does not exist.
		return int64(errno.ENOENT)
	}
	dstDirInode.InsertDirEntry(dstLeaf, id)
	return 0
}

func (d *Dispatcher) sysRm(t *proc.Thread, pathPtr uint64) int64 {
	raw, ok := readUserPath(t, pathPtr)
	if !ok {
		return int64(errno.EFAULT)
	}
	dir, leaf := splitParentLeaf(resolvePath(t.Proc, raw))
	dirInode, found := d.FS.Lookup(dir)
	if !found {
		return int64(errno.ENOENT)
	}
	target, found := dirInode.AccessDirEntry(leaf, layout.TypeFile, false)
	if !found {
		return int64(errno.ENOENT)
	}
	if target.IsDirectory() && len(target.Ls()) > 2 { // more than "." and ".."
		return int64(errno.EGENERIC)
	}
	id, found := dirInode.RemoveDirEntry(leaf)
	if !found {
		return int64(errno.ENOENT)
	}
	d.FS.Inode(id).Clear()
	return 0
}
