// Command kernel is acore's entry point: it wires the frame allocator,
// the mounted AFS image, and the process manager together, loads /init
// from the image, and drives the cooperative scheduler.
//
// Grounded on the teacher's kernel/chentry.go in spirit only (a thin
// command that glues subsystems together) rather than in code, since
// biscuit's real entry point is a boot trampoline written in assembly —
// out of scope here per SPEC_FULL.md's component table. There is no
// instruction-level RISC-V interpreter in this tree (internal/trap
// models scause dispatch at contract level, not a CPU), so this command
// cannot actually execute /init's code; it exercises the same wiring a
// real trap source would drive and logs each scheduling decision it
// would have handed off to trap.Dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/frame"
	"github.com/CrazyDave999/acore/internal/kconfig"
	"github.com/CrazyDave999/acore/internal/kfile"
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/proc"
	"github.com/CrazyDave999/acore/internal/riscv"
	"github.com/CrazyDave999/acore/internal/syscall"
	"github.com/CrazyDave999/acore/internal/vfs"
)

func main() {
	image := pflag.String("image", "", "path of the AFS disk image to boot from")
	initPath := pflag.String("init", "/init", "path of the init ELF inside the image")
	pflag.Parse()

	if *image == "" {
		fmt.Fprintln(os.Stderr, "usage: kernel --image <disk.img> [--init /init]")
		os.Exit(1)
	}

	if err := run(*image, *initPath); err != nil {
		klog.Kernel.Panicf("kernel: %v", err)
	}
}

func run(image, initPath string) error {
	limits := kconfig.Default()

	dev, err := blockdev.OpenFileDevice(image)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer dev.Close()

	fs := vfs.Mount(dev, limits.BlockCacheCap)

	initInode, ok := fs.Lookup(initPath)
	if !ok {
		return fmt.Errorf("init binary %q not found in image", initPath)
	}
	elfBytes := make([]byte, initInode.Size())
	initInode.ReadAt(0, elfBytes)

	alloc := frame.New()
	alloc.Init(0, riscv.PPN(limits.MemoryEnd/riscv.PageSize))
	tramp, ok := alloc.Alloc()
	if !ok {
		return fmt.Errorf("out of frames allocating the trampoline page")
	}

	mgr := proc.NewManager(alloc, tramp.PPN())
	dispatcher := &syscall.Dispatcher{FS: fs, Mgr: mgr}

	stdin := kfile.NewStdinFile(os.Stdin)
	stdout := kfile.NewStdoutFile(os.Stdout)
	initProc, initThread := mgr.NewProcess(elfBytes, stdin, stdout)
	klog.Kernel.Printf("kernel: loaded %s as pid %d, tid %d", initPath, initProc.PID, initThread.TID)

	runScheduler(mgr, dispatcher)

	fs.SyncAll()
	klog.Kernel.Printf("kernel: ready queue drained, image synced")
	return nil
}

// runScheduler pops ready threads in FIFO order and logs the handoff a
// real trap source would make into dispatcher.Handle, grounded on
// manager.rs's run loop (pop from scheduler, act, decide whether to
// requeue). With no instruction interpreter behind it, each thread is
// logged once and retired rather than actually executed; internal/proc
// and internal/syscall's own tests exercise dispatcher.Handle directly
// against synthetic traps.
func runScheduler(mgr *proc.Manager, dispatcher *syscall.Dispatcher) {
	_ = dispatcher // bound for any caller that wires a real trap source in.
	for {
		th := mgr.SwitchThread(nil, false)
		if th == nil {
			return
		}
		exited, code := th.Exited()
		if exited {
			klog.Kernel.Printf("kernel: tid %d already exited with code %d", th.TID, code)
			continue
		}
		klog.Kernel.Printf("kernel: scheduled pid %d tid %d at sepc 0x%x", th.Proc.PID, th.TID, th.TrapCtx.Sepc)
	}
}
