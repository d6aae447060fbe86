// Package trap models the kernel's trap plane at contract level: the
// trap-context layout a (not-written) assembly trampoline would save, the
// scause-keyed dispatch a trap handler performs, and the signal-check loop
// that runs before returning to user mode.
//
// Grounded on original_source/kernel/src/trap/{context.rs,mod.rs}. Actual
// user-mode execution (the trampoline, __alltraps/__restore) is out of
// scope per SPEC_FULL.md; this package only implements the Go-reachable
// half of trap_handler/trap_return: dispatching on a cause and deciding
// what the caller (internal/proc) should do next.
package trap

import "github.com/CrazyDave999/acore/internal/ksignal"

// Context is the register/CSR snapshot saved across a trap, grounded on
// trap/context.rs's TrapContext. x[10] is a0 (syscall return value / first
// arg), x[17] is a7 (syscall number), matching the RISC-V calling
// convention trap_handler reads out of it.
type Context struct {
	X           [32]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// AppInitContext builds the trap context a freshly loaded (or forked/exec'd)
// thread resumes into, grounded on TrapContext::app_init_context: sepc is
// the ELF entry point, x[2] (sp) is the user stack top.
func AppInitContext(entry, sp, kernelSatp, kernelSP uint64) Context {
	var ctx Context
	ctx.Sepc = entry
	ctx.KernelSatp = kernelSatp
	ctx.KernelSP = kernelSP
	ctx.X[2] = sp
	return ctx
}

// Scause enumerates the trap causes acore's dispatch understands, a subset
// of trap/mod.rs's `match scause.cause()` arms.
type Scause int

const (
	ScauseUserEnvCall Scause = iota
	ScauseTimerInterrupt
	ScausePageFault
	ScauseIllegalInstruction
	ScauseOther
)

// Action tells internal/proc what to do after Dispatch returns.
type Action int

const (
	// ActionContinue resumes the trapping thread (after a syscall return
	// value has been written into ctx.X[10]).
	ActionContinue Action = iota
	// ActionReschedule means the timer fired; the caller should switch to
	// the next ready thread.
	ActionReschedule
	// ActionExit means the trap is fatal to the current thread; ExitCode
	// carries the process exit status to report.
	ActionExit
)

// Result is what Dispatch decided.
type Result struct {
	Action   Action
	ExitCode int32
}

// Syscall is the hook internal/syscall registers so Dispatch can invoke it
// without this package importing internal/syscall (which would cycle back
// through internal/proc).
type Syscall func(id uint64, args [3]uint64) int64

// Dispatch mirrors trap_handler's match arms: a UserEnvCall advances sepc
// past ecall and invokes syscall, a timer interrupt asks for a reschedule,
// page faults and illegal instructions are fatal, grounded on
// trap/mod.rs's error!() + exit_proc(-2)/-3 calls.
func Dispatch(cause Scause, ctx *Context, syscall Syscall) Result {
	switch cause {
	case ScauseUserEnvCall:
		ctx.Sepc += 4
		ret := syscall(ctx.X[17], [3]uint64{ctx.X[10], ctx.X[11], ctx.X[12]})
		ctx.X[10] = uint64(ret)
		return Result{Action: ActionContinue}
	case ScauseTimerInterrupt:
		return Result{Action: ActionReschedule}
	case ScausePageFault:
		return Result{Action: ActionExit, ExitCode: -2}
	case ScauseIllegalInstruction:
		return Result{Action: ActionExit, ExitCode: -3}
	default:
		return Result{Action: ActionExit, ExitCode: -1}
	}
}

// SignalCheck is the single-shot half of signal.rs's handle_signals loop
// (the loop itself, which yields the hart while frozen, belongs to
// internal/proc since it needs to call back into the scheduler). It
// applies one pending, unmasked signal to st and reports whether the
// thread should now exit, what exit code to use, and a non-zero
// UserHandlerVA when the caller must rewrite ctx to invoke a user handler.
type SignalCheck struct {
	Exit          bool
	ExitCode      int32
	UserHandlerVA uint64
	Signum        int
	StillFrozen   bool
}

// CheckSignals dispatches one pending signal against st and backs up /
// rewrites ctx when a user handler is armed, grounded on
// call_user_signal_handler's trap_ctx_backup + sepc/x[10] rewrite.
func CheckSignals(st *ksignal.State, ctx *Context, backup *Context) SignalCheck {
	outcome := ksignal.Dispatch(st)
	switch outcome.Disposition {
	case ksignal.DispositionKilled:
		code, _, _ := ksignal.Set(ksignal.BitForSignum(outcome.Signum)).CheckError()
		if code == 0 {
			code = -1
		}
		return SignalCheck{Exit: true, ExitCode: int32(code), Signum: outcome.Signum}
	case ksignal.DispositionUserHandler:
		*backup = *ctx
		ctx.Sepc = uint64(outcome.Handler)
		ctx.X[10] = uint64(outcome.Signum)
		return SignalCheck{UserHandlerVA: uint64(outcome.Handler), Signum: outcome.Signum}
	case ksignal.DispositionStopped:
		return SignalCheck{StillFrozen: true, Signum: outcome.Signum}
	case ksignal.DispositionResumed:
		return SignalCheck{Signum: outcome.Signum}
	default:
		if st.Killed {
			return SignalCheck{Exit: true, ExitCode: -9}
		}
		return SignalCheck{StillFrozen: st.Frozen}
	}
}

// Sigreturn restores ctx from backup and clears the in-handler marker,
// grounded on sys_sigreturn.
func Sigreturn(st *ksignal.State, ctx *Context, backup *Context) {
	*ctx = *backup
	st.Sigreturn()
}
