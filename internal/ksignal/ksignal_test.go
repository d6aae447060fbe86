package ksignal

import "testing"

func TestCheckErrorMapsFatalSignals(t *testing.T) {
	code, _, fatal := Set(SIGSEGV).CheckError()
	if !fatal || code != -11 {
		t.Fatalf("SIGSEGV check_error = (%d, %v), want (-11, true)", code, fatal)
	}
	_, _, fatal = Set(SIGCHLD).CheckError()
	if fatal {
		t.Fatalf("SIGCHLD should not be reported fatal")
	}
}

func TestDispatchKernelSignalStopAndCont(t *testing.T) {
	st := NewState()
	st.Pending = st.Pending.Add(SIGSTOP)
	out := Dispatch(&st)
	if out.Disposition != DispositionStopped || !st.Frozen {
		t.Fatalf("SIGSTOP dispatch = %+v, frozen=%v", out, st.Frozen)
	}

	st.Pending = st.Pending.Add(SIGCONT)
	out = Dispatch(&st)
	if out.Disposition != DispositionResumed || st.Frozen {
		t.Fatalf("SIGCONT dispatch = %+v, frozen=%v", out, st.Frozen)
	}
}

func TestDispatchDefaultKernelSignalKills(t *testing.T) {
	st := NewState()
	st.Pending = st.Pending.Add(SIGTERM)
	out := Dispatch(&st)
	if out.Disposition != DispositionKilled || !st.Killed {
		t.Fatalf("SIGTERM default dispatch = %+v, killed=%v", out, st.Killed)
	}
}

func TestDispatchUserHandlerArmsTrapRewrite(t *testing.T) {
	st := NewState()
	st.Actions[int(10)] = Action{Handler: 0x1000, Mask: 0}
	// signum 10 is SIGUSR1, a user-dispatched signal (signum 9 is SIGKILL, which the kernel handles itself).
	sig := 10
	st.Pending = st.Pending.Add(BitForSignum(sig))
	out := Dispatch(&st)
	if out.Disposition != DispositionUserHandler || out.Handler != 0x1000 || out.Signum != sig {
		t.Fatalf("user handler dispatch = %+v", out)
	}
	if st.HandlingSig != sig {
		t.Fatalf("handling_sig = %d, want %d", st.HandlingSig, sig)
	}
	if st.Pending.Contains(BitForSignum(sig)) {
		t.Fatalf("pending bit should be cleared once dispatched to a handler")
	}
}

func TestDispatchMaskedSignalIsSkipped(t *testing.T) {
	st := NewState()
	st.Mask = st.Mask.Add(SIGTERM)
	st.Pending = st.Pending.Add(SIGTERM)
	out := Dispatch(&st)
	if out.Disposition != DispositionNone {
		t.Fatalf("masked signal should not dispatch, got %+v", out)
	}
}

func TestSigreturnClearsHandlingMarker(t *testing.T) {
	st := NewState()
	st.HandlingSig = 3
	st.Sigreturn()
	if st.HandlingSig != -1 {
		t.Fatalf("handling_sig after sigreturn = %d, want -1", st.HandlingSig)
	}
}

func TestDefaultActionTableMasksQuitAndTrap(t *testing.T) {
	tbl := NewActionTable()
	if !tbl[5].Mask.Contains(SIGQUIT) || !tbl[5].Mask.Contains(SIGTRAP) {
		t.Fatalf("default action mask missing SIGQUIT|SIGTRAP")
	}
}
