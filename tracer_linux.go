//go:build linux
// +build linux

package main

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// tracer_linux.go is the concrete Tracer Gateway: PTRACE_SEIZE/INTERRUPT to
// stop a victim, process_vm_readv/writev for bulk memory transfer, and a
// classic ptrace remote-syscall trampoline (write a `syscall` instruction
// over two bytes at the victim's current RIP, set registers, single step,
// restore) to run syscalls in the victim's own context. Grounded on
// the raw-ptrace helper style in pattyshack/ptrace and the
// attach/seize/regs flow in gvisor-ligolo's ptrace platform.

type ptraceCtl struct {
	pid      int
	savedRip uint64
}

func (c *ptraceCtl) Pid() int { return c.pid }

// PtraceGateway is the production TracerGateway for Linux/x86_64.
type PtraceGateway struct {
	stopped map[int]bool
}

// NewPtraceGateway returns a ready-to-use PtraceGateway.
func NewPtraceGateway() *PtraceGateway {
	return &PtraceGateway{stopped: make(map[int]bool)}
}

func rawPtrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(pid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (g *PtraceGateway) Stop(pid int) error {
	if g.stopped[pid] {
		return newErr(ErrNotTraceable, pid, "already stopped by this tracer", nil)
	}

	if err := rawPtrace(unix.PTRACE_SEIZE, pid, 0, 0); err != nil {
		return newErr(ErrNotTraceable, pid, "PTRACE_SEIZE failed", err)
	}
	if err := rawPtrace(unix.PTRACE_INTERRUPT, pid, 0, 0); err != nil {
		return newErr(ErrNotTraceable, pid, "PTRACE_INTERRUPT failed", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return newErr(ErrNotTraceable, pid, "wait4 failed after interrupt", err)
	}
	if !ws.Stopped() {
		return newErr(ErrNotTraceable, pid, fmt.Sprintf("victim did not stop, status=%v", ws), nil)
	}

	g.stopped[pid] = true
	return nil
}

func (g *PtraceGateway) Resume(pid int) error {
	if !g.stopped[pid] {
		return newErr(ErrNotTraceable, pid, "victim is not stopped under this tracer", nil)
	}
	if err := rawPtrace(unix.PTRACE_DETACH, pid, 0, 0); err != nil {
		return newErr(ErrNotTraceable, pid, "PTRACE_DETACH failed", err)
	}
	delete(g.stopped, pid)
	return nil
}

func (g *PtraceGateway) Prepare(pid int) (TracerCtl, error) {
	if !g.stopped[pid] {
		return nil, newErr(ErrNotTraceable, pid, "Prepare called before Stop", nil)
	}
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return nil, newErr(ErrNotTraceable, pid, "PTRACE_GETREGS failed", err)
	}
	return &ptraceCtl{pid: pid, savedRip: regs.Rip}, nil
}

func (g *PtraceGateway) Peek(pid int, addr uint64, dst []byte, n int) error {
	if n <= 0 {
		return nil
	}
	got, err := unix.ProcessVMReadv(pid,
		[]unix.Iovec{{Base: &dst[0], Len: uint64(n)}},
		[]unix.RemoteIovec{{Base: uintptr(addr), Len: n}}, 0)
	if err != nil || got != n {
		if err := peekWords(pid, addr, dst[:n]); err != nil {
			return newErr(ErrRemoteSyscall, pid, "failed to read victim memory", err)
		}
	}
	return nil
}

func (g *PtraceGateway) Poke(pid int, addr uint64, src []byte, n int) error {
	if n <= 0 {
		return nil
	}
	got, err := unix.ProcessVMWritev(pid,
		[]unix.Iovec{{Base: &src[0], Len: uint64(n)}},
		[]unix.RemoteIovec{{Base: uintptr(addr), Len: n}}, 0)
	if err != nil || got != n {
		if err := pokeWords(pid, addr, src[:n]); err != nil {
			return newErr(ErrRemoteSyscall, pid, "failed to write victim memory", err)
		}
	}
	return nil
}

// peekWords falls back to PTRACE_PEEKTEXT when process_vm_readv is
// unavailable (e.g. permission denied by yama ptrace_scope).
// syscall.PtracePeekData already loops word-at-a-time internally.
func peekWords(pid int, addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	_, err := syscall.PtracePeekData(pid, uintptr(addr), dst)
	return err
}

func pokeWords(pid int, addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	_, err := syscall.PtracePokeData(pid, uintptr(addr), src)
	return err
}

// Syscall runs nr(args...) in the victim by overwriting two bytes at the
// victim's current RIP with the `syscall` instruction (0x0F 0x05),
// loading the six argument registers per the x86_64 syscall ABI,
// single-stepping once, then restoring the original bytes and registers.
// The victim must already be stopped; this parks it on a syscall
// trampoline for the duration of one single-step.
func (g *PtraceGateway) Syscall(ctl TracerCtl, nr int64, args [6]uint64) (int64, error) {
	pc, ok := ctl.(*ptraceCtl)
	if !ok {
		return 0, newErr(ErrRemoteSyscall, ctl.Pid(), "invalid control handle", nil)
	}
	pid := pc.pid

	var saved syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &saved); err != nil {
		return 0, newErr(ErrRemoteSyscall, pid, "PTRACE_GETREGS failed", err)
	}

	trampolineAddr := saved.Rip
	var origCode [2]byte
	if err := peekWords(pid, trampolineAddr, origCode[:]); err != nil {
		return 0, newErr(ErrRemoteSyscall, pid, "failed to read trampoline bytes", err)
	}
	if err := pokeWords(pid, trampolineAddr, []byte{0x0F, 0x05}); err != nil {
		return 0, newErr(ErrRemoteSyscall, pid, "failed to install syscall trampoline", err)
	}

	work := saved
	work.Rax = uint64(nr)
	work.Rdi = args[0]
	work.Rsi = args[1]
	work.Rdx = args[2]
	work.R10 = args[3]
	work.R8 = args[4]
	work.R9 = args[5]
	work.Rip = trampolineAddr

	restore := func() {
		_ = pokeWords(pid, trampolineAddr, origCode[:])
		_ = syscall.PtraceSetRegs(pid, &saved)
	}

	if err := syscall.PtraceSetRegs(pid, &work); err != nil {
		restore()
		return 0, newErr(ErrRemoteSyscall, pid, "PTRACE_SETREGS failed", err)
	}

	if err := syscall.PtraceSingleStep(pid); err != nil {
		restore()
		return 0, newErr(ErrRemoteSyscall, pid, "PTRACE_SINGLESTEP failed", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		restore()
		return 0, newErr(ErrRemoteSyscall, pid, "wait4 after singlestep failed", err)
	}

	var after syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &after); err != nil {
		restore()
		return 0, newErr(ErrRemoteSyscall, pid, "PTRACE_GETREGS after syscall failed", err)
	}

	ret := int64(after.Rax)
	restore()

	if ret < 0 {
		return ret, newErr(ErrRemoteSyscall, pid, fmt.Sprintf("remote syscall %d returned errno %d", nr, -ret), nil)
	}
	return ret, nil
}

// OpenFile writes path into a scratch slot below the victim's current
// stack pointer (the victim is frozen for the whole session, so nothing
// else can observe or clobber it) and issues a remote open(2).
func (g *PtraceGateway) OpenFile(ctl TracerCtl, path string, flags int, mode uint32) (int, error) {
	pc, ok := ctl.(*ptraceCtl)
	if !ok {
		return -1, newErr(ErrRemoteSyscall, ctl.Pid(), "invalid control handle", nil)
	}
	pid := pc.pid

	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return -1, newErr(ErrRemoteSyscall, pid, "PTRACE_GETREGS failed", err)
	}

	pathBytes := append([]byte(path), 0)
	scratch := regs.Rsp - 4096
	if err := pokeWords(pid, scratch, pathBytes); err != nil {
		return -1, newErr(ErrRemoteSyscall, pid, "failed to write remote path", err)
	}

	ret, err := g.Syscall(ctl, sysOpen, [6]uint64{scratch, uint64(flags), uint64(mode), 0, 0, 0})
	if err != nil {
		return -1, err
	}
	return int(ret), nil
}

func (g *PtraceGateway) CloseFile(ctl TracerCtl, fd int) error {
	_, err := g.Syscall(ctl, sysClose, [6]uint64{uint64(fd), 0, 0, 0, 0, 0})
	return err
}
