package main

// tracer.go defines the tracer gateway contract. The core patch applier
// depends only on this interface; concrete implementations live in
// tracer_linux.go (real ptrace) and tracer_other.go (unsupported-platform
// stub).

// TracerCtl is the opaque control handle obtained from Prepare, used to
// run syscalls in the victim's own context.
type TracerCtl interface {
	Pid() int
}

// TracerGateway stops/resumes a victim, peeks/pokes its memory, and runs
// syscalls on its behalf. Between Stop and Resume the victim is frozen;
// no other mutation of its address space can race with ours.
type TracerGateway interface {
	// Stop halts the victim. It fails if the victim is not in a runnable
	// state.
	Stop(pid int) error

	// Resume lets the victim continue executing.
	Resume(pid int) error

	// Prepare obtains a control handle usable for remote syscalls. It
	// fails if the victim is not currently stopped under this tracer.
	Prepare(pid int) (TracerCtl, error)

	// Peek copies n bytes starting at addr in the victim into dst.
	Peek(pid int, addr uint64, dst []byte, n int) error

	// Poke writes n bytes of src into the victim starting at addr.
	Poke(pid int, addr uint64, src []byte, n int) error

	// Syscall runs syscall nr with the given six arguments in the
	// victim's context and returns its return value (which, per the
	// kernel x86_64 ABI, is negative errno on failure).
	Syscall(ctl TracerCtl, nr int64, args [6]uint64) (int64, error)

	// OpenFile opens path in the victim and returns the resulting fd,
	// valid in the victim's own file descriptor table.
	OpenFile(ctl TracerCtl, path string, flags int, mode uint32) (int, error)

	// CloseFile closes a victim-side fd opened by OpenFile.
	CloseFile(ctl TracerCtl, fd int) error
}

// Linux x86_64 syscall numbers used by the gateway and its callers. Kept
// here rather than imported from golang.org/x/sys/unix so non-Linux
// builds (tracer_other.go) still compile without the platform-specific
// constants.
const (
	sysRead   = 0
	sysWrite  = 1
	sysOpen   = 2
	sysClose  = 3
	sysMmap   = 9
	sysMunmap = 11
)

// mmap prot/flags bits, Linux x86_64 values.
const (
	mmapProtNone  = 0x0
	mmapProtRead  = 0x1
	mmapProtWrite = 0x2
	mmapProtExec  = 0x4

	mmapShared    = 0x01
	mmapPrivate   = 0x02
	mmapFixed     = 0x10
	mmapAnonymous = 0x20
)

func mmapProt(segFlags uint32) uint64 {
	var p uint64
	if segFlags&PFRead != 0 {
		p |= mmapProtRead
	}
	if segFlags&PFWrite != 0 {
		p |= mmapProtWrite
	}
	if segFlags&PFExec != 0 {
		p |= mmapProtExec
	}
	return p
}
