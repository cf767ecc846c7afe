//go:build !linux
// +build !linux

package main

import "fmt"

// tracer_other.go stubs the tracer gateway on platforms without Linux
// ptrace: a //go:build !linux counterpart that reports the feature
// unsupported instead of failing to compile.

type noopCtl struct{ pid int }

func (c *noopCtl) Pid() int { return c.pid }

// PtraceGateway is unavailable outside Linux; every method returns
// ErrNotTraceable.
type PtraceGateway struct{}

func NewPtraceGateway() *PtraceGateway { return &PtraceGateway{} }

func (g *PtraceGateway) unsupported(pid int) error {
	return newErr(ErrNotTraceable, pid, fmt.Sprintf("live patching requires Linux ptrace, running on %s", "this platform"), nil)
}

func (g *PtraceGateway) Stop(pid int) error { return g.unsupported(pid) }
func (g *PtraceGateway) Resume(pid int) error { return g.unsupported(pid) }

func (g *PtraceGateway) Prepare(pid int) (TracerCtl, error) {
	return nil, g.unsupported(pid)
}

func (g *PtraceGateway) Peek(pid int, addr uint64, dst []byte, n int) error {
	return g.unsupported(pid)
}

func (g *PtraceGateway) Poke(pid int, addr uint64, src []byte, n int) error {
	return g.unsupported(pid)
}

func (g *PtraceGateway) ctlPid(ctl TracerCtl) int {
	if ctl == nil {
		return 0
	}
	return ctl.Pid()
}

func (g *PtraceGateway) Syscall(ctl TracerCtl, nr int64, args [6]uint64) (int64, error) {
	return 0, g.unsupported(g.ctlPid(ctl))
}

func (g *PtraceGateway) OpenFile(ctl TracerCtl, path string, flags int, mode uint32) (int, error) {
	return -1, g.unsupported(g.ctlPid(ctl))
}

func (g *PtraceGateway) CloseFile(ctl TracerCtl, fd int) error {
	return g.unsupported(g.ctlPid(ctl))
}
