package main

import "fmt"

// fake_test.go provides a fake Tracer Gateway shared by this package's
// table-driven tests, so the orchestration logic can be exercised
// without ever attaching to a real process.

type fakeCtl struct{ pid int }

func (c *fakeCtl) Pid() int { return c.pid }

type fakeGateway struct {
	mem      map[uint64]byte
	stopped  map[int]bool
	openFDs  map[int]string
	nextFD   int
	mmapNext uint64 // address returned for non-fixed mmaps when requestedAddr is 0
	failOpen bool

	// relocateFirstMmap, when non-zero, is returned in place of the
	// requested address for the first non-fixed mmap call only,
	// simulating a kernel that doesn't honor the placement hint. Every
	// later non-fixed mmap reverts to honoring the requested address.
	relocateFirstMmap uint64
	usedRelocation    bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		mem:      make(map[uint64]byte),
		stopped:  make(map[int]bool),
		openFDs:  make(map[int]string),
		nextFD:   3,
		mmapNext: 0x600000000000,
	}
}

func (g *fakeGateway) Stop(pid int) error {
	g.stopped[pid] = true
	return nil
}

func (g *fakeGateway) Resume(pid int) error {
	if !g.stopped[pid] {
		return fmt.Errorf("resume of non-stopped pid %d", pid)
	}
	delete(g.stopped, pid)
	return nil
}

func (g *fakeGateway) Prepare(pid int) (TracerCtl, error) {
	if !g.stopped[pid] {
		return nil, fmt.Errorf("prepare before stop")
	}
	return &fakeCtl{pid: pid}, nil
}

func (g *fakeGateway) Peek(pid int, addr uint64, dst []byte, n int) error {
	for i := 0; i < n; i++ {
		dst[i] = g.mem[addr+uint64(i)]
	}
	return nil
}

func (g *fakeGateway) Poke(pid int, addr uint64, src []byte, n int) error {
	for i := 0; i < n; i++ {
		g.mem[addr+uint64(i)] = src[i]
	}
	return nil
}

func (g *fakeGateway) Syscall(ctl TracerCtl, nr int64, args [6]uint64) (int64, error) {
	switch nr {
	case sysMmap:
		addr, size, flags := args[0], args[1], args[3]
		if flags&mmapFixed != 0 {
			return int64(addr), nil
		}
		if g.relocateFirstMmap != 0 && !g.usedRelocation {
			g.usedRelocation = true
			return int64(g.relocateFirstMmap), nil
		}
		if addr != 0 {
			return int64(addr), nil
		}
		ret := g.mmapNext
		g.mmapNext += size
		return int64(ret), nil
	case sysMunmap:
		return 0, nil
	case 10: // mprotect
		return 0, nil
	default:
		return 0, fmt.Errorf("fakeGateway: unhandled syscall %d", nr)
	}
}

func (g *fakeGateway) OpenFile(ctl TracerCtl, path string, flags int, mode uint32) (int, error) {
	if g.failOpen {
		return -1, fmt.Errorf("open failed")
	}
	fd := g.nextFD
	g.nextFD++
	g.openFDs[fd] = path
	return fd, nil
}

func (g *fakeGateway) CloseFile(ctl TracerCtl, fd int) error {
	if _, ok := g.openFDs[fd]; !ok {
		return fmt.Errorf("close of unknown fd %d", fd)
	}
	delete(g.openFDs, fd)
	return nil
}
