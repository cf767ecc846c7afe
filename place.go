package main

import "fmt"

// place.go manages the PatchPlaces carved out inside the victim for
// synthesized trampoline code. Adapted from the
// find_place/alloc_place/process_create_place/process_get_place family
// and from local-mmap code-page bookkeeping (CodePage/HotReloadManager),
// generalized to allocate remotely via the tracer gateway instead of in
// the caller's own address space.

const pageSize = 4096

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// PlaceAllocator carves PatchPlaces out of the victim on demand and
// bump-allocates from them.
type PlaceAllocator struct {
	gw    TracerGateway
	ctl   TracerCtl
	vmas  *VmaInventory
	pid   int
	places []*PatchPlace
}

// NewPlaceAllocator returns an allocator that reserves scratch regions in
// the victim identified by ctl, consulting vmas to find holes.
func NewPlaceAllocator(gw TracerGateway, ctl TracerCtl, vmas *VmaInventory, pid int) *PlaceAllocator {
	return &PlaceAllocator{gw: gw, ctl: ctl, vmas: vmas, pid: pid}
}

// Places returns every place allocated so far, for attaching to a Patch.
func (pa *PlaceAllocator) Places() []*PatchPlace {
	return pa.places
}

// findPlace returns the first existing place reachable from hint.
func (pa *PlaceAllocator) findPlace(hint uint64) *PatchPlace {
	for _, p := range pa.places {
		if Reachable(p.Start, hint) {
			return p
		}
	}
	return nil
}

// GetPlace allocates size bytes (16-byte aligned) reachable from hint,
// creating a new backing PatchPlace via a remote anonymous RWX mmap if no
// existing place is reachable from hint. If the first reachable place has
// too little room left, it fails with PlaceExhausted rather than creating
// another place.
func (pa *PlaceAllocator) GetPlace(hint uint64, size uint64) (uint64, error) {
	size = roundUp(size, 16)

	place := pa.findPlace(hint)
	if place == nil {
		p, err := pa.createPlace(hint, size)
		if err != nil {
			return 0, err
		}
		place = p
	} else if place.Size-place.Used < size {
		return 0, newErr(ErrPlaceExhausted, pa.pid,
			fmt.Sprintf("no room for %d bytes in place %#x (free: %d)", size, place.Start, place.Size-place.Used), nil)
	}

	used := roundUp(place.Used, 16)
	addr := place.Start + used
	place.Used = used + size
	return addr, nil
}

func (pa *PlaceAllocator) createPlace(hint uint64, size uint64) (*PatchPlace, error) {
	mapSize := roundUp(size, pageSize)

	addr, ok := pa.vmas.FindHole(hint, mapSize)
	if !ok || !Reachable(addr, hint) {
		return nil, newErr(ErrNoReachableHole, pa.pid,
			fmt.Sprintf("no hole of %d bytes reachable from hint %#x", mapSize, hint), nil)
	}

	prot := uint64(mmapProtRead | mmapProtWrite | mmapProtExec)
	flags := uint64(mmapAnonymous | mmapPrivate)
	ret, err := pa.gw.Syscall(pa.ctl, sysMmap, [6]uint64{addr, mapSize, prot, flags, ^uint64(0), 0})
	if err != nil {
		return nil, newErr(ErrRemoteSyscall, pa.pid, "remote mmap for patch place failed", err)
	}
	if ret != int64(addr) {
		_, _ = pa.gw.Syscall(pa.ctl, sysMunmap, [6]uint64{uint64(ret), mapSize, 0, 0, 0, 0})
		return nil, newErr(ErrMapMismatch, pa.pid,
			fmt.Sprintf("mmap returned %#x, expected %#x", ret, addr), nil)
	}

	p := &PatchPlace{Start: addr, Size: mapSize}
	pa.places = append(pa.places, p)
	return p, nil
}
