package main

import "fmt"

// elfimage.go maps every PT_LOAD segment of a replacement object into
// the victim via remote mmap, absorbing whatever relocation the kernel
// applies to the first (floating) mapping so later MAP_FIXED segments
// land correctly. Adapted from elf_map/load_elf.

const elfMinAlign = pageSize

func pageStart(v uint64) uint64  { return v &^ (elfMinAlign - 1) }
func pageOffset(v uint64) uint64 { return v & (elfMinAlign - 1) }
func pageAlign(v uint64) uint64  { return roundUp(v, elfMinAlign) }

// LoadELFImage maps every PT_LOAD segment of info into the victim behind
// fd (already open in the victim's own descriptor table, e.g. via
// TracerGateway.OpenFile) and returns the resulting load bias.
//
// Algorithm:
//  1. load_bias starts at hint floored to a 256 MiB boundary.
//  2. Each segment is mapped at load_bias+vaddr (page-aligned down), with
//     MAP_PRIVATE on the first segment and MAP_PRIVATE|MAP_FIXED on the
//     rest, so segment 2..n are pinned relative to the kernel's chosen
//     base for segment 1.
//  3. load_bias is corrected after the first mapping by the delta
//     between the requested and kernel-returned address.
//
// On any mapping failure, segments already mapped are unmapped before
// returning the error, so no victim-side reservation is leaked.
func LoadELFImage(gw TracerGateway, ctl TracerCtl, pid int, fd int, info *PatchInfo, hint uint64) (uint64, error) {
	const loadBiasAlign = 1 << 28 // 256 MiB
	loadBias := hint &^ (loadBiasAlign - 1)

	segs := info.LoadSegments()
	if len(segs) == 0 {
		return 0, newErr(ErrFormatError, pid, "patch info has no PT_LOAD segments", nil)
	}

	var mapped []mappedRegion
	flags := uint64(mmapPrivate)

	for i, s := range segs {
		addr := pageStart(loadBias + s.Vaddr)
		size := pageAlign(s.FileSz + pageOffset(s.Vaddr))
		off := s.Offset - pageOffset(s.Vaddr)
		prot := mmapProt(s.Flags)

		if size == 0 {
			continue
		}

		ret, err := gw.Syscall(ctl, sysMmap, [6]uint64{addr, size, prot, flags, uint64(fd), off})
		if err != nil {
			unmapAll(gw, ctl, mapped)
			return 0, newErr(ErrRemoteSyscall, pid, fmt.Sprintf("failed to map segment %d", i), err)
		}
		if flags&mmapFixed != 0 && ret != int64(addr) {
			unmapAll(gw, ctl, mapped)
			return 0, newErr(ErrMapMismatch, pid, fmt.Sprintf("MAP_FIXED segment %d landed at %#x, expected %#x", i, ret, addr), nil)
		}

		mapped = append(mapped, mappedRegion{addr: uint64(ret), size: size})

		loadBias += uint64(ret) - pageStart(loadBias+s.Vaddr)
		flags |= mmapFixed
	}

	return loadBias, nil
}

type mappedRegion struct {
	addr uint64
	size uint64
}

func unmapAll(gw TracerGateway, ctl TracerCtl, regions []mappedRegion) {
	for _, r := range regions {
		_, _ = gw.Syscall(ctl, sysMunmap, [6]uint64{r.addr, r.size, 0, 0, 0, 0})
	}
}
