package main

import (
	"encoding/json"
	"fmt"
	"io"
)

// patchdecode.go is this repository's concrete manifest format: a flat
// JSON document mirroring the PatchInfo fields. The core applier treats
// PatchInfo as read-only input produced by a parser, so other manifest
// formats can be added alongside this one without touching it.

type segmentDoc struct {
	Type   string `json:"type"`
	Offset uint64 `json:"offset"`
	Vaddr  uint64 `json:"vaddr"`
	Paddr  uint64 `json:"paddr"`
	MemSz  uint64 `json:"mem_sz"`
	FileSz uint64 `json:"file_sz"`
	Flags  uint32 `json:"flags"`
	Align  uint64 `json:"align"`
}

type funcJumpDoc struct {
	Name       string `json:"name"`
	FuncValue  uint64 `json:"func_value"`
	FuncSize   uint64 `json:"func_size"`
	PatchValue uint64 `json:"patch_value"`
}

type patchInfoDoc struct {
	OldBID    string        `json:"old_bid"`
	NewBID    string        `json:"new_bid"`
	Path      string        `json:"path"`
	Segments  []segmentDoc  `json:"segments"`
	FuncJumps []funcJumpDoc `json:"func_jumps"`
}

// minTrampolineBytes is the shortest encodable redirect (a single 2-byte
// JMP); any FuncJump whose FuncSize can't even hold that is malformed.
const minTrampolineBytes = 2

// DecodePatchInfo parses a JSON patch manifest into a PatchInfo,
// validating required fields and FuncJump sizes.
func DecodePatchInfo(r io.Reader) (*PatchInfo, error) {
	var doc patchInfoDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, newErr(ErrFormatError, 0, "failed to parse patch manifest", err)
	}

	if doc.OldBID == "" || doc.NewBID == "" || doc.Path == "" {
		return nil, newErr(ErrFormatError, 0, "old_bid, new_bid and path are required", nil)
	}

	info := &PatchInfo{
		OldBID: doc.OldBID,
		NewBID: doc.NewBID,
		Path:   doc.Path,
	}

	for _, s := range doc.Segments {
		if s.FileSz > s.MemSz {
			return nil, newErr(ErrFormatError, 0,
				fmt.Sprintf("segment %q: file_sz %d exceeds mem_sz %d", s.Type, s.FileSz, s.MemSz), nil)
		}
		info.Segments = append(info.Segments, Segment{
			Type:   SegType(s.Type),
			Offset: s.Offset,
			Vaddr:  s.Vaddr,
			Paddr:  s.Paddr,
			MemSz:  s.MemSz,
			FileSz: s.FileSz,
			Flags:  s.Flags,
			Align:  s.Align,
		})
	}

	for _, fj := range doc.FuncJumps {
		if fj.Name == "" {
			return nil, newErr(ErrFormatError, 0, "func_jumps entry missing name", nil)
		}
		if fj.FuncSize < minTrampolineBytes {
			return nil, newErr(ErrFormatError, 0,
				fmt.Sprintf("func_jumps[%s]: func_size %d too small for any trampoline", fj.Name, fj.FuncSize), nil)
		}
		info.FuncJumps = append(info.FuncJumps, FuncJump{
			Name:       fj.Name,
			FuncValue:  fj.FuncValue,
			FuncSize:   fj.FuncSize,
			PatchValue: fj.PatchValue,
		})
	}

	if len(info.LoadSegments()) == 0 {
		return nil, newErr(ErrFormatError, 0, "patch manifest has no PT_LOAD segments", nil)
	}

	return info, nil
}
