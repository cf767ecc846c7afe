package main

// datamodel.go defines the shapes shared by every component of the patch
// applier: the decoded patch description, the victim's memory inventory,
// the scratch regions carved out for synthesized code, and the live
// application state tying them together.

// SegType identifies an ELF program header type. Only PT_LOAD participates
// in mapping; other types are kept for completeness but skipped by the
// ELF Image Loader.
type SegType string

const (
	PTLoad    SegType = "PT_LOAD"
	PTDynamic SegType = "PT_DYNAMIC"
	PTInterp  SegType = "PT_INTERP"
	PTNote    SegType = "PT_NOTE"
)

// Protection bits, matching Linux mmap semantics bit-for-bit.
const (
	ProtNone = 0
	ProtRead = 1 << 0
	ProtWrite = 1 << 1
	ProtExec = 1 << 2
)

// ELF segment flag bits (PF_X/PF_W/PF_R), independent of ProtRead etc. so
// that segment flags decoded from a patch description don't get silently
// confused with mmap protection bits: the read and execute bits sit at
// opposite positions in the two encodings (PF_R=4, PROT_READ=1).
const (
	PFExec  = 1 << 0
	PFWrite = 1 << 1
	PFRead  = 1 << 2
)

// Segment mirrors one ELF program header entry from the replacement
// object described in a patch manifest.
type Segment struct {
	Type   SegType
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	MemSz  uint64
	FileSz uint64
	Flags  uint32 // PF_R | PF_W | PF_X
	Align  uint64
}

// FuncJump is a single old-entry -> new-entry redirection record.
type FuncJump struct {
	Name       string
	FuncValue  uint64 // old entry point, relative to the victim's old-object load base
	FuncSize   uint64 // bytes permitted to overwrite at the old entry
	PatchValue uint64 // new entry point, relative to the replacement's load bias
}

// PatchInfo is the decoded patch description.
type PatchInfo struct {
	OldBID    string
	NewBID    string
	Path      string
	Segments  []Segment
	FuncJumps []FuncJump
}

// LoadSegments returns only the PT_LOAD entries, in program-header order.
func (pi *PatchInfo) LoadSegments() []Segment {
	out := make([]Segment, 0, len(pi.Segments))
	for _, s := range pi.Segments {
		if s.Type == PTLoad {
			out = append(out, s)
		}
	}
	return out
}

// VmaArea is one row of the victim's /proc/<pid>/maps.
type VmaArea struct {
	Start  uint64
	End    uint64
	Prot   int // ProtRead | ProtWrite | ProtExec
	Shared bool
	Pgoff  uint64
	Path   string
}

// Size returns the VMA's span in bytes.
func (v VmaArea) Size() uint64 {
	return v.End - v.Start
}

// PatchPlace is a reserved executable scratch region inside the victim,
// used for synthesized trampoline code. Belongs to exactly one Patch.
type PatchPlace struct {
	Start uint64
	Size  uint64 // page-aligned
	Used  uint64 // bytes consumed, monotonic
}

// UpperHalf returns the upper 32 bits of an address. Two addresses in the
// same upper half are treated as mutually reachable by a 32-bit
// RIP-relative displacement — a conservative proxy, not an exact bound.
func UpperHalf(addr uint64) uint64 {
	return addr &^ 0xFFFFFFFF
}

// Reachable reports whether a and b share the same upper 32 bits.
func Reachable(a, b uint64) bool {
	return UpperHalf(a) == UpperHalf(b)
}

// Patch is the live application of one PatchInfo inside a victim.
type Patch struct {
	Info     *PatchInfo
	LoadAddr uint64 // load bias of the mapped replacement in the victim
	Places   []*PatchPlace
}

// ProcessContext is the root of one application run: it owns the victim
// pid, the tracer control handle, the VMA inventory and the live Patch.
// It owns its sub-resources exclusively; Patch reaches back to it only
// through an explicit argument on each operation, never a stored pointer.
type ProcessContext struct {
	Pid   int
	Ctl   TracerCtl
	Vmas  *VmaInventory
	Patch *Patch
}
