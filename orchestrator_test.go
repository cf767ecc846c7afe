package main

import (
	"os"
	"testing"
)

func basicPatchInfo(funcValue, patchValue, funcSize uint64) *PatchInfo {
	return &PatchInfo{
		OldBID: "/definitely/not/a/mapped/path",
		NewBID: "sha256:new",
		Path:   "/fake/replacement.so",
		Segments: []Segment{
			{Type: PTLoad, Offset: 0, Vaddr: 0, FileSz: 0x1000, MemSz: 0x1000, Flags: PFRead | PFExec},
		},
		FuncJumps: []FuncJump{
			{Name: "do_work", FuncValue: funcValue, FuncSize: funcSize, PatchValue: patchValue},
		},
	}
}

func TestOrchestratorApplyDirectJump(t *testing.T) {
	gw := newFakeGateway()
	pid := os.Getpid()
	orch := NewOrchestrator(gw, pid, false, false)

	hint := uint64(0x7f0000000000)
	info := basicPatchInfo(0x2000, 0x3000, 5)

	if err := orch.Apply(info, hint); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orch.state != StateResumed {
		t.Fatalf("expected StateResumed, got %v", orch.state)
	}
	if gw.stopped[pid] {
		t.Fatalf("expected victim to be resumed, still marked stopped")
	}
	if orch.ctx.Patch.LoadAddr != hint {
		t.Fatalf("expected load_addr %#x, got %#x", hint, orch.ctx.Patch.LoadAddr)
	}

	cur := hint + 0x2000
	buf := make([]byte, 5)
	if err := gw.Peek(pid, cur, buf, 5); err != nil {
		t.Fatalf("unexpected error reading back redirect: %v", err)
	}
	if buf[0] != 0xE9 {
		t.Fatalf("expected a JMPQ opcode at the call site, got % x", buf)
	}
}

// TestOrchestratorBuildRedirectFallsBackToTrampoline exercises buildRedirect
// directly against a crafted hole just past the point where the target
// comes back into reach, so a direct JMPQ from cur fails but a
// place-backed trampoline succeeds.
func TestOrchestratorBuildRedirectFallsBackToTrampoline(t *testing.T) {
	gw := newFakeGateway()
	pid := os.Getpid()
	orch := &Orchestrator{gw: gw, pid: pid}

	cur := uint64(0x7f0000001234)
	const limit = uint64(1) << 31
	tgt := cur + limit + 200 // 196 bytes past what a direct JMPQ from cur can reach

	inv := invFromRanges([][2]uint64{
		{0, cur + 200},
		{cur + 200 + pageSize, cur + 200 + 2*pageSize},
	})
	placer := NewPlaceAllocator(gw, &fakeCtl{pid: pid}, inv, pid)

	encoded, err := orch.buildRedirect(placer, cur, tgt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(encoded) != 5 || encoded[0] != 0xE9 {
		t.Fatalf("expected a JMPQ stub at the call site, got % x", encoded)
	}
	if len(placer.Places()) != 1 {
		t.Fatalf("expected a place to be allocated for the trampoline")
	}
}

func TestOrchestratorApplyCuresOnLateFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.failOpen = true
	pid := os.Getpid()
	orch := NewOrchestrator(gw, pid, false, false)

	err := orch.Apply(basicPatchInfo(0x2000, 0x3000, 5), 0x7f0000000000)
	if err == nil {
		t.Fatalf("expected OpenFile failure to propagate")
	}
	if orch.state != StateDetached {
		t.Fatalf("expected cure() to return state to Detached, got %v", orch.state)
	}
	if gw.stopped[pid] {
		t.Fatalf("expected cure() to resume the victim")
	}
}

func TestOrchestratorApplyRejectsOversizedRedirect(t *testing.T) {
	gw := newFakeGateway()
	pid := os.Getpid()
	orch := NewOrchestrator(gw, pid, false, false)

	// func_size of 1 can't hold even the shortest encodable redirect.
	info := basicPatchInfo(0x2000, 0x3000, 1)
	err := orch.Apply(info, 0x7f0000000000)
	if err == nil {
		t.Fatalf("expected EncodingRange error for an undersized func_size")
	}
	pe, ok := err.(*PatchError)
	if !ok || pe.Kind != ErrEncodingRange {
		t.Fatalf("expected EncodingRange, got %#v", err)
	}
	if orch.state != StateDetached {
		t.Fatalf("expected cure() to return state to Detached, got %v", orch.state)
	}
}

func TestOrchestratorHardenPlaces(t *testing.T) {
	gw := newFakeGateway()
	pid := os.Getpid()
	orch := &Orchestrator{gw: gw, pid: pid, harden: true}
	orch.ctx = &ProcessContext{
		Pid:   pid,
		Patch: &Patch{Places: []*PatchPlace{{Start: 0x7f0000000000, Size: pageSize}}},
	}

	orch.hardenPlaces()
}
