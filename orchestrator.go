package main

import (
	"fmt"
)

// orchestrator.go is the state machine driving the tracer gateway, vma
// inventory, place allocator, ELF image loader and instruction encoder
// to apply one PatchInfo to a live victim, grounded directly on the
// process_infect/process_cure flow.

// State names the orchestrator's position in the Detached -> ... ->
// Resumed state machine.
type State int

const (
	StateDetached State = iota
	StateStopped
	StateInventoried
	StateImageLoaded
	StateRedirected
	StateResumed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateStopped:
		return "Stopped"
	case StateInventoried:
		return "Inventoried"
	case StateImageLoaded:
		return "ImageLoaded"
	case StateRedirected:
		return "Redirected"
	case StateResumed:
		return "Resumed"
	default:
		return "Unknown"
	}
}

// Orchestrator drives one patch application from Detached to Resumed (or
// back to Detached on failure).
type Orchestrator struct {
	gw      TracerGateway
	pid     int
	state   State
	verbose bool
	harden  bool

	ctx *ProcessContext
}

// NewOrchestrator returns an orchestrator for pid using gw as the tracer
// gateway. harden enables dropping PROT_WRITE from every place once
// redirection is complete.
func NewOrchestrator(gw TracerGateway, pid int, verbose, harden bool) *Orchestrator {
	return &Orchestrator{gw: gw, pid: pid, state: StateDetached, verbose: verbose, harden: harden}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.verbose {
		fmt.Printf("[binpatch pid=%d state=%s] "+format+"\n", append([]interface{}{o.pid, o.state}, args...)...)
	}
}

// cure resumes the victim after a late-stage failure and returns to
// Detached rather than leaving it stopped.
func (o *Orchestrator) cure() {
	if o.state == StateDetached {
		return
	}
	if err := o.gw.Resume(o.pid); err != nil {
		o.logf("cure: failed to resume victim: %v", err)
	}
	o.state = StateDetached
}

// Apply runs the full Detached -> Resumed flow for info, with hint used
// to seed the ELF loader's and Place Allocator's address search.
func (o *Orchestrator) Apply(info *PatchInfo, hint uint64) error {
	if err := o.toStopped(); err != nil {
		return err
	}
	if err := o.toInventoried(); err != nil {
		o.cure()
		return err
	}
	if err := o.toImageLoaded(info, hint); err != nil {
		o.cure()
		return err
	}
	if err := o.toRedirected(info, hint); err != nil {
		o.cure()
		return err
	}
	return o.toResumed()
}

func (o *Orchestrator) toStopped() error {
	if err := o.gw.Stop(o.pid); err != nil {
		return err
	}
	o.state = StateStopped

	ctl, err := o.gw.Prepare(o.pid)
	if err != nil {
		o.cure()
		return err
	}
	o.ctx = &ProcessContext{Pid: o.pid, Ctl: ctl}
	o.logf("victim stopped")
	return nil
}

func (o *Orchestrator) toInventoried() error {
	vmas, err := CollectVmas(o.pid)
	if err != nil {
		return err
	}
	o.ctx.Vmas = vmas
	o.state = StateInventoried
	o.logf("collected %d VMAs", len(vmas.Areas()))
	return nil
}

func (o *Orchestrator) toImageLoaded(info *PatchInfo, hint uint64) error {
	fd, err := o.gw.OpenFile(o.ctx.Ctl, info.Path, 0 /* O_RDONLY */, 0)
	if err != nil {
		return err
	}

	loadAddr, loadErr := LoadELFImage(o.gw, o.ctx.Ctl, o.pid, fd, info, hint)

	if closeErr := o.gw.CloseFile(o.ctx.Ctl, fd); closeErr != nil {
		o.logf("warning: failed to close remote fd %d: %v", fd, closeErr)
	}
	if loadErr != nil {
		return loadErr
	}

	o.ctx.Patch = &Patch{Info: info, LoadAddr: loadAddr}
	o.state = StateImageLoaded
	o.logf("loaded replacement image, load_addr=%#x", loadAddr)
	return nil
}

func (o *Orchestrator) toRedirected(info *PatchInfo, hint uint64) error {
	placer := NewPlaceAllocator(o.gw, o.ctx.Ctl, o.ctx.Vmas, o.pid)

	// FuncValue is relative to the old object's load base. We derive it
	// from the VMA whose path equals info.OldBID in the victim's own inventory when present,
	// falling back to hint (the value an external frontend would supply
	// when the old object isn't independently discoverable via its path).
	oldBase := o.oldObjectBase(info, hint)

	for _, fj := range info.FuncJumps {
		cur := oldBase + fj.FuncValue
		tgt := o.ctx.Patch.LoadAddr + fj.PatchValue

		encoded, err := o.buildRedirect(placer, cur, tgt)
		if err != nil {
			return err
		}
		if uint64(len(encoded)) > fj.FuncSize {
			return newErr(ErrEncodingRange, o.pid,
				fmt.Sprintf("encoded redirect for %s is %d bytes, func_size only allows %d", fj.Name, len(encoded), fj.FuncSize), nil)
		}

		if err := o.gw.Poke(o.pid, cur, encoded, len(encoded)); err != nil {
			return newErr(ErrRemoteSyscall, o.pid, fmt.Sprintf("failed to install redirect for %s", fj.Name), err)
		}
		o.logf("redirected %s: %#x -> %#x (%d bytes)", fj.Name, cur, tgt, len(encoded))
	}

	o.ctx.Patch.Places = placer.Places()
	if o.harden {
		o.hardenPlaces()
	}
	o.state = StateRedirected
	return nil
}

// buildRedirect picks a direct JMPQ when tgt is reachable from cur, or a
// two-step trampoline through a PatchPlace otherwise.
func (o *Orchestrator) buildRedirect(placer *PlaceAllocator, cur, tgt uint64) ([]byte, error) {
	buf := make([]byte, InstrLen(KindJmpq))
	if _, err := Encode(KindJmpq, cur, tgt, buf); err == nil {
		return buf, nil
	}

	placeAddr, err := placer.GetPlace(cur, uint64(InstrLen(KindJmpq)))
	if err != nil {
		return nil, err
	}
	atPlace, atCur, err := CallJmpqTrampoline(cur, placeAddr, tgt)
	if err != nil {
		return nil, newErr(ErrEncodingRange, o.pid, "target unreachable even through a patch place", err)
	}
	if err := o.gw.Poke(o.pid, placeAddr, atPlace, len(atPlace)); err != nil {
		return nil, newErr(ErrRemoteSyscall, o.pid, "failed to write trampoline stub", err)
	}
	return atCur, nil
}

func (o *Orchestrator) oldObjectBase(info *PatchInfo, hint uint64) uint64 {
	if vma, ok := o.ctx.Vmas.FindByPath(info.OldBID); ok {
		return vma.Start
	}
	return hint
}

// hardenPlaces drops PROT_WRITE from every place's pages once the
// orchestrator is done writing synthesized code into them.
func (o *Orchestrator) hardenPlaces() {
	const sysMprotect = 10
	for _, p := range o.ctx.Patch.Places {
		prot := uint64(mmapProtRead | mmapProtExec)
		if _, err := o.gw.Syscall(o.ctx.Ctl, sysMprotect, [6]uint64{p.Start, p.Size, prot, 0, 0, 0}); err != nil {
			o.logf("warning: failed to harden place %#x: %v", p.Start, err)
		}
	}
}

func (o *Orchestrator) toResumed() error {
	if err := o.gw.Resume(o.pid); err != nil {
		return err
	}
	o.state = StateResumed
	o.logf("victim resumed")
	return nil
}
