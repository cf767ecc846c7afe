package main

import "fmt"

// encode.go encodes the three x86_64 relative control transfers the
// orchestrator uses to redirect a call site, adapted from the
// opcode/displacement arithmetic in ip_change_relative and the rel32
// patching used for call-site rewriting elsewhere in this family of tools.

// JumpKind selects which relative control-transfer instruction to emit.
type JumpKind int

const (
	KindCall JumpKind = iota // 0xE8, 5 bytes, 32-bit displacement
	KindJmpq                 // 0xE9, 5 bytes, 32-bit displacement
	KindJmp                  // 0xEB, 2 bytes, 8-bit displacement
)

const (
	opCall = 0xE8
	opJmpq = 0xE9
	opJmp  = 0xEB
)

// InstrLen returns the total encoded length for kind.
func InstrLen(kind JumpKind) int {
	switch kind {
	case KindCall, KindJmpq:
		return 5
	case KindJmp:
		return 2
	default:
		return 0
	}
}

// Encode writes a relative control transfer of the given kind into buf,
// transferring control from cur to tgt. The displacement is always
// tgt - cur - instrLen, i.e. relative to the address of the instruction
// following this one. Returns the number of bytes written.
//
// Preconditions: for CALL/JMPQ, |tgt - cur - 5| < 2^31; for JMP,
// |tgt - cur - 2| < 2^7. Violating these is a caller error and returns
// EncodingRange — the place allocator is expected to keep every request
// within reach before calling here.
func Encode(kind JumpKind, cur, tgt uint64, buf []byte) (int, error) {
	n := InstrLen(kind)
	if n == 0 {
		return 0, fmt.Errorf("unknown jump kind %d", kind)
	}
	if len(buf) < n {
		return 0, fmt.Errorf("buffer too small: need %d bytes, have %d", n, len(buf))
	}

	disp := int64(tgt) - int64(cur) - int64(n)

	switch kind {
	case KindCall:
		if disp < -(1<<31)+1 || disp > (1<<31)-1 {
			return 0, &PatchError{Kind: ErrEncodingRange, Msg: fmt.Sprintf("CALL displacement %d out of 32-bit range", disp)}
		}
		buf[0] = opCall
		putLE32(buf[1:5], uint32(int32(disp)))
	case KindJmpq:
		if disp < -(1<<31)+1 || disp > (1<<31)-1 {
			return 0, &PatchError{Kind: ErrEncodingRange, Msg: fmt.Sprintf("JMPQ displacement %d out of 32-bit range", disp)}
		}
		buf[0] = opJmpq
		putLE32(buf[1:5], uint32(int32(disp)))
	case KindJmp:
		if disp < -(1<<7)+1 || disp > (1<<7)-1 {
			return 0, &PatchError{Kind: ErrEncodingRange, Msg: fmt.Sprintf("JMP displacement %d out of 8-bit range", disp)}
		}
		buf[0] = opJmp
		buf[1] = byte(int8(disp))
	}

	return n, nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// CallJmpqTrampoline builds a two-hop redirect out of two JMPQs (no CALL
// is emitted): one at placeAddr targeting tgt, and one at cur targeting
// placeAddr. It is used when tgt is out of 32-bit reach from cur but
// within reach of a PatchPlace. Returns the bytes to write at placeAddr
// and the bytes to write at cur; the caller writes both.
func CallJmpqTrampoline(cur, placeAddr, tgt uint64) (atPlace []byte, atCur []byte, err error) {
	atPlace = make([]byte, InstrLen(KindJmpq))
	if _, err = Encode(KindJmpq, placeAddr, tgt, atPlace); err != nil {
		return nil, nil, fmt.Errorf("trampoline target unreachable from place: %w", err)
	}
	atCur = make([]byte, InstrLen(KindJmpq))
	if _, err = Encode(KindJmpq, cur, placeAddr, atCur); err != nil {
		return nil, nil, fmt.Errorf("place unreachable from call site: %w", err)
	}
	return atPlace, atCur, nil
}
