package detour

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3   = 0xcc
	opcodeJMPrel = 0xe9 // JMP rel32
	opcodeJMPabs = 0xff // JMP [RIP+disp32], with ModRM 0x25
	opcodeJcc8   = 0x70 // Jcc rel8, condition in the low nibble
	opcodeJcc32  = 0x80 // Jcc rel32 after 0x0f, condition in the low nibble
	opcodeMOVimm = 0xba // MOV imm64, RDX with REX.W

	modrmJMPrip = 0x25 // /4 with [RIP+disp32]
	modrmJMPrdx = 0x22 // /4 with [RDX]

	absJumpLen = 14 // JMP [RIP+0] followed by the 8 byte destination

	thunkSize = 12
)

// encodeStub returns the word that replaces original at from: a JMP rel32 to
// thunk, followed by the unchanged tail of original.
func encodeStub(from, thunk uintptr, original uint64) (uint64, error) {
	rel := int64(thunk) - int64(from+stubLen)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, fmt.Errorf("%w: thunk at 0x%x is out of rel32 range of 0x%x", ErrAllocation, thunk, from)
	}

	var word [patchWidth]byte
	putWord(word[:], original)
	word[0] = opcodeJMPrel
	binary.LittleEndian.PutUint32(word[1:], uint32(int32(rel)))

	return wordOf(word[:]), nil
}

// encodeThunk writes the machine code equivalent of:
//
//	MOVQ $closure, DX
//	JMP  (DX)
//
// DX is the closure context register, so this enters a Go func value
// exactly the way a call through the func value would.
func encodeThunk(buf []byte, closure uintptr) error {
	if len(buf) < thunkSize {
		return fmt.Errorf("%w: thunk buffer too small", ErrAllocation)
	}

	buf[0] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	buf[1] = opcodeMOVimm
	binary.LittleEndian.PutUint64(buf[2:], uint64(closure))
	buf[10] = opcodeJMPabs
	buf[11] = modrmJMPrdx

	return nil
}

// displacedLen returns the length of the whole instructions the stub
// overwrites.
func displacedLen(code []byte) (int, error) {
	n := 0
	for n < stubLen {
		instruction, err := decode(code, n)
		if err != nil {
			return 0, err
		}
		n += instruction.Len
	}
	return n, nil
}

// decode decodes the instruction at off. x86asm reports a truncated
// instruction as a lone prefix, which is an error here.
func decode(code []byte, off int) (x86asm.Inst, error) {
	if off >= len(code) {
		return x86asm.Inst{}, fmt.Errorf("%w: decode error at offset %d: %w", ErrUnsupportedInstruction, off, x86asm.ErrTruncated)
	}

	instruction, err := x86asm.Decode(code[off:], 64)
	if err == nil && instruction.Op == 0 {
		err = x86asm.ErrTruncated
	}
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("%w: decode error at offset %d: %w", ErrUnsupportedInstruction, off, err)
	}
	return instruction, nil
}

// relocate copies the first n bytes of code, which executes at src, so that
// they run correctly at dest, and appends a jump back to src+n.
//
// Branches are rewritten to absolute jumps so they reach the original
// destination from anywhere. RIP-relative operands are rebased and must stay
// within 2GiB. Calls are refused: their return address would point into the
// trampoline, where the runtime can't unwind.
func relocate(code []byte, src, dest uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n+absJumpLen)

	for i := 0; i < n; {
		instruction, err := decode(code, i)
		if err != nil {
			return nil, err
		}

		raw := code[i : i+instruction.Len]
		srcNext := src + uintptr(i+instruction.Len)

		switch instruction.Op {
		case x86asm.CALL, x86asm.LCALL, x86asm.SYSCALL:
			return nil, fmt.Errorf("%w: %v at offset %d", ErrUnsupportedInstruction, instruction, i)
		case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
			return nil, fmt.Errorf("%w: %v at offset %d", ErrUnsupportedInstruction, instruction, i)
		}

		rel, isRel := instruction.Args[0].(x86asm.Rel)
		switch {
		case isRel && instruction.Op == x86asm.JMP:
			out = appendAbsJump(out, uintptr(int64(srcNext)+int64(rel)))

		case isRel && isJcc(instruction):
			cond, ok := jccCondition(instruction)
			if !ok {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrUnsupportedInstruction, instruction, i)
			}
			// Jump over the absolute jump when the condition is false.
			out = append(out, opcodeJcc8|(cond^1), absJumpLen)
			out = appendAbsJump(out, uintptr(int64(srcNext)+int64(rel)))

		case isRel:
			return nil, fmt.Errorf("%w: %v at offset %d", ErrUnsupportedInstruction, instruction, i)

		case ripRelative(instruction):
			if instruction.PCRel != 4 {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrUnsupportedInstruction, instruction, i)
			}
			destNext := dest + uintptr(len(out)+instruction.Len)
			disp := int64(int32(binary.LittleEndian.Uint32(raw[instruction.PCRelOff:])))
			newDisp := int64(srcNext) + disp - int64(destNext)
			if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
				return nil, fmt.Errorf("%w: unable to translate relative address at offset %d", ErrUnsupportedInstruction, i)
			}

			start := len(out)
			out = append(out, raw...)
			binary.LittleEndian.PutUint32(out[start+instruction.PCRelOff:], uint32(int32(newDisp)))

		default:
			out = append(out, raw...)
		}

		i += instruction.Len
	}

	return appendAbsJump(out, src+uintptr(n)), nil
}

// appendAbsJump appends the machine code equivalent of:
//
//	JMP *0(PC)
//	QUAD $dest
func appendAbsJump(buf []byte, dest uintptr) []byte {
	buf = append(buf, opcodeJMPabs, modrmJMPrip, 0, 0, 0, 0)
	return binary.LittleEndian.AppendUint64(buf, uint64(dest))
}

func isJcc(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS:
		return true
	}
	return false
}

// jccCondition extracts the 4 bit condition code from either encoding of a
// conditional jump.
func jccCondition(inst x86asm.Inst) (byte, bool) {
	op := byte(inst.Opcode >> 24)
	switch {
	case op&0xf0 == opcodeJcc8:
		return op & 0xf, true
	case op == 0x0f:
		op2 := byte(inst.Opcode >> 16)
		if op2&0xf0 == opcodeJcc32 {
			return op2 & 0xf, true
		}
	}
	return 0, false
}

func ripRelative(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func trampolineSize(code []byte, displaced int) (int, error) {
	// Branches and the jump back are absolute and RIP-relative operands keep
	// their length, so the size doesn't depend on where the code ends up.
	out, err := relocate(code, 0, 0, displaced)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func buildTrampoline(dest, code []byte, src uintptr, displaced int) error {
	out, err := relocate(code, src, addrOf(dest), displaced)
	if err != nil {
		return err
	}
	if len(out) > len(dest) {
		return fmt.Errorf("%w: trampoline needs %d bytes, have %d", ErrAllocation, len(out), len(dest))
	}

	n := copy(dest, out)
	// Pad with INT3 to match what the compiler does
	for i := n; i < len(dest); i++ {
		dest[i] = opcodeINT3
	}
	return nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := addrOf(code)

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
