package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// x86-64 assembler
// ---------------------------------------------------------------------------
//
// The assembler turns abstract machine operations with register,
// immediate, and register+displacement operands into x86-64 bytes.
// Operations that reference an absolute address (jumps, conditional
// jumps, calls) are always encoded in their fixed-width rel32 form and
// recorded as relocations; the displacement is resolved in a second
// pass once the final base address of the byte sequence is known, at
// the moment the bytes are committed to the code buffer. Control flow
// in a method can be circular, so a branch's true target address may
// only become known after the branch itself has been placed; the
// fixed-width forms keep such sites patchable in place.

// Reg identifies an x86-64 general-purpose register.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String returns the conventional register name.
func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// Cond identifies an x86 condition code.
type Cond uint8

const (
	CondB  Cond = 0x2 // below (unsigned <)
	CondAE Cond = 0x3 // above or equal
	CondE  Cond = 0x4 // equal
	CondNE Cond = 0x5 // not equal
	CondL  Cond = 0xC // less (signed <)
	CondGE Cond = 0xD // greater or equal
	CondLE Cond = 0xE // less or equal
	CondG  Cond = 0xF // greater
)

// reloc records a rel32 displacement awaiting the final base address.
type reloc struct {
	offset int     // byte offset of the 4 displacement bytes
	target uintptr // absolute target address (possibly a sentinel)
}

// Assembler accumulates encoded bytes for one contiguous placement.
type Assembler struct {
	buf    []byte
	relocs []reloc
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{buf: make([]byte, 0, 64)}
}

// Len returns the current encoded length.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Finalize resolves every recorded rel32 displacement against the base
// address the bytes will be placed at and returns the encoding. The
// returned slice aliases the assembler's buffer.
func (a *Assembler) Finalize(base uintptr) []byte {
	for _, rl := range a.relocs {
		next := base + uintptr(rl.offset) + 4 // address after the displacement
		disp := int64(rl.target) - int64(next)
		binary.LittleEndian.PutUint32(a.buf[rl.offset:], uint32(int32(disp)))
	}
	return a.buf
}

// ---------------------------------------------------------------------------
// Encoding primitives
// ---------------------------------------------------------------------------

func (a *Assembler) byteOut(bs ...byte) {
	a.buf = append(a.buf, bs...)
}

func (a *Assembler) imm32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	a.buf = append(a.buf, b[:]...)
}

func (a *Assembler) imm64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	a.buf = append(a.buf, b[:]...)
}

// rexW emits a REX.W prefix for a reg/rm pair.
func (a *Assembler) rexW(reg, rm Reg) {
	rex := byte(0x48)
	if reg >= R8 {
		rex |= 0x04 // REX.R
	}
	if rm >= R8 {
		rex |= 0x01 // REX.B
	}
	a.byteOut(rex)
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// regRM encodes "opcode /r" with a register direct operand.
func (a *Assembler) regRM(opcode byte, reg, rm Reg) {
	a.rexW(reg, rm)
	a.byteOut(opcode, modrm(3, byte(reg), byte(rm)))
}

// memRM encodes "opcode /r" with a base+disp32 memory operand.
// disp32 is used unconditionally so memory forms have one width.
func (a *Assembler) memRM(opcode byte, reg, base Reg, disp int32) {
	a.rexW(reg, base)
	a.byteOut(opcode, modrm(2, byte(reg), byte(base)))
	if base&7 == 4 { // RSP/R12 bases need a SIB byte
		a.byteOut(0x24)
	}
	a.imm32(disp)
}

// ---------------------------------------------------------------------------
// Moves
// ---------------------------------------------------------------------------

// MovRegReg emits mov dst, src.
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.regRM(0x89, src, dst)
}

// MovRegImm emits mov dst, imm. Uses the sign-extended imm32 form when
// the value fits, the full imm64 form otherwise.
func (a *Assembler) MovRegImm(dst Reg, imm int64) {
	if imm >= -1<<31 && imm < 1<<31 {
		a.rexW(0, dst)
		a.byteOut(0xC7, modrm(3, 0, byte(dst)))
		a.imm32(int32(imm))
		return
	}
	rex := byte(0x48)
	if dst >= R8 {
		rex |= 0x01
	}
	a.byteOut(rex, 0xB8+byte(dst&7))
	a.imm64(imm)
}

// MovRegMem emits mov dst, [base+disp].
func (a *Assembler) MovRegMem(dst, base Reg, disp int32) {
	a.memRM(0x8B, dst, base, disp)
}

// MovMemReg emits mov [base+disp], src.
func (a *Assembler) MovMemReg(base Reg, disp int32, src Reg) {
	a.memRM(0x89, src, base, disp)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

// AddRegReg emits add dst, src.
func (a *Assembler) AddRegReg(dst, src Reg) {
	a.regRM(0x01, src, dst)
}

// SubRegReg emits sub dst, src.
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.regRM(0x29, src, dst)
}

// CmpRegReg emits cmp a, b.
func (a *Assembler) CmpRegReg(ra, rb Reg) {
	a.regRM(0x39, rb, ra)
}

// CmpRegMem emits cmp r, [base+disp].
func (a *Assembler) CmpRegMem(r, base Reg, disp int32) {
	a.memRM(0x3B, r, base, disp)
}

// TestRegReg emits test a, b.
func (a *Assembler) TestRegReg(ra, rb Reg) {
	a.regRM(0x85, rb, ra)
}

// groupImm encodes the 83 (imm8) / 81 (imm32) immediate group.
func (a *Assembler) groupImm(ext byte, dst Reg, imm int32) {
	a.rexW(0, dst)
	if imm >= -128 && imm < 128 {
		a.byteOut(0x83, modrm(3, ext, byte(dst)), byte(int8(imm)))
		return
	}
	a.byteOut(0x81, modrm(3, ext, byte(dst)))
	a.imm32(imm)
}

// AddRegImm emits add dst, imm.
func (a *Assembler) AddRegImm(dst Reg, imm int32) {
	a.groupImm(0, dst, imm)
}

// SubRegImm emits sub dst, imm.
func (a *Assembler) SubRegImm(dst Reg, imm int32) {
	a.groupImm(5, dst, imm)
}

// CmpRegImm emits cmp dst, imm.
func (a *Assembler) CmpRegImm(dst Reg, imm int32) {
	a.groupImm(7, dst, imm)
}

// CmovRegReg emits cmovcc dst, src.
func (a *Assembler) CmovRegReg(cc Cond, dst, src Reg) {
	a.rexW(dst, src)
	a.byteOut(0x0F, 0x40|byte(cc), modrm(3, byte(dst), byte(src)))
}

// ---------------------------------------------------------------------------
// Control transfer
// ---------------------------------------------------------------------------

// JmpLen is the fixed encoded length of an unconditional jump.
const JmpLen = 5

// JccLen is the fixed encoded length of a conditional jump.
const JccLen = 6

// CallLen is the fixed encoded length of a direct call.
const CallLen = 5

// Jmp emits jmp rel32 to an absolute target, recording a relocation
// resolved at Finalize time.
func (a *Assembler) Jmp(target uintptr) {
	a.byteOut(0xE9)
	a.relocs = append(a.relocs, reloc{offset: len(a.buf), target: target})
	a.imm32(0)
}

// Jcc emits jcc rel32 to an absolute target.
func (a *Assembler) Jcc(cc Cond, target uintptr) {
	a.byteOut(0x0F, 0x80|byte(cc))
	a.relocs = append(a.relocs, reloc{offset: len(a.buf), target: target})
	a.imm32(0)
}

// Call emits call rel32 to an absolute target.
func (a *Assembler) Call(target uintptr) {
	a.byteOut(0xE8)
	a.relocs = append(a.relocs, reloc{offset: len(a.buf), target: target})
	a.imm32(0)
}

// JccRel emits jcc rel32 with a fixed displacement from the end of the
// instruction. Used for short forward skips over code in the same
// placement, where the distance is known at emission time and no
// relocation is needed.
func (a *Assembler) JccRel(cc Cond, disp int32) {
	a.byteOut(0x0F, 0x80|byte(cc))
	a.imm32(disp)
}

// Raw appends pre-encoded bytes. The bytes must carry no relocations.
func (a *Assembler) Raw(code []byte) {
	a.buf = append(a.buf, code...)
}

// ---------------------------------------------------------------------------
// Stack and return
// ---------------------------------------------------------------------------

// PushReg emits push r.
func (a *Assembler) PushReg(r Reg) {
	if r >= R8 {
		a.byteOut(0x41)
	}
	a.byteOut(0x50 + byte(r&7))
}

// PopReg emits pop r.
func (a *Assembler) PopReg(r Reg) {
	if r >= R8 {
		a.byteOut(0x41)
	}
	a.byteOut(0x58 + byte(r&7))
}

// Ret emits ret.
func (a *Assembler) Ret() {
	a.byteOut(0xC3)
}
