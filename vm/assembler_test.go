package vm

import (
	"bytes"
	"testing"
)

func assemble(t *testing.T, base uintptr, build func(*Assembler)) []byte {
	t.Helper()
	a := NewAssembler()
	build(a)
	return a.Finalize(base)
}

func checkBytes(t *testing.T, name string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s = % x, want % x", name, got, want)
	}
}

func TestMovRegReg(t *testing.T) {
	checkBytes(t, "mov rsi, rax",
		assemble(t, 0, func(a *Assembler) { a.MovRegReg(RSI, RAX) }),
		[]byte{0x48, 0x89, 0xC6})
	checkBytes(t, "mov r8, rdi",
		assemble(t, 0, func(a *Assembler) { a.MovRegReg(R8, RDI) }),
		[]byte{0x49, 0x89, 0xF8})
	checkBytes(t, "mov rax, r9",
		assemble(t, 0, func(a *Assembler) { a.MovRegReg(RAX, R9) }),
		[]byte{0x4C, 0x89, 0xC8})
}

func TestMovRegImm(t *testing.T) {
	checkBytes(t, "mov rax, 4",
		assemble(t, 0, func(a *Assembler) { a.MovRegImm(RAX, 4) }),
		[]byte{0x48, 0xC7, 0xC0, 0x04, 0x00, 0x00, 0x00})
	checkBytes(t, "mov r9, -1",
		assemble(t, 0, func(a *Assembler) { a.MovRegImm(R9, -1) }),
		[]byte{0x49, 0xC7, 0xC1, 0xFF, 0xFF, 0xFF, 0xFF})
	checkBytes(t, "movabs rax, 0x123456789",
		assemble(t, 0, func(a *Assembler) { a.MovRegImm(RAX, 0x123456789) }),
		[]byte{0x48, 0xB8, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00, 0x00, 0x00})
}

func TestMovMemForms(t *testing.T) {
	checkBytes(t, "mov rsi, [r14+16]",
		assemble(t, 0, func(a *Assembler) { a.MovRegMem(RSI, R14, 16) }),
		[]byte{0x49, 0x8B, 0xB6, 0x10, 0x00, 0x00, 0x00})
	checkBytes(t, "mov [r15+0], r14",
		assemble(t, 0, func(a *Assembler) { a.MovMemReg(R15, 0, R14) }),
		[]byte{0x4D, 0x89, 0xB7, 0x00, 0x00, 0x00, 0x00})
	checkBytes(t, "mov rdi, [rcx-8]",
		assemble(t, 0, func(a *Assembler) { a.MovRegMem(RDI, RCX, -8) }),
		[]byte{0x48, 0x8B, 0xB9, 0xF8, 0xFF, 0xFF, 0xFF})
}

func TestSIBBase(t *testing.T) {
	// RSP and R12 bases force a SIB byte.
	checkBytes(t, "mov rax, [r12+8]",
		assemble(t, 0, func(a *Assembler) { a.MovRegMem(RAX, R12, 8) }),
		[]byte{0x49, 0x8B, 0x84, 0x24, 0x08, 0x00, 0x00, 0x00})
	checkBytes(t, "mov rax, [rsp+8]",
		assemble(t, 0, func(a *Assembler) { a.MovRegMem(RAX, RSP, 8) }),
		[]byte{0x48, 0x8B, 0x84, 0x24, 0x08, 0x00, 0x00, 0x00})
}

func TestArithmetic(t *testing.T) {
	checkBytes(t, "add rsi, rdi",
		assemble(t, 0, func(a *Assembler) { a.AddRegReg(RSI, RDI) }),
		[]byte{0x48, 0x01, 0xFE})
	checkBytes(t, "sub rsi, 1",
		assemble(t, 0, func(a *Assembler) { a.SubRegImm(RSI, 1) }),
		[]byte{0x48, 0x83, 0xEE, 0x01})
	checkBytes(t, "add r14, 128",
		assemble(t, 0, func(a *Assembler) { a.AddRegImm(R14, 128) }),
		[]byte{0x49, 0x81, 0xC6, 0x80, 0x00, 0x00, 0x00})
	checkBytes(t, "cmp rsi, 0",
		assemble(t, 0, func(a *Assembler) { a.CmpRegImm(RSI, 0) }),
		[]byte{0x48, 0x83, 0xFE, 0x00})
	checkBytes(t, "cmp rsi, rdi",
		assemble(t, 0, func(a *Assembler) { a.CmpRegReg(RSI, RDI) }),
		[]byte{0x48, 0x39, 0xFE})
}

func TestCmpRegMem(t *testing.T) {
	checkBytes(t, "cmp r14, [r15+8]",
		assemble(t, 0, func(a *Assembler) { a.CmpRegMem(R14, R15, 8) }),
		[]byte{0x4D, 0x3B, 0xB7, 0x08, 0x00, 0x00, 0x00})
}

func TestJccRelAndRaw(t *testing.T) {
	// A fixed-displacement jcc records no relocation: the bytes are
	// final whatever the base.
	checkBytes(t, "jae +22",
		assemble(t, 0x9000, func(a *Assembler) { a.JccRel(CondAE, 22) }),
		[]byte{0x0F, 0x83, 0x16, 0x00, 0x00, 0x00})

	a := NewAssembler()
	a.JccRel(CondNE, 1)
	a.Raw([]byte{0xC3, 0xC3})
	checkBytes(t, "jne +1; ret; ret", a.Finalize(0),
		[]byte{0x0F, 0x85, 0x01, 0x00, 0x00, 0x00, 0xC3, 0xC3})
}

func TestCmov(t *testing.T) {
	checkBytes(t, "cmovl rsi, rcx",
		assemble(t, 0, func(a *Assembler) { a.CmovRegReg(CondL, RSI, RCX) }),
		[]byte{0x48, 0x0F, 0x4C, 0xF1})
}

func TestPushPopRet(t *testing.T) {
	checkBytes(t, "push r9",
		assemble(t, 0, func(a *Assembler) { a.PushReg(R9) }),
		[]byte{0x41, 0x51})
	checkBytes(t, "pop rdi",
		assemble(t, 0, func(a *Assembler) { a.PopReg(RDI) }),
		[]byte{0x5F})
	checkBytes(t, "ret",
		assemble(t, 0, func(a *Assembler) { a.Ret() }),
		[]byte{0xC3})
}

func TestControlTransferRelocation(t *testing.T) {
	// jmp to own start: rel32 = -5.
	checkBytes(t, "jmp self",
		assemble(t, 0x1000, func(a *Assembler) { a.Jmp(0x1000) }),
		[]byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF})

	// je to own start: rel32 = -6.
	checkBytes(t, "je self",
		assemble(t, 0x1000, func(a *Assembler) { a.Jcc(CondE, 0x1000) }),
		[]byte{0x0F, 0x84, 0xFA, 0xFF, 0xFF, 0xFF})

	// forward call: 0x2010 - (0x2000+5) = 0xB.
	checkBytes(t, "call +0xb",
		assemble(t, 0x2000, func(a *Assembler) { a.Call(0x2010) }),
		[]byte{0xE8, 0x0B, 0x00, 0x00, 0x00})
}

func TestFixedTransferLengths(t *testing.T) {
	a := NewAssembler()
	a.Jmp(0)
	if a.Len() != JmpLen {
		t.Errorf("jmp length = %d, want %d", a.Len(), JmpLen)
	}
	a = NewAssembler()
	a.Jcc(CondNE, 0)
	if a.Len() != JccLen {
		t.Errorf("jcc length = %d, want %d", a.Len(), JccLen)
	}
	a = NewAssembler()
	a.Call(0)
	if a.Len() != CallLen {
		t.Errorf("call length = %d, want %d", a.Len(), CallLen)
	}
}

func TestRefinalize(t *testing.T) {
	// Patching re-finalizes the same logical encoding at the same site
	// with a different target; the byte length must never change.
	a := NewAssembler()
	a.Call(0x5000)
	first := append([]byte(nil), a.Finalize(0x4000)...)
	second := a.Finalize(0x4000)
	if len(first) != len(second) {
		t.Fatalf("length changed across finalize: %d vs %d", len(first), len(second))
	}
	b := NewAssembler()
	b.Call(0x6000)
	if b.Len() != len(first) {
		t.Errorf("different targets encode different lengths")
	}
}
