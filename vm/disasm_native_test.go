package vm

import (
	"strings"
	"testing"
)

func disasmOne(t *testing.T, base uintptr, build func(*Assembler)) string {
	t.Helper()
	a := NewAssembler()
	build(a)
	insts := DisassembleNative(base, a.Finalize(base))
	if len(insts) != 1 {
		t.Fatalf("decoded %d instructions, want 1", len(insts))
	}
	return insts[0].Text
}

func TestDisassembleRoundTrip(t *testing.T) {
	cases := []struct {
		want  string
		build func(*Assembler)
	}{
		{"mov rsi, rax", func(a *Assembler) { a.MovRegReg(RSI, RAX) }},
		{"mov r8, rdi", func(a *Assembler) { a.MovRegReg(R8, RDI) }},
		{"mov rsi, [r14+16]", func(a *Assembler) { a.MovRegMem(RSI, R14, 16) }},
		{"mov [r15+0], r14", func(a *Assembler) { a.MovMemReg(R15, 0, R14) }},
		{"mov rdi, [rcx-8]", func(a *Assembler) { a.MovRegMem(RDI, RCX, -8) }},
		{"mov rax, [r12+8]", func(a *Assembler) { a.MovRegMem(RAX, R12, 8) }},
		{"mov rsi, 4", func(a *Assembler) { a.MovRegImm(RSI, 4) }},
		{"movabs rax, 4886718345", func(a *Assembler) { a.MovRegImm(RAX, 0x123456789) }},
		{"add rsi, rdi", func(a *Assembler) { a.AddRegReg(RSI, RDI) }},
		{"sub rsi, 1", func(a *Assembler) { a.SubRegImm(RSI, 1) }},
		{"add r14, 128", func(a *Assembler) { a.AddRegImm(R14, 128) }},
		{"cmp rsi, 0", func(a *Assembler) { a.CmpRegImm(RSI, 0) }},
		{"cmp rsi, rdi", func(a *Assembler) { a.CmpRegReg(RSI, RDI) }},
		{"test rax, rax", func(a *Assembler) { a.TestRegReg(RAX, RAX) }},
		{"cmovl rsi, rcx", func(a *Assembler) { a.CmovRegReg(CondL, RSI, RCX) }},
		{"push r9", func(a *Assembler) { a.PushReg(R9) }},
		{"pop rdi", func(a *Assembler) { a.PopReg(RDI) }},
		{"ret", func(a *Assembler) { a.Ret() }},
	}
	for _, c := range cases {
		if got := disasmOne(t, 0x1000, c.build); got != c.want {
			t.Errorf("decoded %q, want %q", got, c.want)
		}
	}
}

func TestDisassembleControlTransfers(t *testing.T) {
	if got := disasmOne(t, 0x1000, func(a *Assembler) { a.Jmp(0x1020) }); got != "jmp 0x1020" {
		t.Errorf("jmp decoded as %q", got)
	}
	if got := disasmOne(t, 0x1000, func(a *Assembler) { a.Jcc(CondE, 0x1000) }); got != "je 0x1000" {
		t.Errorf("je decoded as %q", got)
	}
	if got := disasmOne(t, 0x2000, func(a *Assembler) { a.Call(0x2010) }); got != "call 0x2010" {
		t.Errorf("call decoded as %q", got)
	}
}

func TestDisassembleSequence(t *testing.T) {
	a := NewAssembler()
	a.CmpRegReg(RSI, RDI)
	a.MovRegImm(RSI, int64(False))
	a.MovRegImm(RCX, int64(True))
	a.CmovRegReg(CondL, RSI, RCX)
	a.Ret()
	code := a.Finalize(0x1000)

	insts := DisassembleNative(0x1000, code)
	if len(insts) != 5 {
		t.Fatalf("decoded %d instructions, want 5", len(insts))
	}
	total := 0
	for _, inst := range insts {
		if inst.Addr != 0x1000+uintptr(total) {
			t.Errorf("instruction at %#x, want %#x", inst.Addr, 0x1000+total)
		}
		total += inst.Len
	}
	if total != len(code) {
		t.Errorf("decoded %d bytes of %d", total, len(code))
	}
}

func TestDisassembleUnknownBytes(t *testing.T) {
	insts := DisassembleNative(0, []byte{0x0F, 0x0B})
	if len(insts) != 1 || !strings.HasPrefix(insts[0].Text, ".byte") {
		t.Errorf("unknown encoding decoded as %v", insts)
	}
}
