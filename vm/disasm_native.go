package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Native code disassembly
// ---------------------------------------------------------------------------
//
// A small decoder for the exact instruction subset the assembler emits.
// It exists for diagnostics: dumping freshly compiled methods, snapshot
// export, and the encoder round-trip tests. It is not a general x86-64
// disassembler and reports anything outside the subset as raw bytes.

// NativeInst is one decoded machine instruction.
type NativeInst struct {
	Addr uintptr
	Len  int
	Text string
}

// CodeListing is the human-readable dump of one compiled method.
// Ranges holds the method's placed spans in address order: a method
// whose translation compiled a callee lazily has that callee's code
// sitting between its own blocks, so the spans need not be contiguous.
type CodeListing struct {
	Method string
	Entry  uintptr
	Size   int
	Lines  []string
	Ranges []CodeRange
}

// CodeRange is one contiguous placed span of a method's code.
type CodeRange struct {
	Addr uintptr
	Code []byte
}

var condNames = map[byte]string{
	0x2: "b", 0x3: "ae", 0x4: "e", 0x5: "ne",
	0xC: "l", 0xD: "ge", 0xE: "le", 0xF: "g",
}

// DisassembleNative decodes machine code placed at base into
// instructions. Decoding stops at the first byte sequence outside the
// emitted subset, which is reported as a single raw-byte pseudo
// instruction covering the remainder.
func DisassembleNative(base uintptr, code []byte) []NativeInst {
	var out []NativeInst
	pos := 0
	for pos < len(code) {
		inst, n := decodeOne(base+uintptr(pos), code[pos:])
		if n == 0 {
			out = append(out, NativeInst{
				Addr: base + uintptr(pos),
				Len:  len(code) - pos,
				Text: fmt.Sprintf(".byte %x", code[pos:]),
			})
			break
		}
		out = append(out, NativeInst{Addr: base + uintptr(pos), Len: n, Text: inst})
		pos += n
	}
	return out
}

// decodeOne decodes a single instruction, returning its text and
// encoded length, or ("", 0) if the bytes are outside the subset.
func decodeOne(addr uintptr, b []byte) (string, int) {
	if len(b) == 0 {
		return "", 0
	}

	switch {
	case b[0] == 0xC3:
		return "ret", 1

	case b[0] >= 0x50 && b[0] <= 0x57:
		return "push " + Reg(b[0]-0x50).String(), 1

	case b[0] >= 0x58 && b[0] <= 0x5F:
		return "pop " + Reg(b[0]-0x58).String(), 1

	case b[0] == 0x41 && len(b) >= 2 && b[1] >= 0x50 && b[1] <= 0x57:
		return "push " + Reg(b[1]-0x50+8).String(), 2

	case b[0] == 0x41 && len(b) >= 2 && b[1] >= 0x58 && b[1] <= 0x5F:
		return "pop " + Reg(b[1]-0x58+8).String(), 2

	case b[0] == 0xE9 && len(b) >= JmpLen:
		return fmt.Sprintf("jmp %#x", relTarget(addr, b[1:5], JmpLen)), JmpLen

	case b[0] == 0xE8 && len(b) >= CallLen:
		return fmt.Sprintf("call %#x", relTarget(addr, b[1:5], CallLen)), CallLen

	case b[0] == 0x0F && len(b) >= JccLen && b[1]&0xF0 == 0x80:
		cc, ok := condNames[b[1]&0x0F]
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("j%s %#x", cc, relTarget(addr, b[2:6], JccLen)), JccLen
	}

	// Everything else in the subset carries a REX.W prefix.
	rex := b[0]
	if rex&0xF8 != 0x48 || len(b) < 2 {
		return "", 0
	}
	rexR := rex&0x04 != 0
	rexB := rex&0x01 != 0
	body := b[1:]

	reg := func(n byte) Reg {
		if rexR {
			n |= 8
		}
		return Reg(n)
	}
	rm := func(n byte) Reg {
		if rexB {
			n |= 8
		}
		return Reg(n)
	}

	switch body[0] {
	case 0x89, 0x8B, 0x01, 0x29, 0x39, 0x3B, 0x85:
		mnem := map[byte]string{0x89: "mov", 0x8B: "mov", 0x01: "add", 0x29: "sub", 0x39: "cmp", 0x3B: "cmp", 0x85: "test"}[body[0]]
		text, n := decodeModRM(body[1:], reg, rm)
		if n == 0 {
			return "", 0
		}
		r, rmOp := text[0], text[1]
		if body[0] == 0x8B || body[0] == 0x3B {
			return fmt.Sprintf("%s %s, %s", mnem, r, rmOp), 2 + n
		}
		return fmt.Sprintf("%s %s, %s", mnem, rmOp, r), 2 + n

	case 0xC7:
		if len(body) < 6 || body[1]>>6 != 3 {
			return "", 0
		}
		imm := int32(binary.LittleEndian.Uint32(body[2:]))
		return fmt.Sprintf("mov %s, %d", rm(body[1]&7), imm), 7

	case 0x83, 0x81:
		ext := body[1] >> 3 & 7
		mnem, ok := map[byte]string{0: "add", 5: "sub", 7: "cmp"}[ext]
		if !ok || body[1]>>6 != 3 {
			return "", 0
		}
		if body[0] == 0x83 {
			if len(body) < 3 {
				return "", 0
			}
			return fmt.Sprintf("%s %s, %d", mnem, rm(body[1]&7), int8(body[2])), 4
		}
		if len(body) < 6 {
			return "", 0
		}
		imm := int32(binary.LittleEndian.Uint32(body[2:]))
		return fmt.Sprintf("%s %s, %d", mnem, rm(body[1]&7), imm), 7

	case 0x0F:
		if len(body) < 3 || body[1]&0xF0 != 0x40 || body[2]>>6 != 3 {
			return "", 0
		}
		cc, ok := condNames[body[1]&0x0F]
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("cmov%s %s, %s", cc, reg(body[2]>>3&7), rm(body[2]&7)), 4
	}

	if body[0] >= 0xB8 && body[0] <= 0xBF {
		if len(body) < 9 {
			return "", 0
		}
		imm := int64(binary.LittleEndian.Uint64(body[1:]))
		return fmt.Sprintf("movabs %s, %d", rm(body[0]-0xB8), imm), 10
	}

	return "", 0
}

// decodeModRM decodes the modrm (and SIB/disp) tail of a /r form,
// returning [reg operand text, rm operand text] and the consumed byte
// count after the opcode.
func decodeModRM(b []byte, reg, rm func(byte) Reg) ([2]string, int) {
	if len(b) == 0 {
		return [2]string{}, 0
	}
	mod := b[0] >> 6
	r := reg(b[0] >> 3 & 7).String()
	rmBits := b[0] & 7

	switch mod {
	case 3:
		return [2]string{r, rm(rmBits).String()}, 1
	case 2:
		n := 1
		if rmBits == 4 { // SIB, always 0x24 in the subset
			if len(b) < 2 || b[1] != 0x24 {
				return [2]string{}, 0
			}
			n = 2
		}
		if len(b) < n+4 {
			return [2]string{}, 0
		}
		disp := int32(binary.LittleEndian.Uint32(b[n:]))
		mem := fmt.Sprintf("[%s%+d]", rm(rmBits), disp)
		return [2]string{r, mem}, n + 4
	}
	return [2]string{}, 0
}

// relTarget resolves a rel32 displacement against the instruction end.
func relTarget(addr uintptr, disp []byte, instLen int) uintptr {
	d := int32(binary.LittleEndian.Uint32(disp))
	return addr + uintptr(instLen) + uintptr(int64(d))
}

// recordListing captures the disassembly of a freshly compiled method,
// block by block in placement order.
func (jit *JITCompiler) recordListing(comp *methodCompilation) {
	listing := &CodeListing{
		Method: comp.method.Name(),
		Entry:  comp.entry,
	}
	for _, block := range comp.blocks.inOrder() {
		code := jit.code.BytesAt(block.addr, block.size)
		for _, inst := range DisassembleNative(block.addr, code) {
			listing.Lines = append(listing.Lines, fmt.Sprintf("%#x: %s", inst.Addr, inst.Text))
		}
		listing.Size += block.size
		listing.Ranges = append(listing.Ranges, CodeRange{Addr: block.addr, Code: code})
	}
	jit.listings[comp.method.Name()] = listing
}

// Listing returns the retained disassembly for a method name, if the
// compiler was configured to keep listings.
func (jit *JITCompiler) Listing(name string) (*CodeListing, bool) {
	l, ok := jit.listings[name]
	return l, ok
}

// String renders the listing as a dump.
func (l *CodeListing) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d bytes at %#x)\n", l.Method, l.Size, l.Entry)
	for _, line := range l.Lines {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
