package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil   Opcode = 0x10 // push nil
	OpPushTrue  Opcode = 0x11 // push true
	OpPushFalse Opcode = 0x12 // push false
	OpPushSelf  Opcode = 0x13 // push self
	OpPushInt8  Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32 Opcode = 0x15 // push 32-bit signed integer
	OpPushZero  Opcode = 0x16 // push the integer 0
	OpPushOne   Opcode = 0x17 // push the integer 1
)

// Variable Operations
const (
	OpPushLocal  Opcode = 0x20 // push local/argument (8-bit index)
	OpStoreLocal Opcode = 0x21 // store into local (8-bit index)
)

// Arithmetic and Comparison
const (
	OpAdd  Opcode = 0x30 // pop b, a; push a + b
	OpSub  Opcode = 0x31 // pop b, a; push a - b
	OpLess Opcode = 0x32 // pop b, a; push a < b
	OpMul  Opcode = 0x33 // pop b, a; push a * b
)

// Control Flow
const (
	OpJump         Opcode = 0x60 // unconditional jump (16-bit offset)
	OpBranchUnless Opcode = 0x61 // pop, jump if falsy (16-bit offset)
)

// Returns
const (
	OpReturnTop Opcode = 0x70 // return top of stack
)

// Sends
const (
	OpCallMethod Opcode = 0x80 // call resolved method (8-bit callee index, 8-bit argc)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack depth (call is variable, see Call below)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0},
	OpPOP: {"POP", 0, -1},
	OpDUP: {"DUP", 0, 1},

	OpPushNil:   {"PUSH_NIL", 0, 1},
	OpPushTrue:  {"PUSH_TRUE", 0, 1},
	OpPushFalse: {"PUSH_FALSE", 0, 1},
	OpPushSelf:  {"PUSH_SELF", 0, 1},
	OpPushInt8:  {"PUSH_INT8", 1, 1},
	OpPushInt32: {"PUSH_INT32", 4, 1},
	OpPushZero:  {"PUSH_ZERO", 0, 1},
	OpPushOne:   {"PUSH_ONE", 0, 1},

	OpPushLocal:  {"PUSH_LOCAL", 1, 1},
	OpStoreLocal: {"STORE_LOCAL", 1, -1},

	OpAdd:  {"ADD", 0, -1},
	OpSub:  {"SUB", 0, -1},
	OpLess: {"LESS", 0, -1},
	OpMul:  {"MUL", 0, -1},

	OpJump:         {"JUMP", 2, 0},
	OpBranchUnless: {"BRANCH_UNLESS", 2, -1},

	OpReturnTop: {"RETURN_TOP", 0, -1},

	// Pops receiver + argc, pushes result. The net effect depends on the
	// call site's argc; consumers read it from the operands.
	OpCallMethod: {"CALL_METHOD", 2, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitCall appends a CALL_METHOD instruction.
func (b *BytecodeBuilder) EmitCall(calleeIndex uint8, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCallMethod), calleeIndex, argc)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target position (once resolved)
	refs     []int // positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for interpretation and disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a 32-bit operand (little-endian).
func (r *BytecodeReader) ReadInt32() int32 {
	if r.pos+4 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. Returns the string representation and advances the reader.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpNOP, OpPOP, OpDUP, OpPushNil, OpPushTrue, OpPushFalse, OpPushSelf,
		OpPushZero, OpPushOne, OpAdd, OpSub, OpLess, OpMul, OpReturnTop:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpPushInt8:
		v := r.ReadInt8()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpPushLocal, OpStoreLocal:
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpJump, OpBranchUnless:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case OpPushInt32:
		v := r.ReadInt32()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpCallMethod:
		callee := r.ReadByte()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s callee=%d argc=%d", pos, info.Name, callee, argc)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var result string
	for r.HasMore() {
		if result != "" {
			result += "\n"
		}
		result += DisassembleInstruction(r)
	}
	return result
}
