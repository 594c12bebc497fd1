package vm

// ---------------------------------------------------------------------------
// CompiledMethod: Bytecode-based method implementation
// ---------------------------------------------------------------------------

// CompiledMethod represents one compiled Kestrel method body.
// It stores bytecode, literals, call-site metadata, and the native
// dispatch slot filled in once the method has been JIT-compiled.
type CompiledMethod struct {
	// Method identity
	name string // method name (for diagnostics and keys)

	// Method signature
	Arity     int // number of arguments (not including self)
	NumLocals int // total locals (arguments + declared locals)

	// Compiled code
	Literals []Value // constant pool
	Bytecode []byte  // the bytecode instructions

	// Call-site metadata: CALL_METHOD operands index into this table.
	// Each entry is a resolved callee with its fixed argument count.
	Callees []*CompiledMethod

	// Native dispatch slot. Zero until the JIT installs an entry point;
	// after that the interpreter jumps straight to the machine code.
	nativeEntry uintptr
}

// Name returns the method name.
func (m *CompiledMethod) Name() string {
	return m.name
}

// NativeEntry returns the installed machine-code entry address, or 0 if
// the method is still interpreted.
func (m *CompiledMethod) NativeEntry() uintptr {
	return m.nativeEntry
}

// SetNativeEntry installs the machine-code entry address into the
// method's dispatch slot.
func (m *CompiledMethod) SetNativeEntry(entry uintptr) {
	m.nativeEntry = entry
}

// GetLiteral returns the literal at the given index.
// Panics if index is out of range.
func (m *CompiledMethod) GetLiteral(index int) Value {
	if index < 0 || index >= len(m.Literals) {
		panic("CompiledMethod.GetLiteral: index out of range")
	}
	return m.Literals[index]
}

// GetCallee returns the callee method at the given call-site index.
// Panics if index is out of range.
func (m *CompiledMethod) GetCallee(index int) *CompiledMethod {
	if index < 0 || index >= len(m.Callees) {
		panic("CompiledMethod.GetCallee: index out of range")
	}
	return m.Callees[index]
}

// Disassemble returns a disassembly of the method's bytecode.
func (m *CompiledMethod) Disassemble() string {
	return Disassemble(m.Bytecode)
}

// String returns a string representation of the method.
func (m *CompiledMethod) String() string {
	return m.name
}

// NewCompiledMethod creates a new compiled method.
func NewCompiledMethod(name string, arity int) *CompiledMethod {
	return &CompiledMethod{
		name:      name,
		Arity:     arity,
		NumLocals: arity, // Initially just arguments
		Literals:  make([]Value, 0, 8),
		Bytecode:  make([]byte, 0, 32),
	}
}

// ---------------------------------------------------------------------------
// CompiledMethodBuilder: Helper for constructing methods
// ---------------------------------------------------------------------------

// CompiledMethodBuilder helps construct CompiledMethod instances.
type CompiledMethodBuilder struct {
	method   *CompiledMethod
	bytecode *BytecodeBuilder
}

// NewCompiledMethodBuilder creates a new method builder.
func NewCompiledMethodBuilder(name string, arity int) *CompiledMethodBuilder {
	return &CompiledMethodBuilder{
		method:   NewCompiledMethod(name, arity),
		bytecode: NewBytecodeBuilder(),
	}
}

// AddLocal increases the local count by 1 and returns the index.
func (b *CompiledMethodBuilder) AddLocal() int {
	idx := b.method.NumLocals
	b.method.NumLocals++
	return idx
}

// AddLiteral adds a literal and returns its index.
func (b *CompiledMethodBuilder) AddLiteral(v Value) int {
	idx := len(b.method.Literals)
	b.method.Literals = append(b.method.Literals, v)
	return idx
}

// AddCallee registers a call-site target and returns its index for use
// as the CALL_METHOD operand. A method may list itself as a callee;
// that is how self-recursion is expressed.
func (b *CompiledMethodBuilder) AddCallee(callee *CompiledMethod) int {
	idx := len(b.method.Callees)
	b.method.Callees = append(b.method.Callees, callee)
	return idx
}

// Bytecode returns the bytecode builder for direct emission.
func (b *CompiledMethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Method returns the method under construction. Needed when a method
// calls itself: the builder's own method is registered as a callee.
func (b *CompiledMethodBuilder) Method() *CompiledMethod {
	return b.method
}

// Build finalizes and returns the compiled method.
func (b *CompiledMethodBuilder) Build() *CompiledMethod {
	b.method.Bytecode = b.bytecode.Bytes()
	return b.method
}
