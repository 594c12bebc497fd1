package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// JIT compiler
// ---------------------------------------------------------------------------
//
// The JIT turns one bytecode method body at a time into directly
// executable machine code. Methods are compiled on demand, the first
// time the profiler reports them hot; the resulting entry address is
// memoized per method and installed into the method's dispatch slot.
//
// Compilation is synchronous and run-to-completion on the interpreter
// thread. A failed compilation (unsupported opcode, register budget,
// buffer exhaustion) aborts only that method, which stays interpreted
// permanently; it never takes the process down and never touches
// already-installed entries.

// Recoverable compilation errors.
var (
	ErrUnsupportedOpcode = errors.New("opcode outside the compilable subset")
	ErrStackTooDeep      = errors.New("expression needs more than the operand register budget")
)

// Operand-stack register assignment. Slot i of the abstract stack lives
// in stackRegs[i]; the context and frame registers are reserved by the
// runtime ABI, everything else is scratch.
var stackRegs = [MaxOperandDepth]Reg{RSI, RDI, R8, R9}

const (
	ctxReg     = R15
	frameReg   = R14
	scratchReg = RCX
)

// compileState tracks one method's progress through the compiler.
type compileState int

const (
	stateSplitting compileState = iota
	stateBlockCompiling
	statePatching
	stateReady
)

// methodCompilation is the in-flight state of one Compile call.
type methodCompilation struct {
	method   *CompiledMethod
	state    compileState
	blocks   blockSet
	patcher  branchPatcher
	entry    uintptr
	entrySet bool
	emitted  int
}

// JITCompiler drives block splitting, per-block translation, lazy
// recursive compilation of callees, and branch patching. One instance
// owns one code buffer; concurrent use must be serialized by the
// caller.
type JITCompiler struct {
	code *CodeBuffer

	// Compiled code registry. An entry is created once per method and
	// never invalidated; failures are memoized the same way, so a
	// method that failed to compile is never retried.
	entries  map[*CompiledMethod]uintptr
	failures map[*CompiledMethod]error

	// In-flight compilations, for lazy recursion into callees.
	active map[*CompiledMethod]*methodCompilation
	stack  []*methodCompilation

	logger commonlog.Logger

	// Statistics
	methodsCompiled uint64
	bytesEmitted    uint64

	// Configuration
	LogCompilation bool // log each successful compilation
	KeepListings   bool // retain disassembly listings for export
	listings       map[string]*CodeListing
}

// NewJITCompiler creates a JIT compiler over its own code buffer.
// Failure to reserve the executable region disables the acceleration
// subsystem as a whole.
func NewJITCompiler(codeBytes int) (*JITCompiler, error) {
	code, err := NewCodeBuffer(codeBytes)
	if err != nil {
		return nil, err
	}
	return &JITCompiler{
		code:     code,
		entries:  make(map[*CompiledMethod]uintptr),
		failures: make(map[*CompiledMethod]error),
		active:   make(map[*CompiledMethod]*methodCompilation),
		logger:   commonlog.GetLogger("kestrel.jit"),
		listings: make(map[string]*CodeListing),
	}, nil
}

// Close releases the executable region.
func (jit *JITCompiler) Close() error {
	return jit.code.Close()
}

// CodeBuffer exposes the underlying buffer for diagnostics.
func (jit *JITCompiler) CodeBuffer() *CodeBuffer {
	return jit.code
}

// Entry returns the memoized entry address for a method, if any.
func (jit *JITCompiler) Entry(m *CompiledMethod) (uintptr, bool) {
	entry, ok := jit.entries[m]
	return entry, ok
}

// Compile translates a method into machine code and returns its entry
// address. Idempotent: repeated calls return the cached address without
// emitting any further bytes. A cached failure is returned the same
// way; failed methods are never retried.
func (jit *JITCompiler) Compile(m *CompiledMethod) (uintptr, error) {
	if entry, ok := jit.entries[m]; ok {
		return entry, nil
	}
	if err, ok := jit.failures[m]; ok {
		return 0, err
	}
	if _, ok := jit.active[m]; ok {
		return 0, fmt.Errorf("jit: re-entrant compile of %s", m.Name())
	}

	comp := &methodCompilation{method: m, state: stateSplitting}
	jit.active[m] = comp
	jit.stack = append(jit.stack, comp)

	entry, err := jit.compileMethod(comp)

	jit.stack = jit.stack[:len(jit.stack)-1]
	delete(jit.active, m)

	if err != nil {
		jit.failures[m] = err
		// A mutually recursive callee published during this compilation
		// may still hold a call site waiting on this method's entry;
		// such code can never be patched, so it is withdrawn.
		for _, pb := range comp.patcher.pending {
			if pb.owner != m {
				jit.unpublish(pb.owner, err)
			}
		}
		jit.logger.Errorf("compilation of %s aborted: %s", m.Name(), err.Error())
		return 0, err
	}

	jit.entries[m] = entry
	m.SetNativeEntry(entry)
	jit.methodsCompiled++
	if jit.LogCompilation {
		jit.logger.Infof("compiled %s at %#x", m.Name(), entry)
	}
	return entry, nil
}

// unpublish withdraws an already-installed method whose code contains a
// call site that can no longer be resolved.
func (jit *JITCompiler) unpublish(m *CompiledMethod, cause error) {
	if _, ok := jit.entries[m]; !ok {
		return
	}
	delete(jit.entries, m)
	m.SetNativeEntry(0)
	jit.failures[m] = fmt.Errorf("jit: caller chain aborted: %w", cause)
	jit.methodsCompiled--
	jit.logger.Errorf("withdrew %s: caller chain aborted", m.Name())
}

// parent returns the enclosing in-flight compilation, if any.
func (jit *JITCompiler) parent() *methodCompilation {
	if len(jit.stack) < 2 {
		return nil
	}
	return jit.stack[len(jit.stack)-2]
}

// compileMethod runs the per-method machine: split, compile each block,
// then patch every branch whose target was placed later.
func (jit *JITCompiler) compileMethod(comp *methodCompilation) (uintptr, error) {
	m := comp.method
	if m.Arity > MaxCallArgs {
		return 0, fmt.Errorf("jit: %s has %d arguments, frame admits %d", m.Name(), m.Arity, MaxCallArgs)
	}
	if len(m.Bytecode) == 0 {
		return 0, fmt.Errorf("jit: %s has an empty body", m.Name())
	}

	comp.blocks = make(blockSet)
	if err := splitBlocks(m, 0, 0, comp.blocks); err != nil {
		return 0, err
	}

	comp.state = stateBlockCompiling
	for _, block := range comp.blocks.inOrder() {
		if err := jit.compileBlock(comp, block); err != nil {
			return 0, err
		}
	}
	if !comp.entrySet {
		return 0, fmt.Errorf("jit: %s produced no entry block", m.Name())
	}

	comp.state = statePatching
	deferred, err := comp.patcher.patch(jit.code)
	if err != nil {
		return 0, err
	}
	if len(deferred) > 0 {
		// Calls into an enclosing, unfinished compilation: its entry is
		// known only once its own entry block is placed, so these move
		// to the enclosing patch pass.
		parent := jit.parent()
		if parent == nil {
			return 0, fmt.Errorf("jit: %s has unresolvable call sites", m.Name())
		}
		parent.patcher.pending = append(parent.patcher.pending, deferred...)
	}

	comp.state = stateReady
	jit.bytesEmitted += uint64(comp.emitted)
	if jit.KeepListings {
		jit.recordListing(comp)
	}
	return comp.entry, nil
}

// compileBlock translates one basic block into machine code and places
// it in the buffer.
func (jit *JITCompiler) compileBlock(comp *methodCompilation, block *BasicBlock) error {
	asm := NewAssembler()
	var sites []pendingSite

	depth := block.EntryDepth
	r := NewBytecodeReader(comp.method.Bytecode)
	r.Seek(block.Start)

	for r.Position() < block.End {
		op := r.ReadOpcode()
		switch op {
		case OpNOP:
			// nothing

		case OpPOP:
			depth--

		case OpPushNil:
			depth = jit.emitPushImm(asm, depth, int64(Nil))
		case OpPushTrue:
			depth = jit.emitPushImm(asm, depth, int64(True))
		case OpPushFalse:
			depth = jit.emitPushImm(asm, depth, int64(False))
		case OpPushZero:
			depth = jit.emitPushImm(asm, depth, int64(FromSmallInt(0)))
		case OpPushOne:
			depth = jit.emitPushImm(asm, depth, int64(FromSmallInt(1)))
		case OpPushInt8:
			depth = jit.emitPushImm(asm, depth, int64(FromSmallInt(int64(r.ReadInt8()))))
		case OpPushInt32:
			depth = jit.emitPushImm(asm, depth, int64(FromSmallInt(int64(r.ReadInt32()))))

		case OpPushSelf:
			asm.MovRegMem(stackRegs[depth], frameReg, frameOffReceiver)
			depth++

		case OpPushLocal:
			idx := int(r.ReadByte())
			asm.MovRegMem(scratchReg, frameReg, frameOffEnv)
			asm.MovRegMem(stackRegs[depth], scratchReg, int32(-8*(idx+1)))
			depth++

		case OpAdd:
			a, b := stackRegs[depth-2], stackRegs[depth-1]
			asm.AddRegReg(a, b)
			asm.SubRegImm(a, 1) // tag compensation
			depth--

		case OpSub:
			a, b := stackRegs[depth-2], stackRegs[depth-1]
			asm.SubRegReg(a, b)
			asm.AddRegImm(a, 1) // tag compensation
			depth--

		case OpLess:
			// Tagged words stay monotonic, so compare directly.
			a, b := stackRegs[depth-2], stackRegs[depth-1]
			asm.CmpRegReg(a, b)
			asm.MovRegImm(a, int64(False))
			asm.MovRegImm(scratchReg, int64(True))
			asm.CmovRegReg(CondL, a, scratchReg)
			depth--

		case OpCallMethod:
			calleeIdx := int(r.ReadByte())
			argc := int(r.ReadByte())
			newDepth, err := jit.emitCall(comp, asm, &sites, depth, comp.method.GetCallee(calleeIdx), argc)
			if err != nil {
				return err
			}
			depth = newDepth

		case OpBranchUnless:
			offset := int(r.ReadInt16())
			depth--
			cond := stackRegs[depth]
			thenBlock := comp.blocks[r.Position()]
			elseBlock := comp.blocks[r.Position()+offset]
			if thenBlock == nil || elseBlock == nil {
				return fmt.Errorf("jit: branch at %d has an unsplit successor", block.Start)
			}
			if thenBlock.EntryDepth != depth || elseBlock.EntryDepth != depth {
				return fmt.Errorf("jit: inconsistent stack depth at branch in %s", comp.method.Name())
			}
			jit.emitBranchUnless(asm, &sites, cond, thenBlock, elseBlock)

		case OpReturnTop:
			depth--
			jit.emitReturn(asm, stackRegs[depth])

		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
		}

		if depth < 0 || depth > MaxOperandDepth {
			return fmt.Errorf("jit: operand depth %d out of range in %s", depth, comp.method.Name())
		}
	}

	addr, err := jit.place(asm)
	if err != nil {
		return err
	}
	block.addr = addr
	block.size = asm.Len()
	block.placed = true
	comp.emitted += asm.Len()
	if block.Start == 0 {
		comp.entry = addr
		comp.entrySet = true
	}
	for _, site := range sites {
		comp.patcher.add(addr+uintptr(site.offset), site.length, comp.method, site.recompute)
	}
	return nil
}

// pendingSite is a placeholder recorded during block translation, before
// the block's own base address is known.
type pendingSite struct {
	offset    int
	length    int
	recompute func() (*Assembler, error)
}

// place finalizes the assembler output against the buffer cursor and
// commits it.
func (jit *JITCompiler) place(asm *Assembler) (uintptr, error) {
	addr := jit.code.NextAddress()
	placed, err := jit.code.Append(asm.Finalize(addr))
	if err != nil {
		return 0, err
	}
	if placed != addr {
		return 0, fmt.Errorf("jit: placement moved from %#x to %#x", addr, placed)
	}
	return addr, nil
}

// sentinel returns the best-effort target used for encodings whose real
// address is not yet known. It is never executed: every placeholder is
// rewritten before the method's entry is published.
func (jit *JITCompiler) sentinel() uintptr {
	return jit.code.Base()
}

// emitPushImm materializes a tagged constant in the next stack slot.
func (jit *JITCompiler) emitPushImm(asm *Assembler, depth int, imm int64) int {
	if depth < MaxOperandDepth {
		asm.MovRegImm(stackRegs[depth], imm)
	}
	return depth + 1
}

// emitReturn emits the method epilogue: result into the return
// register, frame popped, context's current frame restored.
func (jit *JITCompiler) emitReturn(asm *Assembler, result Reg) {
	asm.MovRegReg(RAX, result)
	jit.emitEpilogue(asm)
}

// emitEpilogue pops the frame and returns; RAX already holds the
// result.
func (jit *JITCompiler) emitEpilogue(asm *Assembler) {
	asm.AddRegImm(frameReg, FrameSize)
	asm.MovMemReg(ctxReg, ctxOffCurrentFrame, frameReg)
	asm.Ret()
}

// overflowBailout encodes the path a call sequence takes when the frame
// register sits below the arena limit: the marker word becomes the
// result and the caller's own frame is popped, so the marker unwinds
// one epilogue at a time back to the root entry. Emitted into its own
// assembler so the skip distance of the guard jump is just its length;
// it contains no relocations.
func (jit *JITCompiler) overflowBailout() []byte {
	bail := NewAssembler()
	bail.MovRegImm(RAX, int64(stackOverflowMarker))
	jit.emitEpilogue(bail)
	return bail.Finalize(0)
}

// branchUnlessSeq encodes the conditional terminator: the condition is
// falsy exactly when it equals one of the two reserved words, so two
// compare-and-jump pairs route to the else block and an unconditional
// jump routes everything else to the then block. All three transfers
// use the fixed-width rel32 form so the sequence is patchable in place.
func branchUnlessSeq(asm *Assembler, cond Reg, thenAddr, elseAddr uintptr) {
	asm.CmpRegImm(cond, int32(Nil))
	asm.Jcc(CondE, elseAddr)
	asm.CmpRegImm(cond, int32(False))
	asm.Jcc(CondE, elseAddr)
	asm.Jmp(thenAddr)
}

// emitBranchUnless emits the block terminator. If either successor has
// not been placed yet (forward edges, loop headers), the sequence is
// encoded against the sentinel and recorded for the patch pass.
func (jit *JITCompiler) emitBranchUnless(asm *Assembler, sites *[]pendingSite, cond Reg, thenBlock, elseBlock *BasicBlock) {
	start := asm.Len()
	if thenBlock.placed && elseBlock.placed {
		branchUnlessSeq(asm, cond, thenBlock.addr, elseBlock.addr)
		return
	}
	branchUnlessSeq(asm, cond, jit.sentinel(), jit.sentinel())
	length := asm.Len() - start
	*sites = append(*sites, pendingSite{
		offset: start,
		length: length,
		recompute: func() (*Assembler, error) {
			if !thenBlock.placed || !elseBlock.placed {
				return nil, fmt.Errorf("jit: branch successor never placed")
			}
			re := NewAssembler()
			branchUnlessSeq(re, cond, thenBlock.addr, elseBlock.addr)
			return re, nil
		},
	})
}

// emitCall emits the full call sequence for one call site and returns
// the new operand depth. The callee is compiled first if it has no
// entry yet; a callee that is itself mid-compilation (self- or mutual
// recursion) gets a placeholder call patched once its entry block is
// placed.
func (jit *JITCompiler) emitCall(comp *methodCompilation, asm *Assembler, sites *[]pendingSite, depth int, callee *CompiledMethod, argc int) (int, error) {
	if argc != callee.Arity {
		return 0, fmt.Errorf("jit: call site passes %d args, %s takes %d", argc, callee.Name(), callee.Arity)
	}
	if argc > MaxCallArgs {
		return 0, fmt.Errorf("jit: %d arguments exceed the frame slot area", argc)
	}
	recv := depth - argc - 1 // receiver slot below the arguments
	if recv < 0 {
		return 0, fmt.Errorf("jit: operand stack underflow at call to %s", callee.Name())
	}

	target, known, err := jit.resolveCallee(callee)
	if err != nil {
		return 0, err
	}

	// Arena guard: a caller below the limit word has no room for a
	// callee frame. Checked before anything is written below the
	// frame register; on exhaustion this frame returns the marker,
	// which every caller up the chain propagates through its own
	// epilogue.
	bail := jit.overflowBailout()
	asm.CmpRegMem(frameReg, ctxReg, ctxOffStackLimit)
	asm.JccRel(CondAE, int32(len(bail)))
	asm.Raw(bail)

	// (a) Spill outgoing arguments into the callee's future local
	// slots, then the receiver into its receiver field. The callee
	// frame sits one frame size below; local i lives at env-8*(i+1)
	// with env just above the spilled arguments.
	for i := 1; i <= argc; i++ {
		disp := int32(-FrameSize + frameOffSlots + 8*argc - 8*i)
		asm.MovMemReg(frameReg, disp, stackRegs[recv+i])
	}
	asm.MovMemReg(frameReg, -FrameSize+frameOffReceiver, stackRegs[recv])

	// (b) Push the frame and record it as current.
	asm.SubRegImm(frameReg, FrameSize)
	asm.MovMemReg(ctxReg, ctxOffCurrentFrame, frameReg)

	// (c) The callee's stack and environment pointers both start just
	// above the spilled arguments.
	asm.MovRegReg(scratchReg, frameReg)
	asm.AddRegImm(scratchReg, int32(frameOffSlots+8*argc))
	asm.MovMemReg(frameReg, frameOffSP, scratchReg)
	asm.MovMemReg(frameReg, frameOffEnv, scratchReg)

	// (d) Save the operand-stack registers across the call.
	for _, reg := range stackRegs {
		asm.PushReg(reg)
	}

	// (e) Direct call to the callee's entry.
	if known {
		asm.Call(target)
	} else {
		start := asm.Len()
		asm.Call(jit.sentinel())
		*sites = append(*sites, pendingSite{
			offset: start,
			length: CallLen,
			recompute: func() (*Assembler, error) {
				entry, ok := jit.lookupEntry(callee)
				if !ok {
					return nil, errUnresolvedTarget
				}
				re := NewAssembler()
				re.Call(entry)
				return re, nil
			},
		})
	}

	// (f) Restore the operand-stack registers in reverse order.
	for i := len(stackRegs) - 1; i >= 0; i-- {
		asm.PopReg(stackRegs[i])
	}

	// A callee that hit the arena limit returned the marker instead of
	// a value; pass it straight up through this frame's epilogue.
	prop := NewAssembler()
	jit.emitEpilogue(prop)
	asm.CmpRegImm(RAX, int32(stackOverflowMarker))
	asm.JccRel(CondNE, int32(prop.Len()))
	asm.Raw(prop.Finalize(0))

	// (g) The native return value replaces the receiver, collapsing
	// the stack by the argument count.
	asm.MovRegReg(stackRegs[recv], RAX)
	return depth - argc, nil
}

// resolveCallee returns the callee's entry if it exists, compiling the
// callee first when needed. For a callee already mid-compilation the
// entry may be known (its entry block placed) or still pending.
func (jit *JITCompiler) resolveCallee(callee *CompiledMethod) (uintptr, bool, error) {
	if entry, ok := jit.entries[callee]; ok {
		return entry, true, nil
	}
	if active, ok := jit.active[callee]; ok {
		if active.entrySet {
			return active.entry, true, nil
		}
		return 0, false, nil
	}
	entry, err := jit.Compile(callee)
	if err != nil {
		return 0, false, fmt.Errorf("jit: callee %s: %w", callee.Name(), err)
	}
	return entry, true, nil
}

// lookupEntry resolves a callee entry at patch time.
func (jit *JITCompiler) lookupEntry(callee *CompiledMethod) (uintptr, bool) {
	if entry, ok := jit.entries[callee]; ok {
		return entry, true
	}
	if active, ok := jit.active[callee]; ok && active.entrySet {
		return active.entry, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// JITStats holds compiler statistics.
type JITStats struct {
	MethodsCompiled uint64
	MethodsFailed   int
	BytesEmitted    uint64
	BufferCapacity  int
	BufferUsed      int
}

// Stats returns compiler statistics.
func (jit *JITCompiler) Stats() JITStats {
	return JITStats{
		MethodsCompiled: jit.methodsCompiled,
		MethodsFailed:   len(jit.failures),
		BytesEmitted:    jit.bytesEmitted,
		BufferCapacity:  jit.code.Capacity(),
		BufferUsed:      jit.code.Used(),
	}
}
