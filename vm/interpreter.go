package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Bytecode interpreter
// ---------------------------------------------------------------------------
//
// The interpreter is the baseline executor and the semantic reference
// for the machine code the JIT produces: for any method the JIT
// accepts, both executors must produce the same result. It handles the
// full instruction set, including the opcodes the JIT rejects, so a
// method that fails to compile keeps running here.

// ErrMaxDepth is returned when interpretation exceeds the call depth
// limit.
var ErrMaxDepth = errors.New("maximum call depth exceeded")

// DefaultMaxDepth is the default interpreter call depth limit.
const DefaultMaxDepth = 10000

// Interpreter executes compiled methods over Go-managed frames.
type Interpreter struct {
	// invoke dispatches a call site. The VM points this at its own
	// dispatch so hot callees run natively; standalone it recurses
	// into the interpreter.
	invoke func(m *CompiledMethod, receiver Value, args []Value) (Value, error)

	MaxDepth int
	depth    int
}

// NewInterpreter creates a standalone interpreter.
func NewInterpreter() *Interpreter {
	interp := &Interpreter{MaxDepth: DefaultMaxDepth}
	interp.invoke = interp.Call
	return interp
}

// SetDispatch redirects call sites through the given dispatcher.
func (interp *Interpreter) SetDispatch(invoke func(m *CompiledMethod, receiver Value, args []Value) (Value, error)) {
	interp.invoke = invoke
}

// Call executes a method and returns its result.
func (interp *Interpreter) Call(m *CompiledMethod, receiver Value, args []Value) (Value, error) {
	if len(args) != m.Arity {
		return Nil, fmt.Errorf("%s takes %d arguments, got %d", m.Name(), m.Arity, len(args))
	}
	if interp.depth >= interp.MaxDepth {
		return Nil, ErrMaxDepth
	}
	interp.depth++
	defer func() { interp.depth-- }()

	locals := make([]Value, m.NumLocals)
	copy(locals, args)
	stack := make([]Value, 0, 8)

	push := func(v Value) { stack = append(stack, v) }
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	r := NewBytecodeReader(m.Bytecode)
	for r.HasMore() {
		op := r.ReadOpcode()
		switch op {
		case OpNOP:
			// nothing

		case OpPOP:
			pop()

		case OpDUP:
			push(stack[len(stack)-1])

		case OpPushNil:
			push(Nil)
		case OpPushTrue:
			push(True)
		case OpPushFalse:
			push(False)
		case OpPushSelf:
			push(receiver)
		case OpPushZero:
			push(FromSmallInt(0))
		case OpPushOne:
			push(FromSmallInt(1))
		case OpPushInt8:
			push(FromSmallInt(int64(r.ReadInt8())))
		case OpPushInt32:
			push(FromSmallInt(int64(r.ReadInt32())))

		case OpPushLocal:
			idx := int(r.ReadByte())
			if idx >= len(locals) {
				return Nil, fmt.Errorf("%s: local %d out of range", m.Name(), idx)
			}
			push(locals[idx])

		case OpStoreLocal:
			idx := int(r.ReadByte())
			if idx >= len(locals) {
				return Nil, fmt.Errorf("%s: local %d out of range", m.Name(), idx)
			}
			locals[idx] = pop()

		case OpAdd, OpSub, OpMul, OpLess:
			b, a := pop(), pop()
			result, err := arith(op, a, b)
			if err != nil {
				return Nil, fmt.Errorf("%s: %w", m.Name(), err)
			}
			push(result)

		case OpJump:
			offset := int(r.ReadInt16())
			r.Seek(r.Position() + offset)

		case OpBranchUnless:
			offset := int(r.ReadInt16())
			if pop().IsFalsy() {
				r.Seek(r.Position() + offset)
			}

		case OpReturnTop:
			return pop(), nil

		case OpCallMethod:
			callee := m.GetCallee(int(r.ReadByte()))
			argc := int(r.ReadByte())
			callArgs := make([]Value, argc)
			for i := argc - 1; i >= 0; i-- {
				callArgs[i] = pop()
			}
			callReceiver := pop()
			result, err := interp.invoke(callee, callReceiver, callArgs)
			if err != nil {
				return Nil, err
			}
			push(result)

		default:
			return Nil, fmt.Errorf("%s: unknown opcode %s", m.Name(), op)
		}
	}
	return Nil, fmt.Errorf("%s: fell off the end of the method", m.Name())
}

// arith applies an arithmetic or comparison opcode to two values.
func arith(op Opcode, a, b Value) (Value, error) {
	if !a.IsSmallInt() || !b.IsSmallInt() {
		return Nil, fmt.Errorf("%s needs integers, got %s and %s", op, a, b)
	}
	x, y := a.SmallInt(), b.SmallInt()
	switch op {
	case OpAdd:
		return FromSmallInt(x + y), nil
	case OpSub:
		return FromSmallInt(x - y), nil
	case OpMul:
		return FromSmallInt(x * y), nil
	case OpLess:
		return FromBool(x < y), nil
	}
	return Nil, fmt.Errorf("not an arithmetic opcode: %s", op)
}
