package vm

import (
	"errors"
	"fmt"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Native call-frame layout
// ---------------------------------------------------------------------------
//
// Compiled code and the interpreter's entry glue share one contiguous
// arena. The context header lives at the arena base; call frames grow
// downward from the arena top. Generated code addresses everything at
// fixed byte offsets from two reserved registers: one holding the
// context base, one holding the current frame.
//
// Frame layout (fixed size, grows downward):
//
//	fp+0   stack pointer   (address of the next free stack slot)
//	fp+8   environment     (locals base; local i lives at env - 8*(i+1))
//	fp+16  receiver        (self)
//	fp+24  slot area       (spilled locals, then free slots)
//
// A call subtracts FrameSize from the frame register and stores it into
// the context's current-frame field; a return adds it back and stores
// again. The caller spills the callee's arguments into the callee's slot
// area before pushing the frame.

const (
	// FrameSize is the fixed byte size of one call frame.
	FrameSize = 128

	frameOffSP       = 0
	frameOffEnv      = 8
	frameOffReceiver = 16
	frameOffSlots    = 24

	// ctxOffCurrentFrame is the context-header offset of the field
	// naming the current frame.
	ctxOffCurrentFrame = 0

	// ctxOffStackLimit holds the lowest frame address a caller may
	// still push a callee frame from. Compiled call sequences compare
	// the frame register against this word before touching the callee
	// frame; below it, the call bails out with stackOverflowMarker.
	ctxOffStackLimit = 8

	ctxHeaderSize = 32
)

// MaxCallArgs is the largest argument count the frame slot area admits.
const MaxCallArgs = (FrameSize - frameOffSlots - 8) / 8

// DefaultStackBytes is the default arena size: enough for several
// hundred nested native frames.
const DefaultStackBytes = 128 * 1024

// ExecutionContext owns the native frame arena. It is the per-thread
// interpreter state the generated code sees through its reserved
// context register.
type ExecutionContext struct {
	arena []byte  // keeps the memory alive; never resliced
	base  uintptr // address of arena[0] (the context header)
	top   uintptr // address one past the highest frame byte
}

// NewExecutionContext allocates a frame arena of the given size.
// Panics if size cannot hold the header and at least one frame.
func NewExecutionContext(size int) *ExecutionContext {
	if size < ctxHeaderSize+FrameSize {
		panic("NewExecutionContext: arena too small")
	}
	// Word alignment for the frame stack.
	size = size &^ 7
	arena := make([]byte, size)
	ctx := &ExecutionContext{
		arena: arena,
		base:  uintptr(unsafe.Pointer(&arena[0])),
	}
	ctx.top = ctx.base + uintptr(size)
	ctx.Reset()
	return ctx
}

// Base returns the context header address (the value the reserved
// context register holds inside compiled code).
func (ctx *ExecutionContext) Base() uintptr {
	return ctx.base
}

// CurrentFrame returns the frame address stored in the context header.
func (ctx *ExecutionContext) CurrentFrame() uintptr {
	return ctx.peek(ctx.base + ctxOffCurrentFrame)
}

// Reset clears the current-frame field; the next root call starts from
// the arena top again.
func (ctx *ExecutionContext) Reset() {
	ctx.poke(ctx.base+ctxOffCurrentFrame, ctx.top)
	// A caller at exactly the limit can still push one callee frame
	// whose base lands on the first byte past the header.
	ctx.poke(ctx.base+ctxOffStackLimit, ctx.base+ctxHeaderSize+FrameSize)
}

// PushRootFrame materializes the callee frame for a top-level entry into
// compiled code: it spills the receiver and arguments exactly the way a
// compiled caller would, stores the frame's stack/environment pointers,
// and records the frame as current. Returns the frame address.
func (ctx *ExecutionContext) PushRootFrame(receiver Value, args []Value) (uintptr, error) {
	if len(args) > MaxCallArgs {
		return 0, fmt.Errorf("frame: %d arguments exceed the slot area (max %d)", len(args), MaxCallArgs)
	}
	fp := ctx.CurrentFrame() - FrameSize
	if fp < ctx.base+ctxHeaderSize {
		return 0, fmt.Errorf("frame: arena exhausted")
	}

	env := fp + frameOffSlots + uintptr(8*len(args))
	for i, arg := range args {
		ctx.poke(env-uintptr(8*(i+1)), uintptr(arg))
	}
	ctx.poke(fp+frameOffSP, env)
	ctx.poke(fp+frameOffEnv, env)
	ctx.poke(fp+frameOffReceiver, uintptr(receiver))
	ctx.poke(ctx.base+ctxOffCurrentFrame, fp)
	return fp, nil
}

// ErrNativeStackOverflow reports a native call chain that ran the frame
// arena out of space. Every frame pushed on the way down has been
// popped again by the time it surfaces.
var ErrNativeStackOverflow = errors.New("frame: arena exhausted in compiled code")

// CallNative enters compiled code at entry with a fresh root frame.
// The compiled epilogue pops the frame and restores the current-frame
// field before returning.
func (ctx *ExecutionContext) CallNative(entry uintptr, receiver Value, args []Value) (Value, error) {
	fp, err := ctx.PushRootFrame(receiver, args)
	if err != nil {
		return Nil, err
	}
	raw := enterCompiled(entry, ctx.base, fp)
	if Value(raw) == stackOverflowMarker {
		return Nil, ErrNativeStackOverflow
	}
	return Value(raw), nil
}

func (ctx *ExecutionContext) peek(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func (ctx *ExecutionContext) poke(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

// FrameReceiver reads the receiver field of a frame. Diagnostic helper.
func (ctx *ExecutionContext) FrameReceiver(fp uintptr) Value {
	return Value(ctx.peek(fp + frameOffReceiver))
}

// FrameLocal reads local i of a frame through its environment pointer,
// mirroring the load the generated code performs.
func (ctx *ExecutionContext) FrameLocal(fp uintptr, i int) Value {
	env := ctx.peek(fp + frameOffEnv)
	return Value(ctx.peek(env - uintptr(8*(i+1))))
}
