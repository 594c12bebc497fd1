package vm

import "testing"

func TestPushRootFrame(t *testing.T) {
	ctx := NewExecutionContext(DefaultStackBytes)
	recv := FromSmallInt(7)
	args := []Value{FromSmallInt(10), FromSmallInt(20)}

	top := ctx.CurrentFrame()
	fp, err := ctx.PushRootFrame(recv, args)
	if err != nil {
		t.Fatal(err)
	}
	if fp != top-FrameSize {
		t.Errorf("frame at %#x, want %#x", fp, top-FrameSize)
	}
	if ctx.CurrentFrame() != fp {
		t.Error("current frame not recorded")
	}
	if got := ctx.FrameReceiver(fp); got != recv {
		t.Errorf("receiver = %s", got)
	}
	for i, arg := range args {
		if got := ctx.FrameLocal(fp, i); got != arg {
			t.Errorf("local %d = %s, want %s", i, got, arg)
		}
	}
}

func TestPushRootFrameTooManyArgs(t *testing.T) {
	ctx := NewExecutionContext(DefaultStackBytes)
	args := make([]Value, MaxCallArgs+1)
	if _, err := ctx.PushRootFrame(Nil, args); err == nil {
		t.Error("oversized argument list not rejected")
	}
}

func TestArenaExhaustion(t *testing.T) {
	ctx := NewExecutionContext(ctxHeaderSize + FrameSize)
	if _, err := ctx.PushRootFrame(Nil, nil); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := ctx.PushRootFrame(Nil, nil); err == nil {
		t.Error("arena exhaustion not detected")
	}
}

func TestArenaLimitWord(t *testing.T) {
	// Compiled call sequences read this word to decide whether a callee
	// frame still fits; a caller sitting exactly on the limit may push
	// one more frame.
	ctx := NewExecutionContext(DefaultStackBytes)
	want := ctx.base + ctxHeaderSize + FrameSize
	if got := ctx.peek(ctx.base + ctxOffStackLimit); got != want {
		t.Errorf("limit word = %#x, want %#x", got, want)
	}
}

func TestReset(t *testing.T) {
	ctx := NewExecutionContext(DefaultStackBytes)
	top := ctx.CurrentFrame()
	if _, err := ctx.PushRootFrame(Nil, nil); err != nil {
		t.Fatal(err)
	}
	ctx.Reset()
	if ctx.CurrentFrame() != top {
		t.Error("reset did not restore the frame stack")
	}
}

func TestFrameConstants(t *testing.T) {
	// The slot area must admit at least as many arguments as the
	// operand stack can hold.
	if MaxCallArgs < 4 {
		t.Errorf("MaxCallArgs = %d", MaxCallArgs)
	}
	if FrameSize%8 != 0 {
		t.Error("frame size not word aligned")
	}
}
