package vm

import "testing"

func testConfig(threshold uint64) Config {
	config := DefaultConfig()
	config.JIT.HotThreshold = threshold
	return config
}

func newTestVM(t *testing.T, config Config) *VM {
	t.Helper()
	machine, err := NewVM(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { machine.Close() })
	return machine
}

func TestVMInterpretsColdMethods(t *testing.T) {
	machine := newTestVM(t, testConfig(1000))
	fib := buildFibMethod()
	machine.RegisterMethod(fib)

	result, err := machine.Invoke(fib, Nil, []Value{FromSmallInt(10)})
	if err != nil {
		t.Fatal(err)
	}
	if result.SmallInt() != 55 {
		t.Errorf("fib(10) = %s, want 55", result)
	}
	if fib.NativeEntry() != 0 {
		t.Error("cold method was compiled")
	}
}

func TestVMCompilesHotMethod(t *testing.T) {
	if !nativeCallSupported {
		t.Skip("no native execution on this platform")
	}
	machine := newTestVM(t, testConfig(5))
	fib := buildFibMethod()
	machine.RegisterMethod(fib)

	// Recursion makes the count climb fast; drive top-level calls until
	// the method goes hot and check results stay right across the switch.
	for i := 0; i < 10; i++ {
		result, err := machine.Invoke(fib, Nil, []Value{FromSmallInt(10)})
		if err != nil {
			t.Fatal(err)
		}
		if result.SmallInt() != 55 {
			t.Fatalf("invocation %d: fib(10) = %s", i, result)
		}
	}
	if fib.NativeEntry() == 0 {
		t.Error("hot method not compiled")
	}
	if machine.Stats().JIT.MethodsCompiled != 1 {
		t.Errorf("methods compiled = %d", machine.Stats().JIT.MethodsCompiled)
	}

	// fib(25) through the native entry.
	result, err := machine.Invoke(fib, Nil, []Value{FromSmallInt(25)})
	if err != nil {
		t.Fatal(err)
	}
	if result.SmallInt() != 75025 {
		t.Errorf("fib(25) = %s, want 75025", result)
	}
}

func TestVMJITDisabled(t *testing.T) {
	config := testConfig(1)
	config.JIT.Enabled = false
	machine := newTestVM(t, config)
	fib := buildFibMethod()

	for i := 0; i < 5; i++ {
		result, err := machine.Invoke(fib, Nil, []Value{FromSmallInt(10)})
		if err != nil {
			t.Fatal(err)
		}
		if result.SmallInt() != 55 {
			t.Fatalf("fib(10) = %s", result)
		}
	}
	if machine.JIT() != nil {
		t.Error("JIT present although disabled")
	}
	if fib.NativeEntry() != 0 {
		t.Error("method compiled although JIT disabled")
	}
}

func TestVMFailedMethodStaysInterpreted(t *testing.T) {
	if !nativeCallSupported {
		t.Skip("no native execution on this platform")
	}
	machine := newTestVM(t, testConfig(3))

	b := NewCompiledMethodBuilder("square", 1)
	bc := b.Bytecode()
	bc.EmitByte(OpPushLocal, 0)
	bc.Emit(OpDUP)
	bc.Emit(OpMul)
	bc.Emit(OpReturnTop)
	square := b.Build()

	for i := 0; i < 10; i++ {
		result, err := machine.Invoke(square, Nil, []Value{FromSmallInt(9)})
		if err != nil {
			t.Fatal(err)
		}
		if result.SmallInt() != 81 {
			t.Fatalf("square(9) = %s", result)
		}
	}
	if square.NativeEntry() != 0 {
		t.Error("unsupported method was compiled")
	}
	if machine.Stats().JIT.MethodsFailed != 1 {
		t.Errorf("failed count = %d", machine.Stats().JIT.MethodsFailed)
	}
}

func TestVMMethodRegistry(t *testing.T) {
	machine := newTestVM(t, DefaultConfig())
	fib := buildFibMethod()
	machine.RegisterMethod(fib)

	if m, ok := machine.LookupMethod("fib"); !ok || m != fib {
		t.Error("registered method not found")
	}
	if _, ok := machine.LookupMethod("missing"); ok {
		t.Error("lookup invented a method")
	}
	if machine.Stats().MethodsRegistered != 1 {
		t.Errorf("registered = %d", machine.Stats().MethodsRegistered)
	}
}

func TestVMProfilerCounts(t *testing.T) {
	machine := newTestVM(t, testConfig(1000))
	fib := buildFibMethod()

	if _, err := machine.Invoke(fib, Nil, []Value{FromSmallInt(5)}); err != nil {
		t.Fatal(err)
	}
	// fib(5) makes 15 calls in total.
	if got := machine.Profiler().Count(fib); got != 15 {
		t.Errorf("count = %d, want 15", got)
	}
}
