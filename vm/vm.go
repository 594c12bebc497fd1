package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Virtual machine
// ---------------------------------------------------------------------------

// VM ties the interpreter, profiler, and JIT together behind one
// dispatch point. Methods start interpreted; the profiler reports them
// hot after enough invocations, the JIT compiles them synchronously on
// the spot, and every later invocation enters the machine code
// directly. Single-threaded: one VM serves one execution thread.
type VM struct {
	config   Config
	interp   *Interpreter
	profiler *Profiler
	jit      *JITCompiler // nil when disabled or unsupported
	ctx      *ExecutionContext
	methods  map[string]*CompiledMethod
	logger   commonlog.Logger
}

// NewVM creates a virtual machine from the given configuration.
func NewVM(config Config) (*VM, error) {
	vm := &VM{
		config:   config,
		interp:   NewInterpreter(),
		profiler: NewProfiler(config.JIT.HotThreshold),
		methods:  make(map[string]*CompiledMethod),
		logger:   commonlog.GetLogger("kestrel.vm"),
	}

	if config.JIT.Enabled && nativeCallSupported {
		jit, err := NewJITCompiler(config.JIT.CodeBytes)
		if err != nil {
			return nil, fmt.Errorf("vm: %w", err)
		}
		jit.KeepListings = config.JIT.DumpCode
		vm.jit = jit

		stackBytes := config.JIT.StackBytes
		if stackBytes == 0 {
			stackBytes = DefaultStackBytes
		}
		vm.ctx = NewExecutionContext(stackBytes)
	} else if config.JIT.Enabled {
		vm.logger.Notice("native code unsupported on this platform, staying interpreted")
	}

	vm.interp.SetDispatch(vm.Invoke)
	vm.profiler.OnHot = vm.compileHot
	return vm, nil
}

// Close releases the VM's executable memory.
func (vm *VM) Close() error {
	if vm.jit != nil {
		return vm.jit.Close()
	}
	return nil
}

// RegisterMethod adds a method to the VM's registry under its name.
func (vm *VM) RegisterMethod(m *CompiledMethod) {
	vm.methods[m.Name()] = m
}

// LookupMethod returns a registered method by name.
func (vm *VM) LookupMethod(name string) (*CompiledMethod, bool) {
	m, ok := vm.methods[name]
	return m, ok
}

// Invoke runs a method on a receiver with arguments. This is the single
// dispatch point: compiled methods enter their machine code, everything
// else interprets, and the invocation that crosses the hot threshold
// compiles first and then runs natively.
func (vm *VM) Invoke(m *CompiledMethod, receiver Value, args []Value) (Value, error) {
	if entry := m.NativeEntry(); entry != 0 && vm.ctx != nil {
		return vm.ctx.CallNative(entry, receiver, args)
	}

	vm.profiler.RecordInvocation(m)

	// The hot hook may just have installed an entry.
	if entry := m.NativeEntry(); entry != 0 && vm.ctx != nil {
		return vm.ctx.CallNative(entry, receiver, args)
	}
	return vm.interp.Call(m, receiver, args)
}

// compileHot is the profiler's hot hook. Compilation failures are
// memoized by the JIT and leave the method permanently interpreted.
func (vm *VM) compileHot(m *CompiledMethod) {
	if vm.jit == nil {
		return
	}
	entry, err := vm.jit.Compile(m)
	if err != nil {
		// Already logged and memoized by the compiler.
		return
	}
	vm.logger.Debugf("%s is hot, compiled at %#x", m.Name(), entry)
	if vm.config.JIT.DumpCode {
		if listing, ok := vm.jit.Listing(m.Name()); ok {
			vm.logger.Debug(listing.String())
		}
	}
}

// Profiler exposes the invocation profiler.
func (vm *VM) Profiler() *Profiler {
	return vm.profiler
}

// JIT exposes the compiler, or nil when the VM runs interpreted only.
func (vm *VM) JIT() *JITCompiler {
	return vm.jit
}

// Stats summarizes the VM's execution state.
type Stats struct {
	MethodsRegistered int
	JIT               JITStats
	JITEnabled        bool
}

// Stats returns a snapshot of the VM's execution state.
func (vm *VM) Stats() Stats {
	s := Stats{
		MethodsRegistered: len(vm.methods),
		JITEnabled:        vm.jit != nil,
	}
	if vm.jit != nil {
		s.JIT = vm.jit.Stats()
	}
	return s
}
