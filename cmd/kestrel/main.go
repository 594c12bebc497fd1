// Kestrel CLI - demo driver for the method-at-a-time JIT
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kestrel/vm"
)

func main() {
	configPath := flag.String("config", "kestrel.toml", "Configuration file (TOML)")
	verbose := flag.Bool("v", false, "Verbose output")
	noJIT := flag.Bool("no-jit", false, "Disable the JIT, interpret everything")
	threshold := flag.Uint64("threshold", 0, "Override the hot threshold")
	dump := flag.Bool("dump", false, "Dump disassembly of each compiled method")
	snapshot := flag.String("snapshot", "", "Write a CBOR snapshot of compiled code to this file")
	n := flag.Int64("n", 25, "Argument for the fib demo")
	iterations := flag.Int("iterations", 200, "Demo invocations (enough to cross the threshold)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the recursive fib demo through the interpreter until it goes hot,\n")
		fmt.Fprintf(os.Stderr, "then through the freshly compiled machine code.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel -n 30 -v       # fib(30), report stats\n")
		fmt.Fprintf(os.Stderr, "  kestrel -dump          # show the generated code\n")
		fmt.Fprintf(os.Stderr, "  kestrel -no-jit        # interpreter baseline\n")
	}
	flag.Parse()

	config, err := vm.LoadConfigIfPresent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *noJIT {
		config.JIT.Enabled = false
	}
	if *threshold != 0 {
		config.JIT.HotThreshold = *threshold
	}
	if *dump {
		config.JIT.DumpCode = true
	}

	verbosity := config.Log.Verbosity
	if *verbose && verbosity < 1 {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	machine, err := vm.NewVM(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer machine.Close()

	fib := buildFib()
	machine.RegisterMethod(fib)

	// Warm up on a small argument until the method crosses the
	// threshold, then run the real one.
	for i := 0; i < *iterations; i++ {
		if _, err := machine.Invoke(fib, vm.Nil, []vm.Value{vm.FromSmallInt(10)}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	result, err := machine.Invoke(fib, vm.Nil, []vm.Value{vm.FromSmallInt(*n)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("fib(%d) = %s\n", *n, result)

	if *verbose {
		stats := machine.Stats()
		fmt.Printf("jit enabled: %v\n", stats.JITEnabled)
		if stats.JITEnabled {
			fmt.Printf("methods compiled: %d (%d failed)\n", stats.JIT.MethodsCompiled, stats.JIT.MethodsFailed)
			fmt.Printf("code bytes: %d of %d used\n", stats.JIT.BufferUsed, stats.JIT.BufferCapacity)
		}
		fmt.Print(machine.Profiler().Report())
	}

	if *dump && machine.JIT() != nil {
		if listing, ok := machine.JIT().Listing(fib.Name()); ok {
			fmt.Print(listing.String())
		}
	}

	if *snapshot != "" && machine.JIT() != nil {
		if err := machine.JIT().WriteSnapshotFile(*snapshot); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("snapshot written to %s\n", *snapshot)
		}
	}
}

// buildFib constructs the classic doubly recursive fibonacci:
//
//	fib(n) = n < 2 ? n : fib(n-1) + fib(n-2)
func buildFib() *vm.CompiledMethod {
	b := vm.NewCompiledMethodBuilder("fib", 1)
	self := b.AddCallee(b.Method())
	bc := b.Bytecode()

	recurse := bc.NewLabel()

	bc.EmitByte(vm.OpPushLocal, 0)
	bc.EmitInt8(vm.OpPushInt8, 2)
	bc.Emit(vm.OpLess)
	bc.EmitJump(vm.OpBranchUnless, recurse)

	// Base case: return n.
	bc.EmitByte(vm.OpPushLocal, 0)
	bc.Emit(vm.OpReturnTop)

	bc.Mark(recurse)
	bc.Emit(vm.OpPushSelf)
	bc.EmitByte(vm.OpPushLocal, 0)
	bc.Emit(vm.OpPushOne)
	bc.Emit(vm.OpSub)
	bc.EmitCall(uint8(self), 1)
	bc.Emit(vm.OpPushSelf)
	bc.EmitByte(vm.OpPushLocal, 0)
	bc.EmitInt8(vm.OpPushInt8, 2)
	bc.Emit(vm.OpSub)
	bc.EmitCall(uint8(self), 1)
	bc.Emit(vm.OpAdd)
	bc.Emit(vm.OpReturnTop)

	return b.Build()
}
