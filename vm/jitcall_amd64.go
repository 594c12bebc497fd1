//go:build amd64

package vm

// enterCompiled transfers control to compiled code at entry with the
// runtime ABI registers loaded: R15 holds the execution-context base,
// R14 the current frame. Returns the raw tagged word left in RAX by the
// compiled epilogue. Implemented in jitcall_amd64.s.
//
//go:noescape
func enterCompiled(entry, ctx, frame uintptr) uint64

// nativeCallSupported reports whether this build can execute generated
// code.
const nativeCallSupported = true
