//go:build !amd64

package vm

// enterCompiled is only implemented for amd64; other architectures keep
// every method interpreted.
func enterCompiled(entry, ctx, frame uintptr) uint64 {
	panic("enterCompiled: native execution unsupported on this architecture")
}

const nativeCallSupported = false
