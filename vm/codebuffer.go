package vm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrBufferExhausted is returned when a write would exceed the reserved
// code region. The region never grows; exhaustion disables further
// compilation but leaves already-installed code untouched.
var ErrBufferExhausted = errors.New("code buffer exhausted")

// DefaultCodeBytes is the default size of the executable region.
const DefaultCodeBytes = 1 << 20

// CodeBuffer owns one contiguous executable memory region and
// serializes all byte writes into it. The region is mapped
// read+execute; each write flips it writable, copies, and flips it
// back, so it is never observed simultaneously writable and executable
// between calls.
type CodeBuffer struct {
	mem    []byte
	base   uintptr
	cursor int
}

// NewCodeBuffer reserves an executable region of the given size.
// Failure to reserve the region is fatal to the acceleration subsystem
// and surfaces as an error here.
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	if size <= 0 {
		size = DefaultCodeBytes
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("code buffer: reserving %d bytes: %w", size, err)
	}
	return &CodeBuffer{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}, nil
}

// Close unmaps the region. Only safe once no compiled entry can run.
func (cb *CodeBuffer) Close() error {
	if cb.mem == nil {
		return nil
	}
	err := unix.Munmap(cb.mem)
	cb.mem = nil
	cb.base = 0
	return err
}

// Base returns the region's start address.
func (cb *CodeBuffer) Base() uintptr {
	return cb.base
}

// Capacity returns the fixed region size.
func (cb *CodeBuffer) Capacity() int {
	return len(cb.mem)
}

// Used returns how many bytes have been committed.
func (cb *CodeBuffer) Used() int {
	return cb.cursor
}

// NextAddress returns the address the next Append will write to. The
// assembler resolves address-relative encodings against this before the
// bytes are committed.
func (cb *CodeBuffer) NextAddress() uintptr {
	return cb.base + uintptr(cb.cursor)
}

// Append copies code at the cursor, advances it, and returns the
// absolute address of the write. The write is bracketed by a scoped
// permission flip: writable, copy, executable.
func (cb *CodeBuffer) Append(code []byte) (uintptr, error) {
	if cb.cursor+len(code) > len(cb.mem) {
		return 0, ErrBufferExhausted
	}
	addr := cb.base + uintptr(cb.cursor)
	if err := cb.withWritable(func() {
		copy(cb.mem[cb.cursor:], code)
	}); err != nil {
		return 0, err
	}
	cb.cursor += len(code)
	return addr, nil
}

// WriteAt repositions the cursor to a previously returned address,
// invokes fn (which drives Append calls to overwrite in place), and
// restores the cursor on every exit path. Used only for patching
// already-emitted placeholders.
func (cb *CodeBuffer) WriteAt(addr uintptr, fn func(*CodeBuffer) error) error {
	if addr < cb.base || addr > cb.base+uintptr(cb.cursor) {
		return fmt.Errorf("code buffer: write at %#x outside committed region", addr)
	}
	saved := cb.cursor
	cb.cursor = int(addr - cb.base)
	defer func() { cb.cursor = saved }()
	return fn(cb)
}

// withWritable runs fn with the region writable and restores
// read+execute before returning, regardless of how fn exits.
func (cb *CodeBuffer) withWritable(fn func()) error {
	if err := unix.Mprotect(cb.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("code buffer: making region writable: %w", err)
	}
	defer unix.Mprotect(cb.mem, unix.PROT_READ|unix.PROT_EXEC)
	fn()
	return nil
}

// Bytes returns a copy of the committed code. Diagnostic helper for the
// disassembler; never used on the execution path.
func (cb *CodeBuffer) Bytes() []byte {
	out := make([]byte, cb.cursor)
	copy(out, cb.mem[:cb.cursor])
	return out
}

// BytesAt returns a copy of n committed bytes starting at addr.
func (cb *CodeBuffer) BytesAt(addr uintptr, n int) []byte {
	off := int(addr - cb.base)
	if off < 0 || off+n > cb.cursor {
		return nil
	}
	out := make([]byte, n)
	copy(out, cb.mem[off:off+n])
	return out
}
