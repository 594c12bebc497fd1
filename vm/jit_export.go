package vm

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Diagnostic snapshot export
// ---------------------------------------------------------------------------
//
// A snapshot captures what the JIT has produced so far: per-method
// entry offsets, machine-code bytes, and disassembly listings when they
// were retained. Snapshots are diagnostic artifacts for offline
// inspection; nothing is ever loaded back into a running VM, since
// entry addresses are only meaningful within the process that mapped
// the code region.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a point-in-time dump of the compiler's output.
type Snapshot struct {
	CreatedAt time.Time        `cbor:"created_at"`
	Stats     SnapshotStats    `cbor:"stats"`
	Methods   []MethodSnapshot `cbor:"methods"`
}

// SnapshotStats summarizes the compiler at snapshot time.
type SnapshotStats struct {
	MethodsCompiled uint64 `cbor:"methods_compiled"`
	MethodsFailed   int    `cbor:"methods_failed"`
	BytesEmitted    uint64 `cbor:"bytes_emitted"`
	BufferUsed      int    `cbor:"buffer_used"`
	BufferCapacity  int    `cbor:"buffer_capacity"`
}

// MethodSnapshot is one compiled method's contribution. The machine
// code is captured as one range per placed span: lazily compiled
// callees land between the blocks of the method that triggered them,
// so a method's code is not one contiguous run of the buffer.
type MethodSnapshot struct {
	Name        string              `cbor:"name"`
	Arity       int                 `cbor:"arity"`
	EntryOffset uint64              `cbor:"entry_offset"` // entry relative to the buffer base
	Ranges      []CodeRangeSnapshot `cbor:"ranges,omitempty"`
	Listing     []string            `cbor:"listing,omitempty"`
}

// CodeRangeSnapshot is one placed span of a method's machine code.
type CodeRangeSnapshot struct {
	Offset uint64 `cbor:"offset"` // relative to the buffer base
	Code   []byte `cbor:"code"`
}

// ExportSnapshot captures the compiler's current output.
func (jit *JITCompiler) ExportSnapshot() *Snapshot {
	stats := jit.Stats()
	snap := &Snapshot{
		CreatedAt: time.Now().UTC(),
		Stats: SnapshotStats{
			MethodsCompiled: stats.MethodsCompiled,
			MethodsFailed:   stats.MethodsFailed,
			BytesEmitted:    stats.BytesEmitted,
			BufferUsed:      stats.BufferUsed,
			BufferCapacity:  stats.BufferCapacity,
		},
	}
	for m, entry := range jit.entries {
		ms := MethodSnapshot{
			Name:        m.Name(),
			Arity:       m.Arity,
			EntryOffset: uint64(entry - jit.code.Base()),
		}
		if listing, ok := jit.listings[m.Name()]; ok {
			ms.Listing = listing.Lines
			for _, r := range listing.Ranges {
				ms.Ranges = append(ms.Ranges, CodeRangeSnapshot{
					Offset: uint64(r.Addr - jit.code.Base()),
					Code:   r.Code,
				})
			}
		}
		snap.Methods = append(snap.Methods, ms)
	}
	return snap
}

// MarshalSnapshot serializes a Snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// WriteSnapshotFile exports the compiler's output to a CBOR file.
func (jit *JITCompiler) WriteSnapshotFile(path string) error {
	data, err := MarshalSnapshot(jit.ExportSnapshot())
	if err != nil {
		return fmt.Errorf("vm: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("vm: write snapshot: %w", err)
	}
	return nil
}
