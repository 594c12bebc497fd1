package vm

import "strconv"

// Value represents a Kestrel value as a low-tagged machine word.
//
// The encoding is chosen so that generated machine code can operate on
// values directly:
//   - SmallInt: (n << 1) | 1 — the low bit is the integer tag
//   - Special:  even words reserved for nil, false, true
//
// Tagged integers stay monotonic under the encoding, so ordering
// comparisons run on the raw words. Raw add/sub of two tagged integers
// is off by one tag unit, which the code generator compensates with a
// trailing ±1.
type Value uint64

const (
	// intTagBit marks small integers.
	intTagBit uint64 = 1

	// Reserved even words. Nil and False are the only falsy values;
	// conditional branches test for exactly these two bit patterns.
	Nil   Value = 0x00
	False Value = 0x02
	True  Value = 0x04

	// stackOverflowMarker is the reserved even word compiled code
	// returns when the frame arena cannot hold another frame. No
	// bytecode can materialize it, so the runtime entry glue can
	// distinguish it from every legitimate result.
	stackOverflowMarker Value = 0x06
)

// SmallInt range (63-bit signed payload).
const (
	MaxSmallInt int64 = (1 << 62) - 1
	MinSmallInt int64 = -(1 << 62)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return uint64(v)&intTagBit != 0
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	return int64(v) >> 1
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(uint64(n)<<1 | intTagBit)
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return Value(uint64(n)<<1 | intTagBit), true
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy returns true if v is considered "truthy" in conditionals.
// Only false and nil are falsy; everything else is truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// IsFalsy returns true if v is considered "falsy" in conditionals.
func (v Value) IsFalsy() bool {
	return v == False || v == Nil
}

// String returns a printable representation of the value.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10)
	default:
		return "<unknown>"
	}
}
