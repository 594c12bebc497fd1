package vm

import "testing"

func TestSmallIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 2, 42, -42, 1 << 40, -(1 << 40), MaxSmallInt, MinSmallInt}
	for _, n := range cases {
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d) not tagged as integer", n)
		}
		if got := v.SmallInt(); got != n {
			t.Errorf("SmallInt(FromSmallInt(%d)) = %d", n, got)
		}
	}
}

func TestSmallIntTagBit(t *testing.T) {
	if got := uint64(FromSmallInt(5)); got != 11 {
		t.Errorf("FromSmallInt(5) = %#x, want 0xb", got)
	}
	if got := uint64(FromSmallInt(-1)); got != 0xFFFFFFFFFFFFFFFF {
		t.Errorf("FromSmallInt(-1) = %#x", got)
	}
}

func TestSmallIntOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("FromSmallInt(MaxSmallInt+1) did not panic")
		}
	}()
	FromSmallInt(MaxSmallInt + 1)
}

func TestTryFromSmallInt(t *testing.T) {
	if _, ok := TryFromSmallInt(MaxSmallInt + 1); ok {
		t.Error("TryFromSmallInt accepted an out-of-range value")
	}
	if v, ok := TryFromSmallInt(7); !ok || v.SmallInt() != 7 {
		t.Error("TryFromSmallInt rejected 7")
	}
}

func TestSpecialValues(t *testing.T) {
	if Nil.IsSmallInt() || False.IsSmallInt() || True.IsSmallInt() {
		t.Error("special values must not carry the integer tag")
	}
	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if !True.Bool() || False.Bool() {
		t.Error("boolean conversion wrong")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("FromBool wrong")
	}
}

func TestTruthiness(t *testing.T) {
	if Nil.IsTruthy() || False.IsTruthy() {
		t.Error("nil and false must be falsy")
	}
	if !True.IsTruthy() {
		t.Error("true must be truthy")
	}
	// Every integer is truthy, including zero.
	if !FromSmallInt(0).IsTruthy() {
		t.Error("0 must be truthy")
	}
	if !FromSmallInt(-3).IsTruthy() {
		t.Error("-3 must be truthy")
	}
}

func TestValueOrdering(t *testing.T) {
	// The encoding must keep signed ordering on the raw words, since
	// generated code compares tagged values directly.
	pairs := [][2]int64{{0, 1}, {-1, 0}, {-100, 100}, {5, 6}, {MinSmallInt, MaxSmallInt}}
	for _, p := range pairs {
		a, b := FromSmallInt(p[0]), FromSmallInt(p[1])
		if int64(a) >= int64(b) {
			t.Errorf("raw ordering broken for %d < %d", p[0], p[1])
		}
	}
}

func TestValueString(t *testing.T) {
	cases := map[Value]string{
		Nil:              "nil",
		True:             "true",
		False:            "false",
		FromSmallInt(42): "42",
		FromSmallInt(-7): "-7",
	}
	for v, want := range cases {
		if got := v.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", uint64(v), got, want)
		}
	}
}
