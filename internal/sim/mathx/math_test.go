package mathx

import (
	"math"
	"testing"
)

func TestFloorDivMod(t *testing.T) {
	cases := []struct {
		a, b     int64
		div, mod int64
	}{
		{0, 8, 0, 0},
		{7, 8, 0, 7},
		{8, 8, 1, 0},
		{-1, 8, -1, 7},
		{-8, 8, -1, 0},
		{-9, 8, -2, 7},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.div {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.div)
		}
		if got := Mod(c.a, c.b); got != c.mod {
			t.Fatalf("Mod(%d,%d)=%d want %d", c.a, c.b, got, c.mod)
		}
		if FloorDiv(c.a, c.b)*c.b+Mod(c.a, c.b) != c.a {
			t.Fatalf("div/mod identity broken for %d,%d", c.a, c.b)
		}
	}
}

func TestNormalizeExpAndSample(t *testing.T) {
	p := []float64{0, math.Log(3)}
	NormalizeExp(p)
	if math.Abs(p[0]-0.25) > 1e-12 || math.Abs(p[1]-0.75) > 1e-12 {
		t.Fatalf("unexpected probabilities %v", p)
	}
	if SampleCategorical(p, 0.1) != 0 || SampleCategorical(p, 0.3) != 1 || SampleCategorical(p, 0.999999) != 1 {
		t.Fatalf("categorical sampling mismatch")
	}
}

func TestUnitHashRange(t *testing.T) {
	for i := uint32(0); i < 1000; i++ {
		v := UnitHash(i)
		if v < 0 || v > 1 {
			t.Fatalf("UnitHash(%d)=%v out of range", i, v)
		}
	}
	if Mix32(12345) != Mix32(12345) {
		t.Fatalf("Mix32 must be deterministic")
	}
}
