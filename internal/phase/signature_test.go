package phase

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{TwoPi, 0},
		{-0.1, TwoPi - 0.1},
		{TwoPi + 0.5, 0.5},
		{3 * TwoPi, 0},
		{-TwoPi - 1, TwoPi - 1},
	}
	for _, c := range cases {
		got := Normalize(c.in)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", c.in, got, c.want)
		}
		if got < 0 || got >= TwoPi {
			t.Errorf("Normalize(%v) = %v outside [0, 2π)", c.in, got)
		}
	}
}

func TestDistanceWrapsAround(t *testing.T) {
	// A phase of 6.25 rad sits just short of 2π and should be close to 0.
	d := Distance(6.25, 0.0)
	want := TwoPi - 6.25
	if math.Abs(d-want) > 1e-9 {
		t.Errorf("Distance(6.25, 0) = %v, want %v", d, want)
	}

	if d := Distance(0, math.Pi); math.Abs(d-math.Pi) > 1e-9 {
		t.Errorf("Distance(0, π) = %v, want π", d)
	}

	// Symmetric
	if Distance(1.0, 2.5) != Distance(2.5, 1.0) {
		t.Error("Distance is not symmetric")
	}
}

func TestSignedDelta(t *testing.T) {
	// Shortest path from 6.2 to 0.1 crosses the wrap point going forward.
	d := SignedDelta(6.2, 0.1)
	if d < 0 {
		t.Errorf("SignedDelta(6.2, 0.1) = %v, want positive (forward over wrap)", d)
	}
	if math.Abs(math.Abs(d)-Distance(6.2, 0.1)) > 1e-9 {
		t.Errorf("|SignedDelta| = %v, want Distance %v", math.Abs(d), Distance(6.2, 0.1))
	}

	// Shortest path from 0.1 back to 6.2 is negative.
	if d := SignedDelta(0.1, 6.2); d > 0 {
		t.Errorf("SignedDelta(0.1, 6.2) = %v, want negative", d)
	}
}

func TestCircularMean(t *testing.T) {
	// Phases straddling the wrap point average near 0, not near π.
	mean, coherence := CircularMean([]float64{0.1, TwoPi - 0.1})
	if Distance(mean, 0) > 1e-9 {
		t.Errorf("mean = %v, want 0", mean)
	}
	if coherence < 0.9 {
		t.Errorf("coherence = %v, want near 1 for tight cluster", coherence)
	}

	// Identical phases: coherence exactly 1 (after float guard).
	_, c := CircularMean([]float64{1.3, 1.3, 1.3})
	if c != 1 {
		t.Errorf("coherence of identical phases = %v, want 1", c)
	}

	// Opposed phases cancel: coherence near 0.
	_, c = CircularMean([]float64{0, math.Pi})
	if c > 1e-9 {
		t.Errorf("coherence of opposed phases = %v, want ~0", c)
	}

	// Empty input
	m, c := CircularMean(nil)
	if m != 0 || c != 0 {
		t.Errorf("CircularMean(nil) = %v, %v, want 0, 0", m, c)
	}
}

func TestCanonicalize(t *testing.T) {
	s := Signature{Primary: -1.0, Secondary: []float64{TwoPi + 0.2}}
	s.Canonicalize()
	if s.Primary < 0 || s.Primary >= TwoPi {
		t.Errorf("Primary = %v outside [0, 2π)", s.Primary)
	}
	if math.Abs(s.Secondary[0]-0.2) > 1e-9 {
		t.Errorf("Secondary[0] = %v, want 0.2", s.Secondary[0])
	}
	if s.Timestamp == 0 {
		t.Error("Canonicalize did not set timestamp")
	}
}

func TestValidate(t *testing.T) {
	good := Signature{Primary: 1.0, Coherence: 0.5, Stability: 0.5}
	if err := good.Validate(); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	bad := []Signature{
		{Primary: -0.1, Coherence: 0.5, Stability: 0.5},
		{Primary: TwoPi, Coherence: 0.5, Stability: 0.5},
		{Primary: 1.0, Coherence: 1.5, Stability: 0.5},
		{Primary: 1.0, Coherence: 0.5, Stability: -0.2},
		{Primary: math.NaN(), Coherence: 0.5, Stability: 0.5},
		{Primary: 1.0, Secondary: []float64{7.0}, Coherence: 0.5, Stability: 0.5},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: invalid signature accepted", i)
		}
	}
}

func TestDeriveDefaultDeterministic(t *testing.T) {
	a := DeriveDefault("episode-42")
	b := DeriveDefault("episode-42")
	if a.Primary != b.Primary {
		t.Errorf("same id derived different phases: %v vs %v", a.Primary, b.Primary)
	}
	if a.Primary < 0 || a.Primary >= TwoPi {
		t.Errorf("derived phase %v outside [0, 2π)", a.Primary)
	}

	c := DeriveDefault("episode-43")
	if c.Primary == a.Primary {
		t.Error("different ids derived identical phases")
	}

	if err := a.Validate(); err != nil {
		t.Errorf("derived signature invalid: %v", err)
	}
}
