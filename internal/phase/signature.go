package phase

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// TwoPi is the full circle in radians. Phases are stored in [0, TwoPi).
const TwoPi = 2 * math.Pi

// Signature is a circular descriptor attached to an episode. It is produced
// by an external spectral analysis step; this package only validates shape
// and does circle arithmetic.
type Signature struct {
	Primary     float64   `json:"primary_phase"`
	Secondary   []float64 `json:"secondary_phases,omitempty"`
	Coherence   float64   `json:"coherence"`
	Stability   float64   `json:"stability"`
	Frequencies []float64 `json:"frequencies,omitempty"`
	Amplitude   float64   `json:"amplitude"`
	Timestamp   int64     `json:"timestamp"` // unix millis
}

// Normalize maps an angle in radians onto [0, 2π).
func Normalize(angle float64) float64 {
	a := math.Mod(angle, TwoPi)
	if a < 0 {
		a += TwoPi
	}
	return a
}

// Canonicalize normalizes all phase values in place. Every write path calls
// this so the stored primary_phase invariant never drifts.
func (s *Signature) Canonicalize() {
	s.Primary = Normalize(s.Primary)
	for i, p := range s.Secondary {
		s.Secondary[i] = Normalize(p)
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
}

// Validate checks shape only: finite normalized phases and bounded
// coherence/stability. It never recomputes anything.
func (s Signature) Validate() error {
	if math.IsNaN(s.Primary) || math.IsInf(s.Primary, 0) {
		return fmt.Errorf("primary phase is not finite")
	}
	if s.Primary < 0 || s.Primary >= TwoPi {
		return fmt.Errorf("primary phase %.4f outside [0, 2π)", s.Primary)
	}
	for i, p := range s.Secondary {
		if math.IsNaN(p) || p < 0 || p >= TwoPi {
			return fmt.Errorf("secondary phase %d outside [0, 2π)", i)
		}
	}
	if s.Coherence < 0 || s.Coherence > 1 || math.IsNaN(s.Coherence) {
		return fmt.Errorf("coherence %.4f outside [0, 1]", s.Coherence)
	}
	if s.Stability < 0 || s.Stability > 1 || math.IsNaN(s.Stability) {
		return fmt.Errorf("stability %.4f outside [0, 1]", s.Stability)
	}
	return nil
}

// Distance returns the shortest angular distance between two phases,
// in [0, π]. Wraps around the circle: Distance(6.25, 0.0) is small.
func Distance(a, b float64) float64 {
	d := math.Abs(Normalize(a) - Normalize(b))
	if d > math.Pi {
		d = TwoPi - d
	}
	return d
}

// SignedDelta returns the minimal signed correction that moves from toward
// to along the circle, in (−π, π].
func SignedDelta(from, to float64) float64 {
	d := Normalize(to) - Normalize(from)
	if d > math.Pi {
		d -= TwoPi
	} else if d <= -math.Pi {
		d += TwoPi
	}
	return d
}

// CircularMean returns the mean direction of phases via sin/cos accumulation,
// and the resultant length as coherence in [0, 1]. Coherence 1 means all
// phases identical; 0 means uniformly scattered.
func CircularMean(phases []float64) (mean, coherence float64) {
	if len(phases) == 0 {
		return 0, 0
	}
	var sinSum, cosSum float64
	for _, p := range phases {
		sinSum += math.Sin(p)
		cosSum += math.Cos(p)
	}
	n := float64(len(phases))
	mean = Normalize(math.Atan2(sinSum/n, cosSum/n))
	coherence = math.Hypot(sinSum/n, cosSum/n)
	if coherence > 1 {
		coherence = 1 // guard float error on identical inputs
	}
	return mean, coherence
}

// DeriveDefault builds a deterministic signature from an episode id, used
// when an episode is stored without one so phase search stays well-defined.
// The same id always derives the same phase.
func DeriveDefault(id string) Signature {
	sum := sha256.Sum256([]byte(id))
	u := binary.BigEndian.Uint64(sum[:8])
	primary := Normalize(float64(u) / float64(math.MaxUint64) * TwoPi)
	return Signature{
		Primary:   primary,
		Coherence: 0.5,
		Stability: 0.5,
		Amplitude: 1.0,
		Timestamp: time.Now().UnixMilli(),
	}
}
