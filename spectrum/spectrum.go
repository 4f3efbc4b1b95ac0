// Package spectrum parses hue remapping curves and samples them into lookup
// tables suitable for a shading stage.
//
// A spectrum maps a normalized input position (an input hue divided by 360)
// to an output colour. Two asset shapes are accepted: the legacy hue map,
// which maps integer hues to integer hues, and the node ramp, which places hex
// colours along [0, 1]. Both are normalized into the same sorted list of
// control points. The curve is periodic since hue is circular, so positions
// between the last and first control point wrap through 1.0.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrMalformed is returned when a spectrum asset cannot be parsed.
var ErrMalformed = errors.New("malformed spectrum")

// HSV is an output colour descriptor. Hue is in degrees [0, 360), saturation
// and value are in [0, 1].
type HSV struct {
	H, S, V float64
}

// Point is a control point on a curve.
type Point struct {
	Pos float64 // [0, 1]
	HSV
}

// Spectrum is an immutable hue remapping curve with at least one control
// point, sorted by unique position.
type Spectrum struct {
	points []Point
}

// New creates a spectrum from control points. The points are copied, sorted,
// and deduplicated (the last point at a position wins).
func New(points ...Point) (*Spectrum, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no control points", ErrMalformed)
	}
	ps := make([]Point, 0, len(points))
	for _, p := range points {
		if !(p.Pos >= 0 && p.Pos <= 1) {
			return nil, fmt.Errorf("%w: control point position %v out of range", ErrMalformed, p.Pos)
		}
		p.H = WrapHue(p.H)
		ps = append(ps, p)
	}
	slices.SortStableFunc(ps, func(a, b Point) int {
		switch {
		case a.Pos < b.Pos:
			return -1
		case a.Pos > b.Pos:
			return 1
		}
		return 0
	})
	out := ps[:0]
	for _, p := range ps {
		if n := len(out); n != 0 && out[n-1].Pos == p.Pos {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return &Spectrum{points: slices.Clip(out)}, nil
}

// Points returns a copy of the control points.
func (s *Spectrum) Points() []Point {
	return slices.Clone(s.points)
}

// At evaluates the curve at a position, which is wrapped into [0, 1).
func (s *Spectrum) At(pos float64) HSV {
	pos -= math.Floor(pos)

	ps := s.points
	if len(ps) == 1 {
		return ps[0].HSV
	}

	// i is the first point strictly after pos
	i, _ := slices.BinarySearchFunc(ps, pos, func(p Point, pos float64) int {
		if p.Pos <= pos {
			return -1
		}
		return 1
	})

	var a, b Point
	switch i {
	case 0, len(ps):
		// wrap segment from the last point through 1.0 to the first point
		a, b = ps[len(ps)-1], ps[0]
		b.Pos++
		if pos < a.Pos {
			pos++
		}
	default:
		a, b = ps[i-1], ps[i]
	}
	if b.Pos <= a.Pos {
		return a.HSV
	}
	t := (pos - a.Pos) / (b.Pos - a.Pos)
	return LerpHSV(a.HSV, b.HSV, t)
}

// Lookup samples the curve at n evenly spaced positions starting at 0.
func (s *Spectrum) Lookup(n int) *Table {
	if n <= 0 {
		n = TableSize
	}
	t := &Table{entries: make([]HSV, n)}
	for i := range n {
		t.entries[i] = s.At(float64(i) / float64(n))
	}
	return t
}

// Pair is up to two spectra used together. The primary spectrum is selected
// by black noise samples (or always, without noise), the secondary one by
// white noise samples.
type Pair struct {
	Primary   *Spectrum
	Secondary *Spectrum // may be nil

	// Extra is the number of additional spectra which were present in the
	// asset but ignored.
	Extra int
}

// Dual returns true if the pair has a secondary spectrum.
func (p *Pair) Dual() bool {
	return p != nil && p.Secondary != nil
}

// WrapHue wraps a hue into [0, 360).
func WrapHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// HueDelta returns the signed shortest angular distance from a to b, in
// [-180, 180).
func HueDelta(a, b float64) float64 {
	d := math.Mod(b-a, 360)
	switch {
	case d < -180:
		d += 360
	case d >= 180:
		d -= 360
	}
	return d
}

// LerpHue interpolates along the shortest arc between two hues.
func LerpHue(a, b, t float64) float64 {
	return WrapHue(a + t*HueDelta(a, b))
}

// LerpHSV interpolates hue along the shortest arc and saturation/value
// linearly.
func LerpHSV(a, b HSV, t float64) HSV {
	return HSV{
		H: LerpHue(a.H, b.H, t),
		S: a.S + t*(b.S-a.S),
		V: a.V + t*(b.V-a.V),
	}
}
