// Package correction implements the per-pixel colour correction kernel and
// processors which apply it to whole frames.
package correction

import (
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/spectrum"
)

// Epsilon is the strength below which pixels are returned unchanged.
const Epsilon = 1e-3

// RGBA is a straight (non-premultiplied) colour with components in [0, 1].
type RGBA struct {
	R, G, B, A float64
}

// Correct applies the correction kernel to a single pixel.
//
// If hasNoise is true and a secondary table is provided, white selects the
// secondary table. Otherwise, the primary table is used. If the primary table
// is nil, the pixel is returned unchanged.
func Correct(px RGBA, primary, secondary *spectrum.Table, white, hasNoise bool, strength float64) RGBA {
	strength = min(max(strength, 0), 1)
	if strength < Epsilon || primary == nil {
		return px
	}

	h, s, v := ToHSV(px)

	tbl := primary
	if secondary != nil && hasNoise && white {
		tbl = secondary
	}
	t := tbl.Sample(h)

	// the value only scales the chromatic part so near-white input keeps its
	// brightness
	var (
		fh = spectrum.WrapHue(h + strength*spectrum.HueDelta(h, t.H))
		fs = s * lerp(1, t.S, strength)
		fv = v * ((1 - s) + s*lerp(1, t.V, strength))
	)

	out := FromHSV(fh, fs, fv)
	out.A = px.A
	return out
}

// ToHSV converts a colour to hue in degrees [0, 360), saturation and value.
func ToHSV(px RGBA) (h, s, v float64) {
	h, s, v = colorful.Color{R: px.R, G: px.G, B: px.B}.Hsv()
	return spectrum.WrapHue(h), s, v
}

// FromHSV converts hue in degrees, saturation and value to an opaque colour,
// clamping the components to [0, 1].
func FromHSV(h, s, v float64) RGBA {
	c := colorful.Hsv(spectrum.WrapHue(h), s, v).Clamped()
	return RGBA{c.R, c.G, c.B, 1}
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

// Params are the inputs to the kernel for a whole frame.
type Params struct {
	Strength  float64
	Primary   *spectrum.Table // nil disables correction
	Secondary *spectrum.Table // optional
	Mask      *noise.Mask     // optional, sized to the frame
}

// Active returns false if the kernel would leave every pixel unchanged.
func (p *Params) Active() bool {
	return p != nil && p.Primary != nil && min(p.Strength, 1) >= Epsilon
}

// Noise returns true if the noise mask selects between two tables.
func (p *Params) Noise() bool {
	return p.Mask != nil && p.Secondary != nil
}

// Pixel applies the kernel to the pixel at (x, y) relative to the frame
// origin.
func (p *Params) Pixel(px RGBA, x, y int) RGBA {
	hasNoise := p.Noise()
	return Correct(px, p.Primary, p.Secondary, hasNoise && p.Mask.At(x, y), hasNoise, p.Strength)
}
