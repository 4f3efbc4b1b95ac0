package noise

import (
	"image"
	"math"

	"golang.org/x/image/math/f64"
)

// fit maps surface coordinates onto the source pattern.
type fit struct {
	dw, dh float64
	s2d    f64.Aff3
}

func newFit(dw, dh, sw, sh int) fit {
	return fit{
		dw:  float64(dw),
		dh:  float64(dh),
		s2d: Transform(image.Rect(0, 0, dw, dh), image.Rect(0, 0, sw, sh)),
	}
}

// source returns the source pixel for normalized surface coordinates.
func (f fit) source(u, v float64) (x, y int) {
	var (
		dx = u * f.dw
		dy = v * f.dh
	)
	x = int(math.Floor((dx - f.s2d[2]) / f.s2d[0]))
	y = int(math.Floor((dy - f.s2d[5]) / f.s2d[4]))
	return
}

// Transform computes the source-to-destination transform which scales sr to
// fit entirely within dr, preserving the aspect ratio, and centres it.
func Transform(dr, sr image.Rectangle) f64.Aff3 {
	sr = sr.Canon()
	dr = dr.Canon()

	// ensure the source is at least 1x1
	if sr.Dx() == 0 {
		sr.Max.X++
	}
	if sr.Dy() == 0 {
		sr.Max.Y++
	}

	var (
		sw, sh = float64(sr.Dx()), float64(sr.Dy())
		dw, dh = float64(dr.Dx()), float64(dr.Dy())
	)

	// use the smaller scale so the whole source is visible
	scale := min(dw/sw, dh/sh)
	if scale <= 0 {
		scale = 1
	}

	// centre the scaled source
	var (
		transX = float64(dr.Min.X) + (dw-sw*scale)/2 - float64(sr.Min.X)*scale
		transY = float64(dr.Min.Y) + (dh-sh*scale)/2 - float64(sr.Min.Y)*scale
	)
	return f64.Aff3{
		scale, 0, transX,
		0, scale, transY,
	}
}
