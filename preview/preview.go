// Package preview renders spectrum strips and corrected sample images.
package preview

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bamiaux/rez"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/spectrum"
)

// Strip renders the hue mapping of each table. The first band shows the
// input hues from 0 to 360 degrees, and each following band shows them
// corrected with the corresponding table at the specified strength.
func Strip(width, band int, strength float64, tables ...*spectrum.Table) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, band*(1+len(tables))))
	for x := range width {
		in := correction.FromHSV(360*float64(x)/float64(width), 1, 1)
		fill(img, x, 0, band, in)
		for i, t := range tables {
			fill(img, x, band*(i+1), band, correction.Correct(in, t, nil, false, false, strength))
		}
	}
	return img
}

func fill(img *image.RGBA, x, y, h int, px correction.RGBA) {
	c := color.RGBA{unorm8(px.R), unorm8(px.G), unorm8(px.B), 0xFF}
	for i := range h {
		img.SetRGBA(x, y+i, c)
	}
}

func unorm8(v float64) uint8 {
	return uint8(min(max(v, 0), 1)*255 + 0.5)
}

// Fit scales src to fit entirely within size, preserving the aspect ratio and
// centering it on black.
func Fit(src image.Image, size image.Point, filter rez.Filter) (*image.RGBA, error) {
	var (
		dr  = image.Rectangle{Max: size}
		sr  = src.Bounds()
		dst = image.NewRGBA(dr)
	)
	draw.Draw(dst, dr, image.Black, image.Point{}, draw.Src)

	s2d := noise.Transform(dr, sr)
	if scaleX, scaleY := s2d[0], s2d[4]; scaleX == 1 && scaleY == 1 {
		// only translating
		draw.Draw(dst, sr.Sub(sr.Min).Add(image.Pt(int(s2d[2]), int(s2d[5]))), src, sr.Min, draw.Over)
		return dst, nil
	}
	if err := scale(dst, s2d, src, sr, filter); err != nil {
		return nil, err
	}
	return dst, nil
}

// scale draws sr of src onto dst using a scale and translation transform.
func scale(dst draw.Image, s2d f64.Aff3, src image.Image, sr image.Rectangle, filter rez.Filter) error {
	// skew
	if s2d[1] != 0 || s2d[3] != 0 {
		return fmt.Errorf("unsupported transform")
	}

	// convert + crop
	var (
		r1 = sr.Canon()
		t1 = image.NewRGBA(r1)
	)
	draw.Draw(t1, r1, src, r1.Min, draw.Src)

	// scale
	var (
		r2 = image.Rect(
			int(s2d[2]),
			int(s2d[5]),
			int(s2d[2]+float64(r1.Dx())*s2d[0]),
			int(s2d[5]+float64(r1.Dy())*s2d[4]),
		)
		t2 = image.NewRGBA(r2)
	)
	if r2.Empty() {
		return nil
	}
	if err := rez.Convert(t2, t1, filter); err != nil {
		return fmt.Errorf("scale %s to %s: %w", r1.Size(), r2.Size(), err)
	}

	// composite
	draw.Draw(dst, r2, t2, r2.Min, draw.Over)
	return nil
}

// SideBySide places images next to each other, top-aligned.
func SideBySide(imgs ...image.Image) *image.RGBA {
	var w, h int
	for _, img := range imgs {
		w += img.Bounds().Dx()
		h = max(h, img.Bounds().Dy())
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	var x int
	for _, img := range imgs {
		b := img.Bounds()
		draw.Draw(dst, image.Rect(x, 0, x+b.Dx(), b.Dy()), img, b.Min, draw.Src)
		x += b.Dx()
	}
	return dst
}

// Stack places images above each other, left-aligned.
func Stack(imgs ...image.Image) *image.RGBA {
	var w, h int
	for _, img := range imgs {
		w = max(w, img.Bounds().Dx())
		h += img.Bounds().Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	var y int
	for _, img := range imgs {
		b := img.Bounds()
		draw.Draw(dst, image.Rect(0, y, b.Dx(), y+b.Dy()), img, b.Min, draw.Src)
		y += b.Dy()
	}
	return dst
}
