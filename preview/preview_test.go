package preview

import (
	"image"
	"image/color"
	"testing"

	"github.com/bamiaux/rez"

	"github.com/pgaskin/chromabridge/spectrum"
)

func TestStrip(t *testing.T) {
	constant, err := spectrum.New(spectrum.Point{Pos: 0, HSV: spectrum.HSV{H: 240, S: 1, V: 1}})
	if err != nil {
		t.Fatal(err)
	}
	table := constant.Lookup(spectrum.TableSize)

	img := Strip(36, 4, 1, table)
	if exp := image.Rect(0, 0, 36, 8); img.Rect != exp {
		t.Fatalf("expected %s, got %s", exp, img.Rect)
	}
	if act, exp := img.RGBAAt(0, 0), (color.RGBA{0xFF, 0, 0, 0xFF}); act != exp {
		t.Errorf("input hue 0: expected %v, got %v", exp, act)
	}
	for x := range 36 {
		if act, exp := img.RGBAAt(x, 5), (color.RGBA{0, 0, 0xFF, 0xFF}); act != exp {
			t.Errorf("column %d: expected constant %v, got %v", x, exp, act)
		}
	}

	img = Strip(36, 2, 0, table)
	for x := range 36 {
		if a, b := img.RGBAAt(x, 0), img.RGBAAt(x, 3); a != b {
			t.Errorf("column %d: strength 0 should not change %v, got %v", x, a, b)
		}
	}
}

func TestFit(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for i := range src.Pix {
		src.Pix[i] = 0xFF
	}

	for _, tc := range []struct {
		size    image.Point
		content image.Rectangle
	}{
		{image.Pt(64, 64), image.Rect(0, 16, 64, 48)}, // translate only
		{image.Pt(32, 32), image.Rect(0, 8, 32, 24)},
		{image.Pt(128, 32), image.Rect(32, 0, 96, 32)},
	} {
		dst, err := Fit(src, tc.size, rez.NewBilinearFilter())
		if err != nil {
			t.Errorf("fit %s: %v", tc.size, err)
			continue
		}
		if dst.Rect.Size() != tc.size {
			t.Errorf("fit %s: got size %s", tc.size, dst.Rect.Size())
		}
		// letterbox
		for _, p := range []image.Point{{0, 0}, {tc.size.X - 1, tc.size.Y - 1}} {
			if p.In(tc.content) {
				continue
			}
			if c := dst.RGBAAt(p.X, p.Y); c.R != 0 || c.A != 0xFF {
				t.Errorf("fit %s: expected black border at %s, got %v", tc.size, p, c)
			}
		}
		// content (away from filter edges)
		c := tc.content.Min.Add(tc.content.Size().Div(2))
		if px := dst.RGBAAt(c.X, c.Y); px.R < 0xF0 {
			t.Errorf("fit %s: expected white content at %s, got %v", tc.size, c, px)
		}
	}
}

func TestLayout(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 3, 2))
	b := image.NewRGBA(image.Rect(5, 5, 7, 9))
	if r := SideBySide(a, b).Rect; r != image.Rect(0, 0, 5, 4) {
		t.Errorf("side by side: got %s", r)
	}
	if r := Stack(a, b).Rect; r != image.Rect(0, 0, 3, 6) {
		t.Errorf("stack: got %s", r)
	}
}
