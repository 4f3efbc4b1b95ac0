// Package noise loads binary mask images used to select between two spectra
// per pixel.
//
// Samples are thresholded at the midpoint: a sample >= 128 (0.5) is white and
// selects the secondary spectrum, anything darker is black and selects the
// primary one.
package noise

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrMalformed is returned when a noise image cannot be used.
var ErrMalformed = errors.New("malformed noise pattern")

// Threshold is the 8-bit sample value at and above which a sample is white.
const Threshold = 128

// Pattern is an immutable thresholded noise image.
type Pattern struct {
	w, h int
	bits []bool // row-major, true is white
}

// Load reads and decodes a noise image.
func Load(name string) (*Pattern, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return p, nil
}

// Decode decodes a noise image in any registered format. The red channel is
// used as the intensity, which is the luma for greyscale images.
func Decode(r io.Reader) (*Pattern, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromImage(img)
}

// FromImage thresholds an image.
func FromImage(img image.Image) (*Pattern, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrMalformed)
	}
	p := &Pattern{
		w:    b.Dx(),
		h:    b.Dy(),
		bits: make([]bool, b.Dx()*b.Dy()),
	}
	switch img := img.(type) {
	case *image.Gray:
		for y := range p.h {
			row := img.Pix[y*img.Stride:]
			for x := range p.w {
				p.bits[y*p.w+x] = row[x] >= Threshold
			}
		}
	default:
		for y := range p.h {
			for x := range p.w {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				p.bits[y*p.w+x] = r>>8 >= Threshold
			}
		}
	}
	return p, nil
}

// Bounds returns the size of the source image.
func (p *Pattern) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.w, p.h)
}

// White returns the thresholded source sample at (x, y), clamping to the
// nearest edge.
func (p *Pattern) White(x, y int) bool {
	x = min(max(x, 0), p.w-1)
	y = min(max(y, 0), p.h-1)
	return p.bits[y*p.w+x]
}

// Sample samples the pattern at normalized coordinates on a surface of the
// specified size, as it would be displayed after being fit to it.
func (p *Pattern) Sample(u, v float64, width, height int) bool {
	return p.sample(newFit(width, height, p.w, p.h), u, v)
}

func (p *Pattern) sample(f fit, u, v float64) bool {
	x, y := f.source(u, v)
	return p.White(x, y)
}

// Fit resamples the pattern to a surface of the specified size. The pattern
// is scaled with nearest neighbour sampling to fit within the surface while
// preserving the aspect ratio, centred, and any remaining border takes the
// nearest edge sample.
func (p *Pattern) Fit(width, height int) *Mask {
	m := &Mask{
		w:     max(width, 0),
		h:     max(height, 0),
		words: make([]uint32, (max(width, 0)*max(height, 0)+31)/32),
	}
	if m.w == 0 || m.h == 0 {
		return m
	}
	f := newFit(m.w, m.h, p.w, p.h)
	for y := range m.h {
		v := (float64(y) + .5) / float64(m.h)
		for x := range m.w {
			u := (float64(x) + .5) / float64(m.w)
			if p.sample(f, u, v) {
				i := y*m.w + x
				m.words[i/32] |= 1 << (i % 32)
			}
		}
	}
	return m
}
