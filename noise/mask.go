package noise

import (
	"encoding/binary"
	"image"
	"image/color"
)

// Mask is a pattern resampled to a surface size. It is immutable and safe for
// concurrent usage.
type Mask struct {
	w, h  int
	words []uint32 // row-major bitset, bit set is white
}

// Bounds returns the surface size.
func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.w, m.h)
}

// At returns true if the surface pixel at (x, y) is white. Coordinates outside
// the surface are black.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.w || y >= m.h {
		return false
	}
	i := y*m.w + x
	return m.words[i/32]&(1<<(i%32)) != 0
}

// Words returns the number of 32-bit words in the packed mask.
func (m *Mask) Words() int {
	return len(m.words)
}

// AppendUint32 appends the packed bitset to b as little-endian words for
// uploading to a storage buffer. Pixel i is bit i%32 of word i/32.
func (m *Mask) AppendUint32(b []byte) []byte {
	for _, w := range m.words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// Image renders the mask as a black and white image.
func (m *Mask) Image() *image.Gray {
	img := image.NewGray(m.Bounds())
	for y := range m.h {
		for x := range m.w {
			if m.At(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0xFF})
			}
		}
	}
	return img
}
