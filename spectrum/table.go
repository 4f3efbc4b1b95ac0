package spectrum

import (
	"encoding/binary"
	"math"
)

// TableSize is the default number of lookup table entries (one per degree).
const TableSize = 360

// TableStride is the number of bytes per packed table entry (h, s, v, pad as
// little-endian float32).
const TableStride = 16

// Table is an immutable pre-sampled curve. It is safe for concurrent usage.
type Table struct {
	entries []HSV
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entry returns the i-th entry.
func (t *Table) Entry(i int) HSV {
	return t.entries[i]
}

// Sample samples the table at an input hue in degrees, interpolating between
// the two nearest entries and wrapping around at 360.
func (t *Table) Sample(hue float64) HSV {
	n := len(t.entries)
	x := WrapHue(hue) / 360 * float64(n)
	i0 := int(math.Floor(x))
	f := x - float64(i0)
	i0 %= n
	i1 := (i0 + 1) % n
	if f == 0 {
		return t.entries[i0]
	}
	return LerpHSV(t.entries[i0], t.entries[i1], f)
}

// AppendFloat32 appends the packed table to b for uploading to a storage
// buffer. Each entry takes [TableStride] bytes.
func (t *Table) AppendFloat32(b []byte) []byte {
	for _, e := range t.entries {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(e.H)))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(e.S)))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(e.V)))
		b = binary.LittleEndian.AppendUint32(b, 0)
	}
	return b
}
