package spectrum

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/tidwall/gjson"
)

// Load reads and parses a spectrum asset.
func Load(name string) (*Pair, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	p, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return p, nil
}

// Parse parses a spectrum asset in either the node ramp shape, an object with
// a "spectra" array, or the legacy hue map shape, an object mapping integer
// hues to integer hues. The shape is detected structurally.
//
// At most two spectra are used. Any additional ones in a node ramp are still
// validated, but are otherwise ignored and counted in [Pair.Extra].
func Parse(buf []byte) (*Pair, error) {
	if !gjson.ValidBytes(buf) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(buf)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object, got %s", ErrMalformed, root.Type)
	}
	if spectra := root.Get("spectra"); spectra.Exists() {
		return parseRamp(spectra)
	}
	s, err := parseLegacy(root)
	if err != nil {
		return nil, err
	}
	return &Pair{Primary: s}, nil
}

func parseLegacy(root gjson.Result) (*Spectrum, error) {
	var (
		points []Point
		err    error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		var k, v int64
		if k, err = strconv.ParseInt(key.Str, 10, 32); err != nil {
			err = fmt.Errorf("%w: invalid hue key %q", ErrMalformed, key.Str)
			return false
		}
		if k < 0 || k > 360 {
			err = fmt.Errorf("%w: hue key %d out of range", ErrMalformed, k)
			return false
		}
		switch value.Type {
		case gjson.Number:
			v, err = strconv.ParseInt(value.Raw, 10, 32)
		case gjson.String:
			v, err = strconv.ParseInt(value.Str, 10, 32)
		default:
			err = fmt.Errorf("unexpected %s", value.Type)
		}
		if err != nil {
			err = fmt.Errorf("%w: invalid hue value for key %d: %v", ErrMalformed, k, err)
			return false
		}
		points = append(points, Point{
			Pos: float64(k) / 360,
			HSV: HSV{H: float64(v), S: 1, V: 1},
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty hue map", ErrMalformed)
	}
	return New(points...)
}

func parseRamp(spectra gjson.Result) (*Pair, error) {
	if !spectra.IsArray() {
		return nil, fmt.Errorf("%w: spectra must be an array", ErrMalformed)
	}
	var (
		pair Pair
		n    int
		err  error
	)
	spectra.ForEach(func(_, value gjson.Result) bool {
		var s *Spectrum
		if s, err = parseNodes(value.Get("nodes")); err != nil {
			err = fmt.Errorf("spectrum %d: %w", n, err)
			return false
		}
		switch n {
		case 0:
			pair.Primary = s
		case 1:
			pair.Secondary = s
		default:
			pair.Extra++
		}
		n++
		return true
	})
	if err != nil {
		return nil, err
	}
	if pair.Primary == nil {
		return nil, fmt.Errorf("%w: no spectra", ErrMalformed)
	}
	return &pair, nil
}

func parseNodes(nodes gjson.Result) (*Spectrum, error) {
	if !nodes.IsArray() {
		return nil, fmt.Errorf("%w: nodes must be an array", ErrMalformed)
	}
	var (
		points []Point
		err    error
	)
	nodes.ForEach(func(_, node gjson.Result) bool {
		var p Point
		if p, err = parseNode(node); err != nil {
			err = fmt.Errorf("node %d: %w", len(points), err)
			return false
		}
		points = append(points, p)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty node list", ErrMalformed)
	}
	return New(points...)
}

func parseNode(node gjson.Result) (Point, error) {
	var p Point

	pos := node.Get("position")
	if pos.Type != gjson.Number {
		return p, fmt.Errorf("%w: missing or non-numeric position", ErrMalformed)
	}
	if p.Pos = pos.Float(); p.Pos < 0 || p.Pos > 1 {
		return p, fmt.Errorf("%w: position %v out of range [0, 1]", ErrMalformed, p.Pos)
	}

	col := node.Get("color")
	if col.Type != gjson.String {
		return p, fmt.Errorf("%w: missing color", ErrMalformed)
	}
	c, err := parseHex(col.Str)
	if err != nil {
		return p, err
	}
	p.H, p.S, p.V = c.Hsv()

	// explicit components override the ones derived from the colour
	for _, o := range []struct {
		key string
		dst *float64
		max float64
	}{
		{"hue", &p.H, 360},
		{"saturation", &p.S, 1},
		{"value", &p.V, 1},
	} {
		if v := node.Get(o.key); v.Exists() {
			if v.Type != gjson.Number {
				return p, fmt.Errorf("%w: non-numeric %s", ErrMalformed, o.key)
			}
			x := v.Float()
			if x < 0 || x > o.max || (o.max == 360 && x == 360) {
				return p, fmt.Errorf("%w: %s %v out of range", ErrMalformed, o.key, x)
			}
			*o.dst = x
		}
	}
	return p, nil
}

// parseHex parses a #RRGGBB colour (the # is optional).
func parseHex(s string) (colorful.Color, error) {
	if len(s) == 6 {
		s = "#" + s
	}
	if len(s) != 7 || s[0] != '#' || strings.ContainsFunc(s[1:], func(r rune) bool {
		return !('0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F')
	}) {
		return colorful.Color{}, fmt.Errorf("%w: invalid hex color %q", ErrMalformed, s)
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return colorful.Color{}, fmt.Errorf("%w: invalid hex color %q: %v", ErrMalformed, s, err)
	}
	return c, nil
}
