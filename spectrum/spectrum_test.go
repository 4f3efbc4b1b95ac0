package spectrum

import (
	"errors"
	"math"
	"testing"
)

func near(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func hueNear(a, b, eps float64) bool {
	return math.Abs(HueDelta(a, b)) <= eps
}

func TestParseLegacy(t *testing.T) {
	p, err := Parse([]byte(`{"180": 200, "0": 50}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dual() {
		t.Errorf("legacy spectrum should not be dual")
	}
	pts := p.Primary.Points()
	if len(pts) != 2 {
		t.Fatalf("expected 2 points, got %d", len(pts))
	}
	if pts[0].Pos != 0 || pts[0].H != 50 || pts[1].Pos != 0.5 || pts[1].H != 200 {
		t.Errorf("points not sorted/normalized: %+v", pts)
	}
	for _, pt := range pts {
		if pt.S != 1 || pt.V != 1 {
			t.Errorf("legacy saturation/value should default to 1, got %+v", pt)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		json string
	}{
		{"invalid json", `{"0": `},
		{"not an object", `[1, 2]`},
		{"empty legacy", `{}`},
		{"key out of range", `{"361": 10}`},
		{"negative key", `{"-1": 10}`},
		{"non-integer key", `{"abc": 10}`},
		{"non-integer value", `{"10": 1.5}`},
		{"bad value type", `{"10": true}`},
		{"spectra not array", `{"spectra": {}}`},
		{"no spectra", `{"spectra": []}`},
		{"empty nodes", `{"spectra": [{"nodes": []}]}`},
		{"missing nodes", `{"spectra": [{}]}`},
		{"position out of range", `{"spectra": [{"nodes": [{"position": 1.5, "color": "#FF0000"}]}]}`},
		{"negative position", `{"spectra": [{"nodes": [{"position": -0.1, "color": "#FF0000"}]}]}`},
		{"bad color", `{"spectra": [{"nodes": [{"position": 0, "color": "#GG0000"}]}]}`},
		{"short color", `{"spectra": [{"nodes": [{"position": 0, "color": "#F00"}]}]}`},
		{"missing color", `{"spectra": [{"nodes": [{"position": 0}]}]}`},
		{"hue override out of range", `{"spectra": [{"nodes": [{"position": 0, "color": "#FF0000", "hue": 360}]}]}`},
		{"saturation override out of range", `{"spectra": [{"nodes": [{"position": 0, "color": "#FF0000", "saturation": 2}]}]}`},
		{"bad third spectrum", `{"spectra": [{"nodes": [{"position": 0, "color": "#FF0000"}]}, {"nodes": [{"position": 0, "color": "#00FF00"}]}, {"nodes": []}]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.json)); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseRamp(t *testing.T) {
	p, err := Parse([]byte(`{
		"spectra": [
			{"nodes": [
				{"position": 1.0, "color": "#0000FF"},
				{"position": 0.0, "color": "FF0000"},
				{"position": 0.5, "color": "#808080", "hue": 120, "saturation": 0.5}
			]},
			{"nodes": [{"position": 0.25, "color": "#00ff00", "value": 0.25}]},
			{"nodes": [{"position": 0.0, "color": "#ffffff"}]}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Dual() {
		t.Fatalf("expected dual spectrum")
	}
	if p.Extra != 1 {
		t.Errorf("expected 1 extra spectrum, got %d", p.Extra)
	}

	pts := p.Primary.Points()
	if len(pts) != 3 {
		t.Fatalf("expected 3 points, got %d", len(pts))
	}
	for i, exp := range []Point{
		{0, HSV{0, 1, 1}},
		{0.5, HSV{120, 0.5, 128.0 / 255}},
		{1, HSV{240, 1, 1}},
	} {
		act := pts[i]
		if !near(act.Pos, exp.Pos, 1e-9) || !hueNear(act.H, exp.H, 1e-6) || !near(act.S, exp.S, 1e-6) || !near(act.V, exp.V, 1e-6) {
			t.Errorf("point %d: expected %+v, got %+v", i, exp, act)
		}
	}

	sec := p.Secondary.Points()
	if len(sec) != 1 || !hueNear(sec[0].H, 120, 1e-6) || sec[0].V != 0.25 {
		t.Errorf("unexpected secondary points %+v", sec)
	}
}

func TestParseDuplicatePositions(t *testing.T) {
	s, err := New(Point{0.5, HSV{10, 1, 1}}, Point{0.5, HSV{20, 1, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts := s.Points(); len(pts) != 1 || pts[0].H != 20 {
		t.Errorf("expected the last duplicate to win, got %+v", pts)
	}
}

func TestConstantCurve(t *testing.T) {
	p, err := Parse([]byte(`{"90": 270}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl := p.Primary.Lookup(TableSize)
	for h := 0.0; h < 360; h += 7.5 {
		if act := tbl.Sample(h); act.H != 270 {
			t.Errorf("hue %v: expected 270, got %v", h, act.H)
		}
	}
}

func TestCurveInterpolation(t *testing.T) {
	p, err := Parse([]byte(`{"0": 50, "180": 200}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct {
		hue, exp float64
	}{
		{0, 50},
		{90, 125},
		{180, 200},
		{45, 87.5},
		{270, 125}, // wrap segment 200 -> 50 along the short arc
	} {
		if act := p.Primary.At(tc.hue / 360); !hueNear(act.H, tc.exp, 1e-9) {
			t.Errorf("curve at hue %v: expected %v, got %v", tc.hue, tc.exp, act.H)
		}
		if act := p.Primary.Lookup(TableSize).Sample(tc.hue); !hueNear(act.H, tc.exp, 1e-9) {
			t.Errorf("table at hue %v: expected %v, got %v", tc.hue, tc.exp, act.H)
		}
	}
}

func TestCurveWraparound(t *testing.T) {
	p, err := Parse([]byte(`{"350": 10, "10": 30}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl := p.Primary.Lookup(TableSize)
	for _, tc := range []struct {
		hue, exp float64
	}{
		{0, 20},
		{355, 15},
		{5, 25},
		{10, 30},
		{350, 10},
		{180, 20}, // 30 -> 10 the short way, not through 200
	} {
		if act := tbl.Sample(tc.hue); !hueNear(act.H, tc.exp, 1e-9) {
			t.Errorf("hue %v: expected %v, got %v", tc.hue, tc.exp, act.H)
		}
	}
}

func TestHueCrossingZero(t *testing.T) {
	// output hues crossing 0/360 must take the short arc
	s, err := New(Point{0, HSV{340, 1, 1}}, Point{0.5, HSV{20, 1, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act := s.At(0.25); !hueNear(act.H, 0, 1e-9) {
		t.Errorf("expected 0, got %v", act.H)
	}
}

func TestTableSampleInterpolates(t *testing.T) {
	s, err := New(Point{0, HSV{0, 0, 0}}, Point{0.5, HSV{180, 1, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl := s.Lookup(4) // entries at 0, 90, 180, 270
	act := tbl.Sample(45)
	exp := LerpHSV(tbl.Entry(0), tbl.Entry(1), 0.5)
	if !hueNear(act.H, exp.H, 1e-9) || !near(act.S, exp.S, 1e-9) || !near(act.V, exp.V, 1e-9) {
		t.Errorf("expected %+v, got %+v", exp, act)
	}
	if n := len(tbl.AppendFloat32(nil)); n != 4*TableStride {
		t.Errorf("expected %d packed bytes, got %d", 4*TableStride, n)
	}
}

func TestHueDelta(t *testing.T) {
	for _, tc := range []struct {
		a, b, exp float64
	}{
		{0, 10, 10},
		{10, 0, -10},
		{350, 10, 20},
		{10, 350, -20},
		{0, 180, -180},
		{720, 5, 5},
	} {
		if act := HueDelta(tc.a, tc.b); !near(act, tc.exp, 1e-9) {
			t.Errorf("HueDelta(%v, %v): expected %v, got %v", tc.a, tc.b, tc.exp, act)
		}
	}
}
