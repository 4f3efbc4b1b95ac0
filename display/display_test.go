package display

import (
	"errors"
	"image"
	"image/color"
	"math"
	"slices"
	"testing"

	"github.com/BurntSushi/xgb/xproto"
)

func TestSortMonitors(t *testing.T) {
	ms := []Monitor{
		{Name: "DP-2", Bounds: image.Rect(1920, 0, 3840, 1080)},
		{Name: "HDMI-1", Bounds: image.Rect(0, 0, 1920, 1080)},
		{Name: "eDP-1", Primary: true, Bounds: image.Rect(3840, 0, 5760, 1200)},
		{Name: "DP-1", Bounds: image.Rect(0, 0, 1920, 1080)},
	}
	sortMonitors(ms)

	var names []string
	for i, m := range ms {
		if m.Index != i {
			t.Errorf("monitor %s: index %d, expected %d", m.Name, m.Index, i)
		}
		names = append(names, m.Name)
	}
	if exp := []string{"eDP-1", "DP-1", "HDMI-1", "DP-2"}; !slices.Equal(names, exp) {
		t.Errorf("expected order %q, got %q", exp, names)
	}
}

func TestRefreshRate(t *testing.T) {
	for _, tc := range []struct {
		dotClock       uint32
		htotal, vtotal uint16
		exp            float64
	}{
		{148500000, 2200, 1125, 60},
		{241500000, 2080, 1111, 104.5056},
		{0, 2200, 1125, 0},
		{148500000, 0, 1125, 0},
		{148500000, 2200, 0, 0},
	} {
		if act := refreshRate(tc.dotClock, tc.htotal, tc.vtotal); math.Abs(act-tc.exp) > 1e-3 {
			t.Errorf("refreshRate(%d, %d, %d): expected %f, got %f", tc.dotClock, tc.htotal, tc.vtotal, tc.exp, act)
		}
	}
}

func TestFind(t *testing.T) {
	d := staticDisplay{
		{Index: 0, Name: "a"},
		{Index: 1, Name: "b"},
	}
	if m, err := Find(d, 1); err != nil || m.Name != "b" {
		t.Errorf("expected monitor b, got %v (err: %v)", m, err)
	}
	if _, err := Find(d, 2); !errors.Is(err, ErrNoMonitor) {
		t.Errorf("expected ErrNoMonitor, got %v", err)
	}
}

func TestPixelConversion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}

	buf := rgbaToBGRX(nil, img, 0, 2)
	if len(buf) != 3*2*4 {
		t.Fatalf("expected %d bytes, got %d", 3*2*4, len(buf))
	}
	if exp := []byte{2 * 7, 1 * 7, 0, 0xFF}; !slices.Equal(buf[:4], exp) {
		t.Errorf("expected first pixel %v, got %v", exp, buf[:4])
	}

	out := image.NewRGBA(img.Rect)
	if err := bgrxToRGBA(out, buf, 0, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < len(img.Pix); i += 4 {
		if !slices.Equal(out.Pix[i:i+3], img.Pix[i:i+3]) || out.Pix[i+3] != 0xFF {
			t.Errorf("pixel %d: expected %v (opaque), got %v", i/4, img.Pix[i:i+3], out.Pix[i:i+4])
		}
	}

	if err := bgrxToRGBA(out, buf[:8], 0, 2); err == nil {
		t.Errorf("expected error for short data")
	}
}

func TestPixelConversionBand(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4)).SubImage(image.Rect(1, 1, 3, 4)).(*image.RGBA)
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		for x := img.Rect.Min.X; x < img.Rect.Max.X; x++ {
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = byte(x), byte(y), 9
		}
	}

	buf := rgbaToBGRX(nil, img, 1, 3)
	if exp := []byte{
		9, 2, 1, 0xFF, 9, 2, 2, 0xFF,
		9, 3, 1, 0xFF, 9, 3, 2, 0xFF,
	}; !slices.Equal(buf, exp) {
		t.Errorf("expected %v, got %v", exp, buf)
	}
}

func TestBlitBGRX(t *testing.T) {
	dst := image.NewRGBA(image.Rect(10, 10, 14, 13))
	data := []byte{
		1, 2, 3, 0, 4, 5, 6, 0,
		7, 8, 9, 0, 10, 11, 12, 0,
	}
	if err := blitBGRX(dst, data, image.Rect(1, 1, 3, 3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct {
		x, y int
		exp  color.RGBA
	}{
		{10, 10, color.RGBA{}},
		{11, 11, color.RGBA{3, 2, 1, 0xFF}},
		{12, 11, color.RGBA{6, 5, 4, 0xFF}},
		{11, 12, color.RGBA{9, 8, 7, 0xFF}},
		{12, 12, color.RGBA{12, 11, 10, 0xFF}},
		{13, 12, color.RGBA{}},
	} {
		if act := dst.RGBAAt(tc.x, tc.y); act != tc.exp {
			t.Errorf("(%d, %d): expected %v, got %v", tc.x, tc.y, tc.exp, act)
		}
	}
	if err := blitBGRX(dst, data[:12], image.Rect(1, 1, 3, 3)); err == nil {
		t.Errorf("expected error for short data")
	}
}

func TestLayers(t *testing.T) {
	bounds := image.Rect(100, 0, 200, 50)
	for _, tc := range []struct {
		name string
		ws   []topLevel
		exp  []layer
	}{
		{
			name: "offscreen",
			ws:   []topLevel{{1, image.Rect(0, 0, 100, 50)}},
		},
		{
			name: "partial",
			ws:   []topLevel{{1, image.Rect(90, 10, 120, 30)}},
			exp:  []layer{{1, image.Pt(10, 0), image.Rect(0, 10, 20, 30)}},
		},
		{
			name: "stacked",
			ws: []topLevel{
				{1, image.Rect(0, 0, 300, 300)},
				{2, image.Rect(150, 20, 160, 30)},
			},
			exp: []layer{
				{1, image.Pt(100, 0), image.Rect(0, 0, 100, 50)},
				{2, image.Pt(0, 0), image.Rect(50, 20, 60, 30)},
			},
		},
		{
			name: "covered",
			ws: []topLevel{
				{1, image.Rect(150, 20, 160, 30)},
				{2, image.Rect(100, 0, 200, 50)},
			},
			exp: []layer{
				{2, image.Pt(0, 0), image.Rect(0, 0, 100, 50)},
			},
		},
	} {
		if act := layers(bounds, tc.ws); !slices.Equal(act, tc.exp) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.exp, act)
		}
	}
}

func TestExcluded(t *testing.T) {
	x := &X11{surfaces: map[xproto.Window]struct{}{}}
	x.exclude(5, true)
	if !x.excluded(5) || x.excluded(6) {
		t.Errorf("expected only window 5 to be excluded")
	}
	x.exclude(5, false)
	if x.excluded(5) {
		t.Errorf("expected window 5 to no longer be excluded after its surface is closed")
	}
}

func TestBandRows(t *testing.T) {
	x := &X11{maxReq: 262140 * 4}
	for _, tc := range []struct {
		width, exp int
	}{
		{1920, (262140*4 - 24) / (1920 * 4)},
		{1, 262140 - 6},
		{1 << 20, 1},
	} {
		if act := x.bandRows(tc.width); act != tc.exp {
			t.Errorf("bandRows(%d): expected %d, got %d", tc.width, tc.exp, act)
		}
	}
}

type staticDisplay []Monitor

func (d staticDisplay) Monitors() ([]Monitor, error) {
	return slices.Clone(d), nil
}

func (d staticDisplay) NewSurface(Monitor) (Surface, error) {
	return nil, ErrUnsupported
}

func (d staticDisplay) NewCapture(Monitor) (Capture, error) {
	return nil, ErrUnsupported
}
