package display

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
)

type x11Capture struct {
	x      *X11
	bounds image.Rectangle
	mu     sync.Mutex
}

// NewCapture reads what is displayed on m, excluding overlay surfaces if the
// Composite extension is available. Without it, the root window is read,
// which includes any overlay surface on the monitor.
func (x *X11) NewCapture(m Monitor) (Capture, error) {
	if m.Bounds.Empty() {
		return nil, fmt.Errorf("capture: empty monitor bounds")
	}
	return &x11Capture{x: x, bounds: m.Bounds}, nil
}

func (c *x11Capture) Frame(dst *image.RGBA) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sz := c.bounds.Size()
	if dst.Rect.Size() != sz {
		return fmt.Errorf("capture: frame %s does not match monitor %s", dst.Rect.Size(), sz)
	}
	if !c.x.composite {
		if err := c.read(xproto.Drawable(c.x.screen.Root), c.bounds.Min, dst, image.Rectangle{Max: sz}); err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		return nil
	}
	if err := c.compose(dst); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// compose draws the wallpaper and then the pixmap of each visible top-level
// window except overlay surfaces, bottom to top.
func (c *x11Capture) compose(dst *image.RGBA) error {
	conn := c.x.conn

	tree, err := xproto.QueryTree(conn, c.x.screen.Root).Reply()
	if err != nil {
		return fmt.Errorf("query tree: %w", err)
	}

	var (
		attrs = make([]xproto.GetWindowAttributesCookie, len(tree.Children))
		geoms = make([]xproto.GetGeometryCookie, len(tree.Children))
	)
	for i, w := range tree.Children {
		attrs[i] = xproto.GetWindowAttributes(conn, w)
		geoms[i] = xproto.GetGeometry(conn, xproto.Drawable(w))
	}
	ws := make([]topLevel, 0, len(tree.Children))
	for i, w := range tree.Children {
		a, aerr := attrs[i].Reply()
		g, gerr := geoms[i].Reply()
		if aerr != nil || gerr != nil {
			continue // destroyed
		}
		if a.MapState != xproto.MapStateViewable || a.Class != xproto.WindowClassInputOutput {
			continue
		}
		if c.x.excluded(w) || !c.x.bpp32[g.Depth] {
			continue
		}
		b := int(g.BorderWidth)
		ws = append(ws, topLevel{
			window: w,
			outer:  image.Rect(int(g.X), int(g.Y), int(g.X)+int(g.Width)+2*b, int(g.Y)+int(g.Height)+2*b),
		})
	}
	ls := layers(c.bounds, ws)

	if len(ls) == 0 || ls[0].dst != (image.Rectangle{Max: c.bounds.Size()}) {
		c.wallpaper(dst)
	}
	for _, l := range ls {
		pm, err := xproto.NewPixmapId(conn)
		if err != nil {
			return err
		}
		if err := composite.NameWindowPixmapChecked(conn, l.window, pm).Check(); err != nil {
			continue // unmapped since the query
		}
		err = c.read(xproto.Drawable(pm), l.src, dst, l.dst)
		xproto.FreePixmap(conn, pm)
		if err != nil {
			c.x.logger.Debug("x11: capture: skipping window", "window", l.window, "error", err)
		}
	}
	return nil
}

// wallpaper fills dst with the root background pixmap, or black if there
// isn't one.
func (c *x11Capture) wallpaper(dst *image.RGBA) {
	if c.x.rootPmap != 0 {
		r, err := xproto.GetProperty(c.x.conn, false, c.x.screen.Root, c.x.rootPmap, xproto.AtomPixmap, 0, 1).Reply()
		if err == nil && r.Format == 32 && r.ValueLen == 1 {
			pm := xproto.Pixmap(xgb.Get32(r.Value))
			if c.read(xproto.Drawable(pm), c.bounds.Min, dst, image.Rectangle{Max: c.bounds.Size()}) == nil {
				return
			}
		}
	}
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i+0], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = 0, 0, 0, 0xFF
	}
}

// read copies the area of d at src into r of dst.
func (c *x11Capture) read(d xproto.Drawable, src image.Point, dst *image.RGBA, r image.Rectangle) error {
	rows := c.x.bandRows(r.Dx())
	for y0 := r.Min.Y; y0 < r.Max.Y; y0 += rows {
		y1 := min(y0+rows, r.Max.Y)
		img, err := xproto.GetImage(c.x.conn, xproto.ImageFormatZPixmap, d,
			int16(src.X), int16(src.Y+y0-r.Min.Y), uint16(r.Dx()), uint16(y1-y0), ^uint32(0)).Reply()
		if err != nil {
			return fmt.Errorf("get image: %w", err)
		}
		if err := blitBGRX(dst, img.Data, image.Rect(r.Min.X, y0, r.Max.X, y1)); err != nil {
			return err
		}
	}
	return nil
}

func (c *x11Capture) Close() error {
	return nil
}

type topLevel struct {
	window xproto.Window
	outer  image.Rectangle // including the border
}

type layer struct {
	window xproto.Window
	src    image.Point     // in the window pixmap
	dst    image.Rectangle // relative to the monitor
}

// layers returns the parts of the windows (bottom to top) which are visible
// within bounds. Windows entirely covered by a single window above them are
// left out.
func layers(bounds image.Rectangle, ws []topLevel) []layer {
	var ls []layer
	for i, w := range ws {
		vis := w.outer.Intersect(bounds)
		if vis.Empty() {
			continue
		}
		if slices.ContainsFunc(ws[i+1:], func(above topLevel) bool {
			return vis.In(above.outer)
		}) {
			continue
		}
		ls = append(ls, layer{
			window: w.window,
			src:    vis.Min.Sub(w.outer.Min),
			dst:    vis.Sub(bounds.Min),
		})
	}
	return ls
}

// rgbaToBGRX appends rows [y0, y1) of img as 32bpp little-endian pixels with
// the alpha composited over black.
func rgbaToBGRX(buf []byte, img *image.RGBA, y0, y1 int) []byte {
	w := img.Rect.Dx()
	for y := y0; y < y1; y++ {
		row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):][:w*4]
		for i := 0; i < len(row); i += 4 {
			// premultiplied, so this is already composited over black
			buf = append(buf, row[i+2], row[i+1], row[i], 0xFF)
		}
	}
	return buf
}

// bgrxToRGBA writes 32bpp little-endian pixels into rows [y0, y1) of dst.
func bgrxToRGBA(dst *image.RGBA, data []byte, y0, y1 int) error {
	return blitBGRX(dst, data, image.Rect(0, y0, dst.Rect.Dx(), y1))
}

// blitBGRX writes 32bpp little-endian pixels into r (relative to the origin
// of dst).
func blitBGRX(dst *image.RGBA, data []byte, r image.Rectangle) error {
	w := r.Dx()
	if len(data) < w*r.Dy()*4 {
		return fmt.Errorf("short image data (%d bytes for %dx%d)", len(data), w, r.Dy())
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := data[(y-r.Min.Y)*w*4:][:w*4]
		row := dst.Pix[dst.PixOffset(dst.Rect.Min.X+r.Min.X, dst.Rect.Min.Y+y):][:w*4]
		for i := 0; i < len(row); i += 4 {
			row[i+0] = src[i+2]
			row[i+1] = src[i+1]
			row[i+2] = src[i+0]
			row[i+3] = 0xFF
		}
	}
	return nil
}
