package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xproto"
)

const windowName = "chromabridge"

type x11Surface struct {
	x      *X11
	bounds image.Rectangle
	window xproto.Window
	gc     xproto.Gcontext

	mu     sync.Mutex
	mapped bool
	buf    []byte
}

// NewSurface creates an override-redirect, always-on-top window covering m
// which ignores input. It is mapped on the first Present.
func (x *X11) NewSurface(m Monitor) (Surface, error) {
	s := &x11Surface{x: x, bounds: m.Bounds}

	var err error
	if s.window, err = xproto.NewWindowId(x.conn); err != nil {
		return nil, err
	}
	if err = xproto.CreateWindowChecked(
		x.conn,
		x.screen.RootDepth, s.window, x.screen.Root,
		int16(m.Bounds.Min.X), int16(m.Bounds.Min.Y),
		uint16(m.Bounds.Dx()), uint16(m.Bounds.Dy()),
		0,
		xproto.WindowClassInputOutput, x.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwBorderPixel|xproto.CwOverrideRedirect|xproto.CwColormap, []uint32{x.screen.BlackPixel, x.screen.BlackPixel, 1, uint32(x.screen.DefaultColormap)},
	).Check(); err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	x.exclude(s.window, true)

	if err = xproto.ChangePropertyChecked(x.conn, xproto.PropModeReplace, s.window, xproto.AtomWmName, xproto.AtomString, 8, uint32(len(windowName)), []byte(windowName)).Check(); err != nil {
		s.Close()
		return nil, err
	}
	if err = xproto.ChangePropertyChecked(x.conn, xproto.PropModeReplace, s.window, xproto.AtomWmClass, xproto.AtomString, 8, uint32(len(windowName)), []byte(windowName)).Check(); err != nil {
		s.Close()
		return nil, err
	}

	// empty input region so clicks go to the windows below
	if err = shape.RectanglesChecked(x.conn, shape.SoSet, shape.SkInput, xproto.ClipOrderingUnsorted, s.window, 0, 0, nil).Check(); err != nil {
		s.Close()
		return nil, fmt.Errorf("shape input: %w", err)
	}

	if err = x.above(s.window); err != nil {
		s.Close()
		return nil, err
	}

	if s.gc, err = xproto.NewGcontextId(x.conn); err != nil {
		s.Close()
		return nil, err
	}
	if err = xproto.CreateGCChecked(x.conn, s.gc, xproto.Drawable(s.window), 0, nil).Check(); err != nil {
		s.gc = 0
		s.Close()
		return nil, fmt.Errorf("create gc: %w", err)
	}
	return s, nil
}

// above asks the window manager to keep the window always-on-top.
func (x *X11) above(w xproto.Window) error {
	ts, err := xproto.InternAtom(x.conn, false, uint16(len("_NET_WM_STATE")), "_NET_WM_STATE").Reply()
	if err != nil {
		return err
	}
	tsa, err := xproto.InternAtom(x.conn, false, uint16(len("_NET_WM_STATE_ABOVE")), "_NET_WM_STATE_ABOVE").Reply()
	if err != nil {
		return err
	}
	return xproto.SendEventChecked(x.conn, false, x.screen.Root, xproto.EventMaskSubstructureNotify|xproto.EventMaskSubstructureRedirect, string(xproto.ClientMessageEvent{
		Type:   ts.Atom,
		Window: w,
		Format: 32,
		Data: xproto.ClientMessageDataUnionData32New([]uint32{
			1, // _NET_WM_STATE_ADD
			uint32(tsa.Atom),
			0,
			0,
			0,
		}),
	}.Bytes())).Check()
}

func (s *x11Surface) Present(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sz := s.bounds.Size()
	if img.Rect.Size() != sz {
		return fmt.Errorf("present: frame %s does not match surface %s", img.Rect.Size(), sz)
	}
	if !s.mapped {
		if err := xproto.MapWindowChecked(s.x.conn, s.window).Check(); err != nil {
			return fmt.Errorf("map window: %w", err)
		}
		if err := xproto.ConfigureWindowChecked(s.x.conn, s.window, xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove}).Check(); err != nil {
			return fmt.Errorf("raise window: %w", err)
		}
		s.mapped = true
	}

	rows := s.x.bandRows(sz.X)
	for y0 := 0; y0 < sz.Y; y0 += rows {
		y1 := min(y0+rows, sz.Y)
		s.buf = rgbaToBGRX(s.buf[:0], img, y0, y1)
		xproto.PutImage(s.x.conn, xproto.ImageFormatZPixmap, xproto.Drawable(s.window), s.gc,
			uint16(sz.X), uint16(y1-y0), 0, int16(y0), 0, s.x.screen.RootDepth, s.buf)
	}
	s.x.conn.Sync()
	return nil
}

func (s *x11Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window != 0 {
		if s.mapped {
			_ = xproto.UnmapWindowChecked(s.x.conn, s.window).Check()
			s.mapped = false
		}
		_ = xproto.DestroyWindowChecked(s.x.conn, s.window).Check()
		s.x.exclude(s.window, false)
		s.window = 0
	}
	if s.gc != 0 {
		_ = xproto.FreeGCChecked(s.x.conn, s.gc).Check()
		s.gc = 0
	}
	return nil
}
