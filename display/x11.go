package display

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xproto"
)

// X11 provides monitors using RandR, overlay surfaces using override-redirect
// windows, and capture by composing the top-level windows from their
// Composite pixmaps (or reading the root window if Composite is not
// available). It is safe for concurrent usage.
type X11 struct {
	conn    *xgb.Conn
	errch   chan error
	logger  *slog.Logger
	changed chan struct{}

	screen *xproto.ScreenInfo
	maxReq int           // bytes
	bpp32  map[byte]bool // depths with 32 bits per pixel

	composite bool // top-level windows are redirected
	rootPmap  xproto.Atom

	smu      sync.Mutex
	surfaces map[xproto.Window]struct{}

	wmu      sync.Mutex
	monitors []Monitor // nil if stale
}

var _ Display = (*X11)(nil)

// NewX11 opens a X11 connection to the specified display (empty for the
// default), processing events in another goroutine. If a fatal error occurs,
// the chan will return it, and the connection should be closed as it will no
// longer be usable. If logger is not nil, it is used for debug logs from this
// package.
func NewX11(display string, logger *slog.Logger) (*X11, <-chan error, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, nil, err
	}

	e := make(chan error, 1)
	x := &X11{
		conn:    conn,
		errch:   e,
		logger:  logger,
		changed: make(chan struct{}, 1),

		bpp32:    map[byte]bool{},
		surfaces: map[xproto.Window]struct{}{},
	}

	setup := xproto.Setup(conn)
	x.screen = setup.DefaultScreen(conn)
	x.maxReq = int(setup.MaximumRequestLength) * 4

	if setup.ImageByteOrder != xproto.ImageOrderLSBFirst {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: msb-first image byte order", ErrUnsupported)
	}
	for _, f := range setup.PixmapFormats {
		if f.BitsPerPixel == 32 {
			x.bpp32[f.Depth] = true
		}
	}
	if !x.bpp32[x.screen.RootDepth] {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: root depth %d is not 32 bits per pixel", ErrUnsupported, x.screen.RootDepth)
	}

	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: randr: %v", ErrUnsupported, err)
	}
	if err := shape.Init(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: shape: %v", ErrUnsupported, err)
	}
	if err := composite.Init(conn); err != nil {
		logger.Warn("x11: composite not available, capture will include the overlay", "error", err)
	} else if err := composite.RedirectSubwindowsChecked(conn, x.screen.Root, composite.RedirectAutomatic).Check(); err != nil {
		logger.Warn("x11: failed to redirect windows, capture will include the overlay", "error", err)
	} else {
		x.composite = true
	}
	if r, err := xproto.InternAtom(conn, false, uint16(len("_XROOTPMAP_ID")), "_XROOTPMAP_ID").Reply(); err == nil {
		x.rootPmap = r.Atom
	}
	if err := randr.SelectInputChecked(conn, x.screen.Root, randr.NotifyMaskCrtcChange|randr.NotifyMaskOutputChange).Check(); err != nil {
		conn.Close()
		return nil, nil, err
	}

	go func() {
		for {
			ev, err := x.conn.WaitForEvent()
			if ev == nil && err == nil {
				x.errch <- errors.New("x11: connection closed")
				return
			}
			if err != nil {
				// errors from unchecked requests (i.e., PutImage)
				x.logger.Warn("x11: request failed", "error", err)
				continue
			}
			switch ev.(type) {
			case randr.NotifyEvent, randr.ScreenChangeNotifyEvent:
				x.wmu.Lock()
				x.monitors = nil
				x.wmu.Unlock()

				select {
				case x.changed <- struct{}{}:
				default:
				}
			}
		}
	}()

	return x, e, nil
}

// Changed returns a channel which receives a value (coalesced) when the
// monitor configuration changes.
func (x *X11) Changed() <-chan struct{} {
	return x.changed
}

func (x *X11) Close() {
	x.conn.Close()
}

// Monitors returns the connected outputs with an active CRTC.
func (x *X11) Monitors() ([]Monitor, error) {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	if x.monitors != nil {
		return slices.Clone(x.monitors), nil
	}

	resources, err := randr.GetScreenResourcesCurrent(x.conn, x.screen.Root).Reply()
	if err != nil {
		return nil, fmt.Errorf("randr: get screen resources: %w", err)
	}
	primary, err := randr.GetOutputPrimary(x.conn, x.screen.Root).Reply()
	if err != nil {
		return nil, fmt.Errorf("randr: get output primary: %w", err)
	}

	ms := []Monitor{}
	for _, output := range resources.Outputs {
		info, err := randr.GetOutputInfo(x.conn, output, resources.ConfigTimestamp).Reply()
		if err != nil {
			return nil, fmt.Errorf("randr: get output info: %w", err)
		}
		if info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
			continue
		}
		crtc, err := randr.GetCrtcInfo(x.conn, info.Crtc, resources.ConfigTimestamp).Reply()
		if err != nil {
			return nil, fmt.Errorf("randr: get crtc info: %w", err)
		}
		if crtc.Width == 0 || crtc.Height == 0 {
			continue
		}
		m := Monitor{
			Name:    string(info.Name),
			Primary: primary.Output == output,
			Bounds:  image.Rect(int(crtc.X), int(crtc.Y), int(crtc.X)+int(crtc.Width), int(crtc.Y)+int(crtc.Height)),
		}
		if i := slices.IndexFunc(resources.Modes, func(mi randr.ModeInfo) bool {
			return mi.Id == uint32(crtc.Mode)
		}); i != -1 {
			mi := resources.Modes[i]
			m.RefreshHz = refreshRate(mi.DotClock, mi.Htotal, mi.Vtotal)
		}
		ms = append(ms, m)
	}
	sortMonitors(ms)

	x.logger.Debug("x11: randr: enumerated monitors", "count", len(ms))
	x.monitors = ms
	return slices.Clone(ms), nil
}

// exclude adds or removes a window to be left out of captures.
func (x *X11) exclude(w xproto.Window, excluded bool) {
	x.smu.Lock()
	defer x.smu.Unlock()
	if excluded {
		x.surfaces[w] = struct{}{}
	} else {
		delete(x.surfaces, w)
	}
}

func (x *X11) excluded(w xproto.Window) bool {
	x.smu.Lock()
	defer x.smu.Unlock()
	_, ok := x.surfaces[w]
	return ok
}

// bandRows returns the number of rows of the specified width which fit in a
// single image request.
func (x *X11) bandRows(width int) int {
	const header = 24 // PutImage request
	return max(1, (x.maxReq-header)/(width*4))
}
