// Package display provides the monitors, overlay surfaces, and frame capture
// used by overlay sessions.
package display

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"slices"
)

var (
	ErrUnsupported = errors.New("unsupported display")
	ErrNoMonitor   = errors.New("no such monitor")
)

// Monitor describes an active output.
type Monitor struct {
	Index     int
	Name      string
	Primary   bool
	Bounds    image.Rectangle // in screen coordinates
	RefreshHz float64         // 0 if unknown
}

func (m Monitor) String() string {
	return fmt.Sprintf("%d:%s %dx%d+%d+%d@%.2fHz", m.Index, m.Name, m.Bounds.Dx(), m.Bounds.Dy(), m.Bounds.Min.X, m.Bounds.Min.Y, m.RefreshHz)
}

// Surface is an always-on-top surface covering a monitor which passes input
// through to whatever is below it.
type Surface interface {
	// Present displays a frame, which must be the size of the monitor.
	Present(img *image.RGBA) error
	Close() error
}

// Capture reads what is displayed on a monitor.
type Capture interface {
	// Frame reads the current contents of the monitor into dst, which must be
	// the size of the monitor, with its origin corresponding to the top-left
	// of the monitor.
	Frame(dst *image.RGBA) error
	Close() error
}

// Display opens surfaces and captures for monitors. It is safe for concurrent
// usage.
type Display interface {
	Monitors() ([]Monitor, error)
	NewSurface(m Monitor) (Surface, error)
	NewCapture(m Monitor) (Capture, error)
}

// Find returns the monitor with the specified index.
func Find(d Display, index int) (Monitor, error) {
	ms, err := d.Monitors()
	if err != nil {
		return Monitor{}, err
	}
	if i := slices.IndexFunc(ms, func(m Monitor) bool { return m.Index == index }); i != -1 {
		return ms[i], nil
	}
	return Monitor{}, fmt.Errorf("%w: index %d (have %d)", ErrNoMonitor, index, len(ms))
}

// sortMonitors orders monitors with the primary first, then from left to
// right and top to bottom, and assigns indexes.
func sortMonitors(ms []Monitor) {
	slices.SortStableFunc(ms, func(a, b Monitor) int {
		if a.Primary != b.Primary {
			if a.Primary {
				return -1
			}
			return 1
		}
		return cmp.Or(
			cmp.Compare(a.Bounds.Min.X, b.Bounds.Min.X),
			cmp.Compare(a.Bounds.Min.Y, b.Bounds.Min.Y),
			cmp.Compare(a.Name, b.Name),
		)
	})
	for i := range ms {
		ms[i].Index = i
	}
}

// refreshRate computes the vertical refresh rate of a mode.
func refreshRate(dotClock uint32, htotal, vtotal uint16) float64 {
	if dotClock == 0 || htotal == 0 || vtotal == 0 {
		return 0
	}
	return float64(dotClock) / float64(htotal) / float64(vtotal)
}
