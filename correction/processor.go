package correction

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

var (
	ErrDeviceLost   = errors.New("gpu device lost")
	ErrNoGPU        = errors.New("gpu support not available")
	ErrSizeMismatch = errors.New("frame size mismatch")
)

// Processor applies the correction kernel to whole frames.
type Processor interface {
	// Process corrects src into dst, which must be the same size. If p is not
	// active, src is copied as-is.
	Process(dst, src *image.RGBA, p *Params) error

	// Name returns a short description of the implementation.
	Name() string

	// Close releases resources held by the processor.
	Close() error
}

// New returns a GPU processor if one is available, falling back to the CPU.
func New(logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gpu, err := NewGPU(logger)
	if err != nil {
		logger.Warn("gpu unavailable, using cpu correction", "error", err)
		return NewCPU(0)
	}
	return gpu
}

// CPU runs the scalar kernel over horizontal bands of the frame
// concurrently.
type CPU struct {
	workers int
}

var _ Processor = (*CPU)(nil)

// NewCPU creates a CPU processor. If workers is not positive, GOMAXPROCS is
// used.
func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPU{workers: workers}
}

func (c *CPU) Name() string {
	return fmt.Sprintf("cpu (%d workers)", c.workers)
}

func (c *CPU) Close() error {
	return nil
}

func (c *CPU) Process(dst, src *image.RGBA, p *Params) error {
	sz := src.Rect.Size()
	if dst.Rect.Size() != sz {
		return fmt.Errorf("%w: src %s, dst %s", ErrSizeMismatch, src.Rect, dst.Rect)
	}
	if !p.Active() {
		copyFrame(dst, src)
		return nil
	}

	var (
		g    errgroup.Group
		band = (sz.Y + c.workers - 1) / c.workers
	)
	for y0 := 0; y0 < sz.Y; y0 += band {
		y1 := min(y0+band, sz.Y)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				var (
					s = src.Pix[y*src.Stride : y*src.Stride+sz.X*4]
					d = dst.Pix[y*dst.Stride : y*dst.Stride+sz.X*4]
				)
				for x := range sz.X {
					correctPixel(d[x*4:x*4+4:x*4+4], s[x*4:x*4+4:x*4+4], p, x, y)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// correctPixel corrects a premultiplied 8-bit pixel.
func correctPixel(d, s []uint8, p *Params, x, y int) {
	a := s[3]
	if a == 0 {
		copy(d, s)
		return
	}
	var (
		fa = float64(a) / 0xFF
		px = RGBA{
			R: float64(s[0]) / 0xFF / fa,
			G: float64(s[1]) / 0xFF / fa,
			B: float64(s[2]) / 0xFF / fa,
			A: fa,
		}
	)
	px = p.Pixel(px, x, y)
	d[0] = unorm8(px.R * fa)
	d[1] = unorm8(px.G * fa)
	d[2] = unorm8(px.B * fa)
	d[3] = a
}

func unorm8(v float64) uint8 {
	return uint8(math.Round(min(max(v, 0), 1) * 0xFF))
}

func copyFrame(dst, src *image.RGBA) {
	sz := src.Rect.Size()
	if dst.Stride == src.Stride && src.Stride == sz.X*4 {
		copy(dst.Pix, src.Pix[:sz.X*sz.Y*4])
		return
	}
	for y := range sz.Y {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+sz.X*4], src.Pix[y*src.Stride:])
	}
}
