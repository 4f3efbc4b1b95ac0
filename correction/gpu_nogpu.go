//go:build nogpu

package correction

import (
	"image"
	"log/slog"
)

// GPU is unavailable when built with the nogpu tag.
type GPU struct{}

// NewGPU always fails with [ErrNoGPU].
func NewGPU(logger *slog.Logger) (*GPU, error) {
	return nil, ErrNoGPU
}

func (*GPU) Name() string { return "gpu (disabled)" }

func (*GPU) Process(dst, src *image.RGBA, p *Params) error { return ErrNoGPU }

func (*GPU) Close() error { return nil }
