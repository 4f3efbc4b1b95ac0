package overlay

import (
	"time"

	"github.com/pgaskin/chromabridge/state"
)

type frameSample struct {
	at     time.Time
	render time.Duration
	total  time.Duration
}

// frameStats is a rolling window of frame timings.
type frameStats struct {
	ring   [statsWindow]frameSample
	n      int // valid samples
	next   int
	frames uint64
}

func (f *frameStats) add(at time.Time, render, total time.Duration) {
	f.ring[f.next] = frameSample{at, render, total}
	f.next = (f.next + 1) % len(f.ring)
	f.n = min(f.n+1, len(f.ring))
	f.frames++
}

func (f *frameStats) Stats() state.Stats {
	s := state.Stats{Frames: f.frames}
	if f.n == 0 {
		return s
	}
	var (
		render, total time.Duration
		first, last   time.Time
	)
	for i := range f.n {
		x := f.ring[(f.next-f.n+i+len(f.ring))%len(f.ring)]
		if i == 0 {
			first = x.at
		}
		last = x.at
		render += x.render
		total += x.total
	}
	s.RenderMS = float64(render) / float64(f.n) / float64(time.Millisecond)
	s.FrameMS = float64(total) / float64(f.n) / float64(time.Millisecond)
	if d := last.Sub(first); f.n > 1 && d > 0 {
		s.FPS = float64(f.n-1) / d.Seconds()
	}
	return s
}
