package overlay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/display"
	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/state"
)

// Session corrects a single monitor. It is safe for concurrent usage.
type Session struct {
	opt     Options
	index   int
	logger  *slog.Logger
	onFault func(*Session, error)

	state  atomic.Int32
	reload atomic.Bool

	mu      sync.Mutex
	monitor display.Monitor
	err     error
	stats   state.Stats
	cancel  context.CancelFunc
	done    chan struct{}
}

// resources are owned by the session goroutine.
type resources struct {
	monitor display.Monitor
	surface display.Surface
	capture display.Capture
	proc    correction.Processor
	src     *image.RGBA
	dst     *image.RGBA

	gen      uint64
	cfg      state.Config
	tables   *Tables
	pattern  *noise.Pattern
	params   correction.Params
	interval time.Duration

	stats     frameStats
	failures  int
	published time.Time
}

func (r *resources) close() error {
	var errs []error
	if r.surface != nil {
		if err := r.surface.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close surface: %w", err))
		}
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
	}
	if r.proc != nil {
		if err := r.proc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close processor: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewSession creates a stopped session for the monitor with the specified
// index.
func NewSession(index int, opt Options) *Session {
	opt = opt.withDefaults()
	return &Session{
		opt:    opt,
		index:  index,
		logger: opt.Logger.With("monitor", index),
	}
}

// Index returns the monitor index.
func (s *Session) Index() int {
	return s.index
}

// Monitor returns the monitor as of the last start.
func (s *Session) Monitor() display.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error which caused the session to fault, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the last published frame statistics.
func (s *Session) Stats() state.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reload causes the session to reload its assets before the next frame.
func (s *Session) Reload() {
	s.reload.Store(true)
}

// Start starts the session, returning once it is running. The session runs
// until ctx is cancelled or Stop is called. If the session fails to start, it
// transitions to Faulted and the error is returned. A faulted or stopped
// session may be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if st := s.State(); st != Stopped && st != Faulted {
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrBusy, st)
	}
	prev := s.done
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done, s.err = cancel, done, nil
	s.stats = state.Stats{}
	s.state.Store(int32(Starting))
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}
	s.publish()
	s.logger.Info("starting overlay session")

	r, err := s.start(ctx)
	if err != nil {
		cancel()
		if ctx.Err() != nil && !errors.Is(err, ErrStartTimeout) {
			s.setState(Stopped)
		} else {
			s.fault(err)
		}
		close(done)
		return err
	}

	s.mu.Lock()
	s.monitor = r.monitor
	s.mu.Unlock()

	s.setState(Running)
	s.logger.Info("overlay session running",
		"display", r.monitor.String(),
		"processor", r.proc.Name(),
		"interval", r.interval)

	go s.run(ctx, r, done)
	return nil
}

// Stop stops the session and waits for it to release its resources. No frame
// is presented after Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done returns a channel which is closed when the session is no longer
// active.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *Session) start(ctx context.Context) (*resources, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, s.opt.StartTimeout, ErrStartTimeout)
	defer cancel()

	type result struct {
		r   *resources
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := s.open()
		ch <- result{r, err}
	}()

	select {
	case res := <-ch:
		return res.r, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.r != nil {
				if err := res.r.close(); err != nil {
					s.logger.Warn("failed to release resources of abandoned start", "error", err)
				}
			}
		}()
		return nil, context.Cause(ctx)
	}
}

func (s *Session) open() (r *resources, err error) {
	m, err := display.Find(s.opt.Display, s.index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSurfaceInit, err)
	}

	r = &resources{monitor: m}
	defer func() {
		if err != nil {
			if cerr := r.close(); cerr != nil {
				s.logger.Warn("failed to release resources", "error", cerr)
			}
		}
	}()

	if r.surface, err = s.opt.Display.NewSurface(m); err != nil {
		return nil, fmt.Errorf("%w: create surface: %w", ErrSurfaceInit, err)
	}
	if r.capture, err = s.opt.Display.NewCapture(m); err != nil {
		return nil, fmt.Errorf("%w: create capture: %w", ErrSurfaceInit, err)
	}
	r.proc = s.opt.Processor(s.logger)

	rect := image.Rectangle{Max: m.Bounds.Size()}
	r.src = image.NewRGBA(rect)
	r.dst = image.NewRGBA(rect)

	s.rebuild(r, s.opt.Store.Read(), true)
	return r, nil
}

func (s *Session) run(ctx context.Context, r *resources, done chan struct{}) {
	var ferr error
	defer func() {
		if ferr == nil {
			s.setState(Stopping)
		}
		if err := r.close(); err != nil {
			s.logger.Warn("failed to release resources", "error", err)
		}
		if ferr != nil {
			s.fault(ferr)
		} else {
			s.setState(Stopped)
			s.logger.Info("overlay session stopped", "frames", r.stats.frames)
		}
		close(done)
	}()

	interval := r.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ferr = s.frame(ctx, r); ferr != nil {
			return
		}
		if r.interval != interval {
			interval = r.interval
			ticker.Reset(interval)
		}
	}
}

// frame captures, corrects, and presents a single frame.
func (s *Session) frame(ctx context.Context, r *resources) error {
	start := time.Now()

	reload := s.reload.Swap(false)
	if snap := s.opt.Store.Read(); reload || snap.Generation != r.gen {
		s.rebuild(r, snap, reload)
	}

	if err := r.capture.Frame(r.src); err != nil {
		return s.failure(r, "capture", err)
	}

	t := time.Now()
	if err := r.proc.Process(r.dst, r.src, &r.params); err != nil {
		if errors.Is(err, correction.ErrDeviceLost) {
			return err
		}
		return s.failure(r, "process", err)
	}
	render := time.Since(t)

	if r.cfg.DebugOverlay {
		drawStats(r.dst, r.stats.Stats(), r.proc.Name())
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := r.surface.Present(r.dst); err != nil {
		return s.failure(r, "present", err)
	}
	r.failures = 0

	now := time.Now()
	r.stats.add(now, render, now.Sub(start))
	if now.Sub(r.published) >= statsInterval {
		r.published = now
		s.mu.Lock()
		s.stats = r.stats.Stats()
		s.mu.Unlock()
		s.publish()
	}
	return nil
}

// failure records a failed frame, returning an error if there have been too
// many consecutive ones.
func (s *Session) failure(r *resources, op string, err error) error {
	r.failures++
	s.logger.Warn("frame failed", "op", op, "error", err, "consecutive", r.failures)
	if r.failures >= s.opt.MaxFailures {
		return fmt.Errorf("%s: %w (%d consecutive failures)", op, err, r.failures)
	}
	return nil
}

// rebuild updates the resources which depend on the config. If force is
// true, assets are reloaded even if their names have not changed. Asset errors
// leave the previous resources in place.
func (s *Session) rebuild(r *resources, snap *state.Snapshot, force bool) {
	c := snap.Config

	if force || c.Spectrum != r.cfg.Spectrum {
		if c.Spectrum == "" {
			r.tables = nil
		} else if t, err := s.opt.Cache.Spectrum(s.spectrumPath(c.Spectrum)); err != nil {
			s.logger.Warn("failed to load spectrum, keeping previous", "name", c.Spectrum, "error", err)
			s.opt.notify("Invalid spectrum", fmt.Sprintf("%s: %v", c.Spectrum, err))
		} else {
			if t.Extra != 0 {
				s.logger.Info("ignoring extra spectra", "name", c.Spectrum, "count", t.Extra)
			}
			r.tables = t
		}
	}

	if force || c.Noise != r.cfg.Noise {
		if c.Noise == "" {
			r.pattern, r.params.Mask = nil, nil
		} else if p, err := s.opt.Cache.Noise(s.noisePath(c.Noise)); err != nil {
			s.logger.Warn("failed to load noise, keeping previous", "name", c.Noise, "error", err)
			s.opt.notify("Invalid noise pattern", fmt.Sprintf("%s: %v", c.Noise, err))
		} else if p != r.pattern {
			sz := r.dst.Rect.Size()
			r.pattern, r.params.Mask = p, p.Fit(sz.X, sz.Y)
		}
	}

	if r.tables != nil {
		r.params.Primary, r.params.Secondary = r.tables.Primary, r.tables.Secondary
	} else {
		r.params.Primary, r.params.Secondary = nil, nil
	}
	r.params.Strength = c.Strength
	r.interval = frameInterval(r.monitor.RefreshHz, c.VSync, c.TargetFPS)

	r.cfg = c
	r.gen = snap.Generation
	s.logger.Debug("rebuilt session resources",
		"generation", snap.Generation,
		"spectrum", c.Spectrum,
		"noise", c.Noise,
		"strength", c.Strength,
		"active", r.params.Active())
}

func (s *Session) spectrumPath(name string) string {
	if s.opt.Assets == nil {
		return name
	}
	return s.opt.Assets.SpectrumPath(name)
}

func (s *Session) noisePath(name string) string {
	if s.opt.Assets == nil {
		return name
	}
	return s.opt.Assets.NoisePath(name)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.publish()
}

func (s *Session) fault(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.setState(Faulted)
	s.logger.Error("overlay session faulted", "error", err)
	s.opt.notify("Overlay stopped", fmt.Sprintf("Monitor %d: %v", s.index, err))
	if s.onFault != nil {
		s.onFault(s, err)
	}
}

// publish writes the session status to the store.
func (s *Session) publish() {
	s.mu.Lock()
	st := state.Session{
		Monitor: s.index,
		State:   s.State().String(),
		Stats:   s.stats,
	}
	if s.err != nil {
		st.Err = s.err.Error()
	}
	s.mu.Unlock()

	s.opt.Store.SetSession(st)
}
