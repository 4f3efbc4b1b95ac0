package overlay

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/display"
	"github.com/pgaskin/chromabridge/state"
)

type fakeDisplay struct {
	mu          sync.Mutex
	monitors    []display.Monitor
	surfaceErr  error
	surfaceWait chan struct{} // if not nil, NewSurface blocks until closed
	surfaces    []*fakeSurface
	captures    []*fakeCapture
	captureErr  error // returned by Frame
}

func newFakeDisplay(ms ...display.Monitor) *fakeDisplay {
	if len(ms) == 0 {
		ms = []display.Monitor{{Index: 0, Name: "fake-0", Primary: true, Bounds: image.Rect(0, 0, 8, 4), RefreshHz: 200}}
	}
	return &fakeDisplay{monitors: ms}
}

func (d *fakeDisplay) Monitors() ([]display.Monitor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.monitors), nil
}

func (d *fakeDisplay) NewSurface(m display.Monitor) (display.Surface, error) {
	d.mu.Lock()
	wait, err := d.surfaceWait, d.surfaceErr
	d.mu.Unlock()

	if wait != nil {
		<-wait
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSurface{size: m.Bounds.Size()}
	d.surfaces = append(d.surfaces, s)
	return s, nil
}

func (d *fakeDisplay) NewCapture(m display.Monitor) (display.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeCapture{d: d}
	d.captures = append(d.captures, c)
	return c, nil
}

func (d *fakeDisplay) surface(i int) *fakeSurface {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.surfaces) {
		return nil
	}
	return d.surfaces[i]
}

type fakeSurface struct {
	size     image.Point
	presents atomic.Int64
	closed   atomic.Bool
	err      atomic.Pointer[error]
}

func (s *fakeSurface) Present(img *image.RGBA) error {
	if s.closed.Load() {
		panic("present after close")
	}
	if img.Rect.Size() != s.size {
		return errors.New("wrong size")
	}
	if err := s.err.Load(); err != nil {
		return *err
	}
	s.presents.Add(1)
	return nil
}

func (s *fakeSurface) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeCapture struct {
	d      *fakeDisplay
	closed atomic.Bool
}

func (c *fakeCapture) Frame(dst *image.RGBA) error {
	c.d.mu.Lock()
	err := c.d.captureErr
	c.d.mu.Unlock()
	if err != nil {
		return err
	}
	for i := range dst.Pix {
		dst.Pix[i] = 0x80
	}
	return nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeProcessor copies frames and records the last params.
type fakeProcessor struct {
	mu     sync.Mutex
	last   correction.Params
	calls  int
	err    error
	closed atomic.Bool
}

func (p *fakeProcessor) Process(dst, src *image.RGBA, params *correction.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.last = *params
	p.calls++
	copy(dst.Pix, src.Pix)
	return nil
}

func (p *fakeProcessor) params() (correction.Params, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.calls
}

func (p *fakeProcessor) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProcessor) Name() string { return "fake" }

func (p *fakeProcessor) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	msg []string
}

func (n *fakeNotifier) Notify(summary, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msg = append(n.msg, summary+": "+body)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msg)
}

type testEnv struct {
	display  *fakeDisplay
	store    *state.Store
	proc     *fakeProcessor
	notifier *fakeNotifier
	dir      string
	opt      Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		display:  newFakeDisplay(),
		store:    state.New(state.NewMemory(), nil),
		proc:     &fakeProcessor{},
		notifier: &fakeNotifier{},
		dir:      t.TempDir(),
	}
	t.Cleanup(func() { e.store.Close() })

	e.opt = Options{
		Display: e.display,
		Store:   e.store,
		Assets:  dirResolver(e.dir),
		Processor: func(*slog.Logger) correction.Processor {
			return e.proc
		},
		Notifier:     e.notifier,
		StartTimeout: time.Second,
		MaxFailures:  3,
	}
	return e
}

func (e *testEnv) write(t *testing.T, name, data string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.dir, name), []byte(data), 0644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
}

type dirResolver string

func (d dirResolver) SpectrumPath(name string) string {
	return filepath.Join(string(d), name)
}

func (d dirResolver) NoisePath(name string) string {
	return filepath.Join(string(d), name)
}

func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	s := NewSession(0, e.opt)

	if st := s.State(); st != Stopped {
		t.Fatalf("expected stopped, got %s", st)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := s.State(); st != Running {
		t.Fatalf("expected running, got %s", st)
	}
	if err := s.Start(t.Context()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for second start, got %v", err)
	}

	surface := e.display.surface(0)
	waitFor(t, "frames", func() bool { return surface.presents.Load() >= 3 })
	waitFor(t, "running status", func() bool {
		st, ok := e.store.Read().Session(0)
		return ok && st.State == "running" && st.Stats.Frames > 0
	})

	s.Stop()
	n := surface.presents.Load()

	if st := s.State(); st != Stopped {
		t.Errorf("expected stopped, got %s", st)
	}
	if !surface.closed.Load() || !e.proc.closed.Load() {
		t.Errorf("expected surface and processor to be closed")
	}
	select {
	case <-s.Done():
	default:
		t.Errorf("expected done to be closed")
	}

	time.Sleep(50 * time.Millisecond)
	if m := surface.presents.Load(); m != n {
		t.Errorf("presented %d frames after stop", m-n)
	}
	if st, _ := e.store.Read().Session(0); st.State != "stopped" {
		t.Errorf("expected stopped status, got %q", st.State)
	}
}

func TestSessionContextCancel(t *testing.T) {
	e := newTestEnv(t)
	s := NewSession(0, e.opt)

	ctx, cancel := context.WithCancel(t.Context())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	<-s.Done()

	waitFor(t, "stopped", func() bool { return s.State() == Stopped })
	if !e.display.surface(0).closed.Load() {
		t.Errorf("expected surface to be closed")
	}
}

func TestSessionSurfaceInitFailure(t *testing.T) {
	e := newTestEnv(t)
	e.display.surfaceErr = errors.New("no compositor")

	s := NewSession(0, e.opt)
	err := s.Start(t.Context())
	if !errors.Is(err, ErrSurfaceInit) {
		t.Fatalf("expected ErrSurfaceInit, got %v", err)
	}
	if st := s.State(); st != Faulted {
		t.Errorf("expected faulted, got %s", st)
	}
	if !errors.Is(s.Err(), ErrSurfaceInit) {
		t.Errorf("expected Err to be ErrSurfaceInit, got %v", s.Err())
	}
	if st, _ := e.store.Read().Session(0); st.State != "faulted" || st.Err == "" {
		t.Errorf("expected faulted status with error, got %+v", st)
	}

	// retry after the cause is fixed
	e.display.mu.Lock()
	e.display.surfaceErr = nil
	e.display.mu.Unlock()

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("expected error to be cleared, got %v", s.Err())
	}
	s.Stop()
}

func TestSessionNoMonitor(t *testing.T) {
	e := newTestEnv(t)
	s := NewSession(3, e.opt)
	if err := s.Start(t.Context()); !errors.Is(err, ErrSurfaceInit) || !errors.Is(err, display.ErrNoMonitor) {
		t.Errorf("expected ErrSurfaceInit and ErrNoMonitor, got %v", err)
	}
}

func TestSessionStartTimeout(t *testing.T) {
	e := newTestEnv(t)
	wait := make(chan struct{})
	e.display.surfaceWait = wait
	e.opt.StartTimeout = 50 * time.Millisecond

	s := NewSession(0, e.opt)
	err := s.Start(t.Context())
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if st := s.State(); st != Faulted {
		t.Errorf("expected faulted, got %s", st)
	}

	// the abandoned start releases what it opened
	close(wait)
	waitFor(t, "abandoned surface close", func() bool {
		s := e.display.surface(0)
		return s != nil && s.closed.Load()
	})
}

func TestSessionRebuild(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "a.json", `{"0": 120}`)
	e.write(t, "b.json", `{"spectra": [{"nodes": [{"position": 0, "color": "#ff0000"}]}, {"nodes": [{"position": 0, "color": "#0000ff"}]}]}`)
	e.write(t, "bad.json", `{"spectra": 5}`)
	e.store.Update(func(c *state.Config) {
		c.Spectrum = "a.json"
		c.Strength = 0.5
	})

	s := NewSession(0, e.opt)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "initial params", func() bool {
		p, n := e.proc.params()
		return n > 0 && p.Primary != nil && p.Secondary == nil && p.Strength == 0.5
	})
	p, _ := e.proc.params()
	first := p.Primary

	e.store.Update(func(c *state.Config) {
		c.Spectrum = "b.json"
	})
	waitFor(t, "dual spectrum", func() bool {
		p, _ := e.proc.params()
		return p.Secondary != nil && p.Primary != first
	})

	p, _ = e.proc.params()
	dual := p.Primary
	e.store.Update(func(c *state.Config) {
		c.Spectrum = "bad.json"
		c.Strength = 1
	})
	waitFor(t, "strength", func() bool {
		p, _ := e.proc.params()
		return p.Strength == 1
	})
	if p, _ := e.proc.params(); p.Primary != dual {
		t.Errorf("malformed spectrum should keep the previous tables")
	}
	if e.notifier.count() == 0 {
		t.Errorf("expected a notification for the malformed spectrum")
	}

	e.store.Update(func(c *state.Config) {
		c.Spectrum = ""
	})
	waitFor(t, "cleared spectrum", func() bool {
		p, _ := e.proc.params()
		return p.Primary == nil && !p.Active()
	})
}

func TestSessionConsecutiveFailures(t *testing.T) {
	e := newTestEnv(t)

	faults := make(chan error, 1)
	s := NewSession(0, e.opt)
	s.onFault = func(_ *Session, err error) { faults <- err }

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	surface := e.display.surface(0)
	waitFor(t, "frames", func() bool { return surface.presents.Load() > 0 })

	e.display.mu.Lock()
	e.display.captureErr = errors.New("capture failed")
	e.display.mu.Unlock()

	select {
	case err := <-faults:
		if err == nil {
			t.Errorf("expected error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for fault")
	}
	<-s.Done()
	if st := s.State(); st != Faulted {
		t.Errorf("expected faulted, got %s", st)
	}
	if !surface.closed.Load() {
		t.Errorf("expected surface to be released")
	}
}

func TestSessionDeviceLost(t *testing.T) {
	e := newTestEnv(t)
	e.opt.MaxFailures = 1000

	s := NewSession(0, e.opt)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.proc.setErr(correction.ErrDeviceLost)
	<-s.Done()

	if st := s.State(); st != Faulted {
		t.Errorf("expected faulted, got %s", st)
	}
	if !errors.Is(s.Err(), correction.ErrDeviceLost) {
		t.Errorf("expected ErrDeviceLost, got %v", s.Err())
	}
}

func TestManager(t *testing.T) {
	e := newTestEnv(t)
	e.display.monitors = []display.Monitor{
		{Index: 0, Name: "a", Bounds: image.Rect(0, 0, 4, 4), RefreshHz: 120},
		{Index: 1, Name: "b", Bounds: image.Rect(4, 0, 10, 4), RefreshHz: 120},
	}
	e.opt.Processor = func(*slog.Logger) correction.Processor {
		return correction.NewCPU(1)
	}

	m := NewManager(e.opt)
	if err := m.Enable(0); err != nil {
		t.Fatalf("enable 0: %v", err)
	}
	if err := m.Enable(1); err != nil {
		t.Fatalf("enable 1: %v", err)
	}
	if err := m.Enable(1); err != nil {
		t.Errorf("enable is not idempotent: %v", err)
	}
	if err := m.Enable(5); !errors.Is(err, ErrSurfaceInit) {
		t.Errorf("expected ErrSurfaceInit for missing monitor, got %v", err)
	}
	select {
	case f := <-m.Faults():
		if f.Monitor != 5 {
			t.Errorf("expected fault for monitor 5, got %d", f.Monitor)
		}
	case <-time.After(time.Second):
		t.Errorf("expected fault")
	}

	if act := m.Active(); !slices.Equal(act, []int{0, 1}) {
		t.Errorf("expected active [0 1], got %v", act)
	}
	ss := m.Sessions()
	if len(ss) != 3 || ss[2].State != Faulted || ss[2].Err == nil {
		t.Errorf("unexpected sessions %+v", ss)
	}

	m.Disable(0)
	if act := m.Active(); !slices.Equal(act, []int{1}) {
		t.Errorf("expected active [1], got %v", act)
	}
	if _, ok := e.store.Read().Session(0); ok {
		t.Errorf("expected session status to be removed")
	}

	// geometry change restarts the session
	old := e.display.surface(1)
	e.display.mu.Lock()
	e.display.monitors[1].Bounds = image.Rect(4, 0, 12, 6)
	e.display.mu.Unlock()
	m.Reconcile()
	if !old.closed.Load() {
		t.Errorf("expected old surface to be closed")
	}
	if act := m.Active(); !slices.Equal(act, []int{1}) {
		t.Errorf("expected active [1] after reconcile, got %v", act)
	}

	m.Close()
	for i := range 3 {
		if s := e.display.surface(i); s != nil && !s.closed.Load() {
			t.Errorf("surface %d not closed", i)
		}
	}
	if err := m.Enable(0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestManagerConcurrentLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.display.monitors = []display.Monitor{
		{Index: 0, Name: "a", Bounds: image.Rect(0, 0, 4, 4), RefreshHz: 200},
		{Index: 1, Name: "b", Bounds: image.Rect(4, 0, 8, 4), RefreshHz: 200},
	}
	e.opt.Processor = func(*slog.Logger) correction.Processor {
		return correction.NewCPU(1)
	}
	m := NewManager(e.opt)

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Go(func() {
			for range 50 {
				m.Enable(i)
			}
		})
		wg.Go(func() {
			for range 50 {
				m.Disable(i)
			}
		})
	}
	wg.Go(func() {
		for n := range 50 {
			e.display.mu.Lock()
			e.display.monitors[1].Bounds = image.Rect(4, 0, 8+n%2, 4)
			e.display.mu.Unlock()
			m.Reconcile()
		}
	})
	wg.Wait()

	m.Disable(0)
	m.Disable(1)

	e.display.mu.Lock()
	surfaces := slices.Clone(e.display.surfaces)
	e.display.mu.Unlock()
	for i, s := range surfaces {
		if !s.closed.Load() {
			t.Errorf("surface %d still open after disabling every monitor", i)
		}
	}
	if act := m.Active(); len(act) != 0 {
		t.Errorf("expected no active sessions, got %v", act)
	}
	m.Close()
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "s.json")
	if err := os.WriteFile(name, []byte(`{"0": 10}`), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	a, err := c.Spectrum(name)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b, _ := c.Spectrum(name); a != b {
		t.Errorf("expected cached tables")
	}

	if err := os.WriteFile(name, []byte(`{"0": 10, "180": 20}`), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(name, future, future); err != nil {
		t.Fatal(err)
	}
	if b, err := c.Spectrum(name); err != nil || a == b {
		t.Errorf("expected reloaded tables (err: %v)", err)
	}

	if _, err := c.Spectrum(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("expected error for missing asset")
	}
	if _, err := c.Noise(name); err == nil {
		t.Errorf("expected error for non-image noise")
	}
}

func TestFrameStats(t *testing.T) {
	var f frameStats
	if s := f.Stats(); s.FPS != 0 || s.Frames != 0 {
		t.Errorf("expected empty stats, got %+v", s)
	}

	t0 := time.Unix(1000, 0)
	for i := range statsWindow + 20 {
		f.add(t0.Add(time.Duration(i)*10*time.Millisecond), 2*time.Millisecond, 4*time.Millisecond)
	}
	s := f.Stats()
	if s.Frames != statsWindow+20 {
		t.Errorf("expected %d frames, got %d", statsWindow+20, s.Frames)
	}
	if s.FPS < 99.9 || s.FPS > 100.1 {
		t.Errorf("expected 100 fps, got %f", s.FPS)
	}
	if s.RenderMS != 2 || s.FrameMS != 4 {
		t.Errorf("expected 2/4 ms, got %f/%f", s.RenderMS, s.FrameMS)
	}
}

func TestFrameInterval(t *testing.T) {
	for _, tc := range []struct {
		hz     float64
		vsync  bool
		target int
		exp    time.Duration
	}{
		{60, true, 0, time.Second / 60},
		{0, true, 0, time.Second / 60},
		{144, true, 30, time.Second / 30},
		{60, true, 144, time.Second / 60},
		{60, false, 144, time.Second / 144},
		{120, false, 0, time.Second / 120},
	} {
		if act := frameInterval(tc.hz, tc.vsync, tc.target); act != tc.exp {
			t.Errorf("frameInterval(%v, %v, %d): expected %s, got %s", tc.hz, tc.vsync, tc.target, tc.exp, act)
		}
	}
}

func TestDrawStats(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 40))
	drawStats(img, state.Stats{FPS: 60, RenderMS: 1.5, FrameMS: 3}, "cpu")
	if slices.Max(img.Pix) == 0 {
		t.Errorf("expected text to be drawn")
	}
	drawStats(image.NewRGBA(image.Rect(0, 0, 2, 2)), state.Stats{}, "cpu") // clipped
}
