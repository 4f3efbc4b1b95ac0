// Package overlay runs correction sessions which capture a monitor, correct
// each frame, and present it on an overlay surface.
package overlay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/display"
	"github.com/pgaskin/chromabridge/state"
)

var (
	ErrSurfaceInit  = errors.New("failed to initialize overlay surface")
	ErrStartTimeout = errors.New("overlay session did not start in time")
	ErrBusy         = errors.New("overlay session is already active")
	ErrClosed       = errors.New("overlay manager closed")
)

// State is the lifecycle state of a session.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Faulted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Active returns true if the session is starting or running.
func (s State) Active() bool {
	return s == Starting || s == Running
}

const (
	DefaultStartTimeout = 5 * time.Second
	DefaultMaxFailures  = 10
	DefaultRefreshHz    = 60.0

	statsWindow   = 60
	statsInterval = 100 * time.Millisecond
)

// Resolver maps asset names to files.
type Resolver interface {
	SpectrumPath(name string) string
	NoisePath(name string) string
}

// Notifier shows user-visible messages.
type Notifier interface {
	Notify(summary, body string)
}

// Options configure sessions.
type Options struct {
	Display display.Display
	Store   *state.Store
	Assets  Resolver

	// Cache holds built resources shared between sessions. If nil, a new one
	// is created.
	Cache *Cache

	// Processor creates the frame processor for a session. If nil,
	// correction.New is used.
	Processor func(logger *slog.Logger) correction.Processor

	// Notifier is optional.
	Notifier Notifier

	// StartTimeout limits the time to go from starting to running. If zero,
	// DefaultStartTimeout is used.
	StartTimeout time.Duration

	// MaxFailures is the number of consecutive frame failures after which a
	// session faults. If zero, DefaultMaxFailures is used.
	MaxFailures int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Cache == nil {
		o.Cache = NewCache()
	}
	if o.Processor == nil {
		o.Processor = correction.New
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func (o Options) notify(summary, body string) {
	if o.Notifier != nil {
		o.Notifier.Notify(summary, body)
	}
}

// frameInterval returns the time between frames for a monitor.
func frameInterval(refreshHz float64, vsync bool, targetFPS int) time.Duration {
	if refreshHz <= 0 {
		refreshHz = DefaultRefreshHz
	}
	fps := refreshHz
	if targetFPS > 0 && (!vsync || float64(targetFPS) < refreshHz) {
		fps = float64(targetFPS)
	}
	return time.Duration(float64(time.Second) / fps)
}
