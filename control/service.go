// Package control implements the control service used by settings clients.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pgaskin/chromabridge/assets"
	"github.com/pgaskin/chromabridge/ctlproto"
	"github.com/pgaskin/chromabridge/display"
	"github.com/pgaskin/chromabridge/state"
)

// Overlays controls overlay sessions.
type Overlays interface {
	Enable(index int) error
	Disable(index int)
	Active() []int
	Refresh()
}

// Service applies control requests.
type Service struct {
	Store    *state.Store
	Overlays Overlays
	Assets   assets.Dir
	Display  display.Display // optional
	Logger   *slog.Logger

	// mu serializes requests which start or stop overlays.
	mu sync.Mutex
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Handle applies a request.
func (s *Service) Handle(ctx context.Context, req ctlproto.Request) ctlproto.Response {
	resp, err := s.handle(ctx, req)
	if err != nil {
		s.logger().Warn("control request failed", "op", req.Op, "error", err)
		resp.Err = err.Error()
	}
	return resp
}

func (s *Service) handle(ctx context.Context, req ctlproto.Request) (ctlproto.Response, error) {
	switch req.Op {
	case ctlproto.OpGet:
		return s.config(s.Store.Read()), nil

	case ctlproto.OpSet:
		s.mu.Lock()
		defer s.mu.Unlock()

		var (
			old  state.Config
			perr error
		)
		snap := s.Store.Update(func(c *state.Config) {
			old = *c
			perr = c.FromJSON(req.Config)
		})
		if perr != nil {
			return ctlproto.Response{}, fmt.Errorf("%w: config: %w", ctlproto.ErrInvalid, perr)
		}
		if err := s.sync(old, snap.Config); err != nil {
			return s.config(s.Store.Read()), err
		}
		return s.config(s.Store.Read()), nil

	case ctlproto.OpRefresh:
		s.Overlays.Refresh()
		resp, err := s.list()
		for _, ierr := range s.Assets.Invalid() {
			resp.Invalid = append(resp.Invalid, ierr.Error())
		}
		return resp, err

	case ctlproto.OpEnable:
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.enable(req.Monitor); err != nil {
			return ctlproto.Response{}, err
		}
		return s.status(), nil

	case ctlproto.OpDisable:
		s.mu.Lock()
		defer s.mu.Unlock()

		s.disable(req.Monitor)
		return s.status(), nil

	case ctlproto.OpList:
		return s.list()

	case ctlproto.OpStatus:
		return s.status(), nil

	case ctlproto.OpFlush:
		if err := s.Store.Flush(ctx); err != nil {
			return ctlproto.Response{}, err
		}
		return s.config(s.Store.Read()), nil

	default:
		return ctlproto.Response{}, fmt.Errorf("%w: unknown op %q", ctlproto.ErrInvalid, req.Op)
	}
}

// enable starts the overlay on a monitor and makes it the selected one.
func (s *Service) enable(index int) error {
	if err := s.Overlays.Enable(index); err != nil {
		return err
	}
	s.Store.Update(func(c *state.Config) {
		c.Monitor = index
		c.Enabled = true
		c.LastEnabled = true
	})
	return nil
}

// disable stops the overlay on a monitor, clearing the enabled flag if no
// overlays remain.
func (s *Service) disable(index int) {
	s.Overlays.Disable(index)
	if len(s.Overlays.Active()) == 0 {
		s.Store.Update(func(c *state.Config) {
			c.Enabled = false
			c.LastEnabled = false
		})
	}
}

// sync applies changes to the enabled flag or selected monitor made by a
// config update.
func (s *Service) sync(old, cur state.Config) error {
	switch {
	case cur.Enabled && (!old.Enabled || old.Monitor != cur.Monitor):
		if old.Enabled {
			s.Overlays.Disable(old.Monitor)
		}
		if err := s.enable(cur.Monitor); err != nil {
			s.Store.Update(func(c *state.Config) {
				c.Enabled = false
			})
			return err
		}
	case !cur.Enabled && old.Enabled:
		for _, i := range s.Overlays.Active() {
			s.Overlays.Disable(i)
		}
		s.Store.Update(func(c *state.Config) {
			c.LastEnabled = false
		})
	}
	return nil
}

func (s *Service) config(snap *state.Snapshot) ctlproto.Response {
	return ctlproto.Response{
		Config:     &snap.Config,
		Generation: snap.Generation,
		Saved:      s.Store.Saved(),
	}
}

func (s *Service) status() ctlproto.Response {
	snap := s.Store.Read()
	resp := s.config(snap)
	resp.Sessions = snap.Sessions
	if resp.Sessions == nil {
		resp.Sessions = []state.Session{}
	}
	return resp
}

func (s *Service) list() (ctlproto.Response, error) {
	var (
		resp ctlproto.Response
		err  error
	)
	if resp.Spectra, err = s.Assets.ListSpectra(); err != nil {
		return resp, fmt.Errorf("list spectra: %w", err)
	}
	if resp.Noise, err = s.Assets.ListNoise(); err != nil {
		return resp, fmt.Errorf("list noise: %w", err)
	}
	resp.Spectra = nonNil(resp.Spectra)
	resp.Noise = nonNil(resp.Noise)

	resp.Monitors = []ctlproto.Monitor{}
	if s.Display != nil {
		ms, err := s.Display.Monitors()
		if err != nil {
			return resp, fmt.Errorf("list monitors: %w", err)
		}
		for _, m := range ms {
			resp.Monitors = append(resp.Monitors, ctlproto.Monitor{
				Index:     m.Index,
				Name:      m.Name,
				Primary:   m.Primary,
				X:         m.Bounds.Min.X,
				Y:         m.Bounds.Min.Y,
				Width:     m.Bounds.Dx(),
				Height:    m.Bounds.Dy(),
				RefreshHz: m.RefreshHz,
			})
		}
	}
	return resp, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
