package overlay

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/pgaskin/chromabridge/display"
)

// Fault is reported when a session faults.
type Fault struct {
	Monitor int
	Err     error
}

// Status describes a session.
type Status struct {
	Monitor int
	State   State
	Err     error
}

// Manager runs one session per monitor. It is safe for concurrent usage.
type Manager struct {
	opt    Options
	ctx    context.Context
	cancel context.CancelFunc
	faults chan Fault

	// lmu serializes starting and stopping sessions. It is taken before mu.
	lmu sync.Mutex

	mu       sync.Mutex
	closed   bool
	sessions map[int]*Session
}

// NewManager creates a manager for sessions with the specified options.
func NewManager(opt Options) *Manager {
	opt = opt.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
		faults:   make(chan Fault, 8),
		sessions: map[int]*Session{},
	}
}

// Faults returns a channel which receives session faults. Faults are dropped
// if it is not read from.
func (m *Manager) Faults() <-chan Fault {
	return m.faults
}

// Enable starts the session for a monitor if it is not already active. It
// returns once the session is running or has faulted.
func (m *Manager) Enable(index int) error {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	s, ok := m.sessions[index]
	if !ok {
		s = NewSession(index, m.opt)
		s.onFault = m.fault
		m.sessions[index] = s
	}
	m.mu.Unlock()

	if s.State().Active() {
		return nil
	}
	if err := s.Start(m.ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			return nil
		}
		return err
	}
	return nil
}

// Disable stops the session for a monitor, waiting for it to release its
// resources.
func (m *Manager) Disable(index int) {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[index]
	delete(m.sessions, index)
	m.mu.Unlock()

	if ok {
		s.Stop()
	}
	m.opt.Store.RemoveSession(index)
}

// Sessions returns the status of all sessions ordered by monitor.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := make([]Status, 0, len(m.sessions))
	for _, i := range slices.Sorted(maps.Keys(m.sessions)) {
		s := m.sessions[i]
		ss = append(ss, Status{
			Monitor: i,
			State:   s.State(),
			Err:     s.Err(),
		})
	}
	return ss
}

// Active returns the indexes of monitors with an active session.
func (m *Manager) Active() []int {
	var idx []int
	for _, s := range m.Sessions() {
		if s.State.Active() {
			idx = append(idx, s.Monitor)
		}
	}
	return idx
}

// Refresh causes all sessions to reload their assets.
func (m *Manager) Refresh() {
	m.opt.Cache.Forget()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Reload()
	}
}

// Reconcile restarts running sessions whose monitor geometry has changed,
// and stops ones whose monitor no longer exists.
func (m *Manager) Reconcile() {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	m.mu.Lock()
	ss := slices.Collect(maps.Values(m.sessions))
	m.mu.Unlock()

	for _, s := range ss {
		if s.State() != Running {
			continue
		}
		mon, err := display.Find(m.opt.Display, s.Index())
		if err != nil {
			m.opt.Logger.Warn("monitor removed, stopping session", "monitor", s.Index(), "error", err)
			s.Stop()
			m.fault(s, err)
			continue
		}
		if old := s.Monitor(); old.Bounds != mon.Bounds || old.RefreshHz != mon.RefreshHz {
			m.opt.Logger.Info("monitor changed, restarting session", "old", old.String(), "new", mon.String())
			s.Stop()
			if err := s.Start(m.ctx); err != nil {
				m.opt.Logger.Warn("failed to restart session", "monitor", s.Index(), "error", err)
			}
		}
	}
}

// Close stops all sessions and waits for them to release their resources.
func (m *Manager) Close() {
	m.cancel() // abort a pending start

	m.lmu.Lock()
	defer m.lmu.Unlock()

	m.mu.Lock()
	m.closed = true
	ss := slices.Collect(maps.Values(m.sessions))
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range ss {
		wg.Go(s.Stop)
	}
	wg.Wait()
}

func (m *Manager) fault(s *Session, err error) {
	select {
	case m.faults <- Fault{Monitor: s.Index(), Err: err}:
	default:
		m.opt.Logger.Warn("dropped session fault", "monitor", s.Index(), "error", err)
	}
}
