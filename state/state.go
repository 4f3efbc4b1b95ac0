// Package state implements the shared configuration store.
//
// The in-memory snapshot is authoritative. Any goroutine may read it without
// blocking, writers are serialized, and every configuration change is
// persisted asynchronously by a single worker which only ever writes the
// newest value.
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrPersistenceWrite = errors.New("failed to persist state")
	ErrConfigLoad       = errors.New("failed to load state")
	ErrClosed           = errors.New("state store closed")
)

// Config is the durable correction configuration and preferences. It is a
// value type and is comparable.
type Config struct {
	Monitor  int     // monitor index
	Spectrum string  // spectrum asset name, empty for none
	Noise    string  // noise asset name, empty for none
	Strength float64 // [0, 1]
	Enabled  bool    // overlay enabled

	LastEnabled   bool // overlay state before the last exit
	StartOnLaunch bool // enable the overlay on startup
	VSync         bool // pace frames to the monitor refresh rate
	TargetFPS     int  // frame rate cap, 0 for none
	DebugOverlay  bool // log frame statistics
	LogLevel      string
}

// DefaultConfig returns the configuration used when nothing has been
// persisted.
func DefaultConfig() Config {
	return Config{
		Strength: 1,
		VSync:    true,
		LogLevel: "info",
	}
}

// Normalize clamps out-of-range fields.
func (c *Config) Normalize() {
	switch {
	case math.IsNaN(c.Strength):
		c.Strength = 1
	case c.Strength < 0:
		c.Strength = 0
	case c.Strength > 1:
		c.Strength = 1
	}
	c.Monitor = max(c.Monitor, 0)
	c.TargetFPS = max(c.TargetFPS, 0)
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		c.LogLevel = "info"
	} else {
		c.LogLevel = strings.ToLower(l.String())
	}
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Stats are rolling frame timing statistics.
type Stats struct {
	FPS      float64
	RenderMS float64 // correction time per frame
	FrameMS  float64 // total time per frame
	Frames   uint64
}

// Session is the transient status of an overlay session.
type Session struct {
	Monitor int
	State   string
	Stats   Stats
	Err     string
}

// Snapshot is an immutable view of the shared state.
type Snapshot struct {
	Config

	// Generation is incremented on every configuration change. It is not
	// changed by transient updates.
	Generation uint64

	// Sessions is sorted by monitor. It is never persisted.
	Sessions []Session
}

// Running returns true if any session is running.
func (s *Snapshot) Running() bool {
	return slices.ContainsFunc(s.Sessions, func(x Session) bool {
		return x.State == "running"
	})
}

// Session returns the status of the session for a monitor.
func (s *Snapshot) Session(monitor int) (Session, bool) {
	i, ok := slices.BinarySearchFunc(s.Sessions, monitor, func(x Session, m int) int {
		return x.Monitor - m
	})
	if !ok {
		return Session{}, false
	}
	return s.Sessions[i], true
}

// Backend stores a single serialized config record.
type Backend interface {
	// Load returns nil if no record exists.
	Load() ([]byte, error)
	Save(b []byte) error
	Close() error
}

// Store is the shared state engine. It is safe for concurrent usage.
type Store struct {
	logger  *slog.Logger
	backend Backend

	cur atomic.Pointer[Snapshot]

	wmu  sync.Mutex
	subs map[chan struct{}]struct{}

	persist chan record
	flush   chan chan error
	stop    chan struct{}
	done    chan struct{}
	saved   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

type record struct {
	gen uint64
	buf []byte
}

// New loads the state from backend and starts the persistence worker. If the
// record cannot be loaded, the defaults are used.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		logger:  logger,
		backend: backend,
		subs:    map[chan struct{}]struct{}{},
		persist: make(chan record, 1),
		flush:   make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	cfg := DefaultConfig()
	if buf, err := backend.Load(); err != nil {
		logger.Warn("using default config", "error", fmt.Errorf("%w: %w", ErrConfigLoad, err))
	} else if buf != nil {
		if err := cfg.FromJSON(buf); err != nil {
			cfg = DefaultConfig()
			logger.Warn("using default config", "error", fmt.Errorf("%w: %w", ErrConfigLoad, err))
		}
	}
	cfg.Normalize()
	s.cur.Store(&Snapshot{Config: cfg})

	go s.worker()
	return s
}

// Open opens a sqlite-backed store at path. If the database cannot be used,
// it is moved aside with a .corrupt suffix and recreated, and if that fails
// too, the store is kept in memory only.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := OpenSQLite(path)
	if err != nil {
		logger.Warn("recreating state database", "path", path, "error", fmt.Errorf("%w: %w", ErrConfigLoad, err))
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Rename(path+suffix, path+".corrupt"+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("failed to move state database aside", "path", path+suffix, "error", err)
			}
		}
		if db, err = OpenSQLite(path); err != nil {
			logger.Error("config will not be saved", "path", path, "error", fmt.Errorf("%w: %w", ErrPersistenceWrite, err))
			return New(NewMemory(), logger)
		}
	}
	return New(db, logger)
}

// Read returns the current snapshot without blocking. The snapshot must not
// be modified.
func (s *Store) Read() *Snapshot {
	return s.cur.Load()
}

// Update applies fn to a copy of the current config and publishes the result
// as a new snapshot, which is queued for persistence and returned. If fn does
// not change anything, the current snapshot is returned as-is.
//
// The write is visible to every Read which starts after Update returns. fn
// must not call methods on s.
func (s *Store) Update(fn func(c *Config)) *Snapshot {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	old := s.cur.Load()
	cfg := old.Config
	fn(&cfg)
	cfg.Normalize()
	if cfg == old.Config {
		return old
	}

	snap := &Snapshot{
		Config:     cfg,
		Generation: old.Generation + 1,
		Sessions:   old.Sessions,
	}
	s.cur.Store(snap)
	s.enqueue(record{snap.Generation, cfg.AppendJSON(nil)})

	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return snap
}

// SetSession updates or adds the transient status of a session.
func (s *Store) SetSession(st Session) {
	s.updateSessions(func(ss []Session) []Session {
		i, ok := slices.BinarySearchFunc(ss, st.Monitor, func(x Session, m int) int {
			return x.Monitor - m
		})
		if ok {
			ss[i] = st
			return ss
		}
		return slices.Insert(ss, i, st)
	})
}

// RemoveSession removes the transient status of a session.
func (s *Store) RemoveSession(monitor int) {
	s.updateSessions(func(ss []Session) []Session {
		return slices.DeleteFunc(ss, func(x Session) bool {
			return x.Monitor == monitor
		})
	})
}

func (s *Store) updateSessions(fn func([]Session) []Session) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	old := s.cur.Load()
	s.cur.Store(&Snapshot{
		Config:     old.Config,
		Generation: old.Generation,
		Sessions:   slices.Clip(fn(slices.Clone(old.Sessions))),
	})
}

// Subscribe returns a channel which receives a value (coalesced) whenever the
// config changes. The returned function unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.wmu.Lock()
	s.subs[ch] = struct{}{}
	s.wmu.Unlock()

	return ch, sync.OnceFunc(func() {
		s.wmu.Lock()
		delete(s.subs, ch)
		s.wmu.Unlock()
	})
}

// Saved returns the generation of the last successfully persisted config.
func (s *Store) Saved() uint64 {
	return s.saved.Load()
}

// enqueue queues r for persistence, replacing any queued record which the
// worker hasn't picked up yet. It must be called with wmu held.
func (s *Store) enqueue(r record) {
	select {
	case s.persist <- r:
	default:
		select {
		case <-s.persist:
		default:
		}
		s.persist <- r
	}
}

// Flush waits until the current config has been persisted, retrying a
// previously failed write if necessary.
func (s *Store) Flush(ctx context.Context) error {
	res := make(chan error, 1)
	select {
	case s.flush <- res:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes, stops the worker, and closes the backend. The
// in-memory state remains readable.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

func (s *Store) worker() {
	defer close(s.done)

	var failed *record
	drain := func() error {
		select {
		case r := <-s.persist:
			failed = s.write(r)
		default:
			if failed != nil {
				failed = s.write(*failed)
			}
		}
		if failed != nil {
			return fmt.Errorf("%w (generation %d)", ErrPersistenceWrite, failed.gen)
		}
		return nil
	}
	for {
		select {
		case r := <-s.persist:
			failed = s.write(r)
		case res := <-s.flush:
			res <- drain()
		case <-s.stop:
			if err := drain(); err != nil {
				s.logger.Error("state not persisted on close", "error", err)
			}
			return
		}
	}
}

// write saves r, returning it if it needs to be retried.
func (s *Store) write(r record) *record {
	if err := s.backend.Save(r.buf); err != nil {
		s.logger.Error("failed to persist state", "generation", r.gen, "error", fmt.Errorf("%w: %w", ErrPersistenceWrite, err))
		return &r
	}
	s.saved.Store(r.gen)
	s.logger.Debug("persisted state", "generation", r.gen)
	return nil
}
