// Command chromabridge runs colour correction overlays.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pgaskin/chromabridge/assets"
	"github.com/pgaskin/chromabridge/control"
	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/ctlproto"
	"github.com/pgaskin/chromabridge/display"
	"github.com/pgaskin/chromabridge/notify"
	"github.com/pgaskin/chromabridge/overlay"
	"github.com/pgaskin/chromabridge/state"
)

var (
	Display   = pflag.String("display", "", "X11 display (default $DISPLAY)")
	Dir       = pflag.String("dir", "", "Data directory (default $XDG_CONFIG_HOME/chromabridge)")
	Socket    = pflag.String("socket", control.SocketPath(), "Control socket path")
	LogLevel  = pflag.String("log-level", "", "Log level (default from the saved preferences)")
	Ephemeral = pflag.Bool("ephemeral", false, "Do not load or save the config")
	CPU       = pflag.Bool("cpu", false, "Always correct on the CPU")
	NoNotify  = pflag.Bool("no-notify", false, "Do not show desktop notifications")
)

func main() {
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir := *Dir
	if dir == "" {
		cfg, err := os.UserConfigDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(cfg, "chromabridge")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     &level,
		AddSource: true,
	}))

	unlock, err := lock(filepath.Join(dir, "chromabridge.lock"))
	if err != nil {
		return err
	}
	defer unlock()

	var store *state.Store
	if *Ephemeral {
		store = state.New(state.NewMemory(), logger.With("component", "state"))
	} else {
		store = state.Open(filepath.Join(dir, "state.db"), logger.With("component", "state"))
		if err := store.ImportLegacy(filepath.Join(dir, "config.json")); err != nil {
			logger.Warn("failed to import legacy config", "error", err)
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Flush(ctx); err != nil {
			logger.Error("failed to save config", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("failed to close state", "error", err)
		}
	}()

	setLevel := func() {
		if *LogLevel != "" {
			if err := level.UnmarshalText([]byte(*LogLevel)); err != nil {
				logger.Warn("invalid log level", "level", *LogLevel)
			}
			return
		}
		level.Set(store.Read().Level())
	}
	setLevel()

	ad := assets.Dir(dir)
	if err := ad.Init(); err != nil {
		return err
	}

	x, fatal, err := display.NewX11(*Display, logger.With("component", "display"))
	if err != nil {
		return fmt.Errorf("connect to display: %w", err)
	}
	defer x.Close()

	var notifier *notify.Notifier
	if !*NoNotify {
		notifier = notify.New(logger.With("component", "notify"))
	}

	opt := overlay.Options{
		Display:  x,
		Store:    store,
		Assets:   ad,
		Notifier: notifier,
		Logger:   logger.With("component", "overlay"),
	}
	if *CPU {
		opt.Processor = func(*slog.Logger) correction.Processor {
			return correction.NewCPU(0)
		}
	}
	manager := overlay.NewManager(opt)
	defer manager.Close()

	svc := &control.Service{
		Store:    store,
		Overlays: manager,
		Assets:   ad,
		Display:  x,
		Logger:   logger.With("component", "control"),
	}

	l, err := control.Listen(*Socket)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(*Socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return svc.Serve(ctx, l)
	})

	eg.Go(func() error {
		err := ad.Watch(ctx, 250*time.Millisecond, logger.With("component", "assets"), func() {
			logger.Info("assets changed, reloading")
			manager.Refresh()
			for _, err := range ad.Invalid() {
				notifier.Notify("Invalid asset", err.Error())
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		// not fatal, assets can still be refreshed manually
		logger.Warn("asset watcher stopped", "error", err)
		return nil
	})

	eg.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		changes, unsubscribe := store.Subscribe()
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-fatal:
				return fmt.Errorf("display: %w", err)
			case <-x.Changed():
				logger.Info("monitors changed")
				manager.Reconcile()
			case <-hup:
				logger.Info("reloading assets")
				manager.Refresh()
			case f := <-manager.Faults():
				logger.Error("overlay faulted", "monitor", f.Monitor, "error", f.Err)
				if len(manager.Active()) == 0 {
					// keep LastEnabled so it is retried on the next launch
					store.Update(func(c *state.Config) {
						c.Enabled = false
					})
				}
			case <-changes:
				setLevel()
			}
		}
	})

	// overlays are never running when the process starts
	snap := store.Update(func(c *state.Config) {
		c.Enabled = false
	})
	if snap.StartOnLaunch && snap.LastEnabled {
		logger.Info("restoring overlay", "monitor", snap.Monitor)
		if resp := svc.Handle(ctx, ctlproto.Request{Op: ctlproto.OpEnable, Monitor: snap.Monitor}); resp.Err != "" {
			notifier.Notify("Failed to start overlay", resp.Err)
		}
	}

	logger.Info("ready", "dir", dir, "socket", *Socket, "spectra", count(ad.ListSpectra()), "noise", count(ad.ListNoise()))

	err = eg.Wait()
	logger.Info("shutting down")
	return err
}

// lock takes an exclusive lock on a file, failing if another instance holds
// it.
func lock(name string) (func(), error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("another instance is already running")
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func count(names []string, err error) string {
	if err != nil {
		return "error"
	}
	return fmt.Sprint(len(names)) + " (" + strings.Join(names, ", ") + ")"
}
