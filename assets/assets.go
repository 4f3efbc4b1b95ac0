// Package assets manages the directory of spectrum and noise assets.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/spectrum"
)

const SpectrumExt = ".json"

// NoiseExts are the extensions of noise patterns in order of precedence when
// more than one file has the same name.
var NoiseExts = []string{".png", ".bmp", ".gif", ".jpg", ".jpeg", ".tif", ".tiff", ".webp"}

// Dir is the root of an asset directory. Spectra are stored at
// assets/spectrums/NAME.json, and noise patterns at assets/noise/NAME.png (or
// any other of NoiseExts).
type Dir string

func (d Dir) SpectrumDir() string {
	return filepath.Join(string(d), "assets", "spectrums")
}

func (d Dir) NoiseDir() string {
	return filepath.Join(string(d), "assets", "noise")
}

func (d Dir) SpectrumPath(name string) string {
	return filepath.Join(d.SpectrumDir(), name+SpectrumExt)
}

// NoisePath returns the path of the noise pattern with the highest precedence
// extension, or the png one if none exist.
func (d Dir) NoisePath(name string) string {
	for _, ext := range NoiseExts {
		p := filepath.Join(d.NoiseDir(), name+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(d.NoiseDir(), name+NoiseExts[0])
}

// Init creates the asset directories if they do not exist.
func (d Dir) Init() error {
	for _, p := range []string{d.SpectrumDir(), d.NoiseDir()} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("create asset directory: %w", err)
		}
	}
	return nil
}

// ListSpectra returns the sorted names of valid spectra.
func (d Dir) ListSpectra() ([]string, error) {
	return list(d.SpectrumDir(), []string{SpectrumExt}, func(name string) error {
		_, err := spectrum.Load(name)
		return err
	})
}

// ListNoise returns the sorted names of valid noise patterns.
func (d Dir) ListNoise() ([]string, error) {
	return list(d.NoiseDir(), NoiseExts, func(name string) error {
		_, err := noise.Load(name)
		return err
	})
}

// Invalid returns the errors for invalid assets.
func (d Dir) Invalid() []error {
	var errs []error
	for _, x := range []struct {
		dir  string
		exts []string
		load func(string) error
	}{
		{d.SpectrumDir(), []string{SpectrumExt}, func(name string) error { _, err := spectrum.Load(name); return err }},
		{d.NoiseDir(), NoiseExts, func(name string) error { _, err := noise.Load(name); return err }},
	} {
		_, _ = list(x.dir, x.exts, func(name string) error {
			err := x.load(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(name), err))
			}
			return err
		})
	}
	return errs
}

// list returns the names of the valid files in dir with one of exts. If more
// than one file has the same name, only the one with the earliest extension
// in exts is used.
func list(dir string, exts []string, valid func(name string) error) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type file struct {
		name string
		prec int
	}
	files := map[string]file{}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		prec := slices.IndexFunc(exts, func(x string) bool {
			return strings.EqualFold(x, ext)
		})
		if prec == -1 {
			continue
		}
		stem := strings.TrimSuffix(ent.Name(), ext)
		if f, ok := files[stem]; !ok || prec < f.prec {
			files[stem] = file{ent.Name(), prec}
		}
	}
	var names []string
	for stem, f := range files {
		if valid(filepath.Join(dir, f.name)) != nil {
			continue
		}
		names = append(names, stem)
	}
	slices.Sort(names)
	return names, nil
}

// Watch calls fn after asset files change, waiting for changes to settle for
// the specified delay. It returns when ctx is cancelled or the watcher fails.
func (d Dir) Watch(ctx context.Context, delay time.Duration, logger *slog.Logger, fn func()) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range []string{d.SpectrumDir(), d.NoiseDir()} {
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("update watcher: %w", err)
		}
	}

	delayer := time.NewTimer(delay)
	delayer.Stop()
	defer delayer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			logger.Debug("asset changed", "name", event.Name, "op", event.Op.String())
			delayer.Reset(delay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			logger.Warn("asset watcher error", "error", err)
		case <-delayer.C:
			fn()
		}
	}
}
