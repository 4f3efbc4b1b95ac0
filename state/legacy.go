package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ImportLegacy applies a config.json written by older versions to the store,
// then renames it with a .bak suffix. It does nothing if the file does not
// exist.
func (s *Store) ImportLegacy(name string) error {
	buf, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("import legacy config: %w", err)
	}

	var perr error
	snap := s.Update(func(c *Config) {
		perr = c.FromJSON(buf)
	})
	if perr != nil {
		return fmt.Errorf("import legacy config: %w: %w", ErrConfigLoad, perr)
	}
	s.logger.Info("imported legacy config", "path", name, "generation", snap.Generation)

	if err := os.Rename(name, name+".bak"); err != nil {
		return fmt.Errorf("import legacy config: backup: %w", err)
	}
	return nil
}
