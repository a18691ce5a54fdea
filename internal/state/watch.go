package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the freshly loaded File whenever the state file
// is written or replaced, until ctx is done. The parent directory is watched
// so atomic replacements are seen.
func (s *Store) Watch(ctx context.Context, onChange func(File)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("state: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("state: watch %s: %w", dir, err)
	}
	slog.Debug("state watch started", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != s.path {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			f, err := s.Load()
			if err != nil {
				slog.Warn("state reload failed", "path", s.path, "error", err)
				continue
			}
			onChange(f)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("state watch error", "error", err)
		}
	}
}
