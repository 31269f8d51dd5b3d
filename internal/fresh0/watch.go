package fresh0

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig reloads the widget set of svc whenever the config file at path
// changes, until ctx is done. The parent directory is watched because editors
// and config-map mounts replace the file rather than write to it.
func WatchConfig(ctx context.Context, path string, svc *Service, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher")
		case <-pending:
			pending = nil
			cfg, err := LoadConfig(abs)
			if err != nil {
				log.Error().Err(err).Str("path", abs).Msg("config reload rejected")
				continue
			}
			if err := svc.Reload(cfg); err != nil {
				log.Error().Err(err).Msg("config reload failed")
			}
		}
	}
}
