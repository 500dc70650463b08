package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the YAML config file at path whenever it changes on disk,
// invoking onChange with the newly resolved Config. It runs until ctx is
// cancelled. Reload errors are logged and otherwise ignored — the prior
// valid configuration stays in effect.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping prior config")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
