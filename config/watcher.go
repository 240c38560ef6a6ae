package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"QFMBot/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the env file at path whenever it changes and passes the fresh
// Config to onChange. The directory is watched rather than the file so that
// editors which replace the file on save are still picked up.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(reloadDebounce)
				}

			case <-pending:
				pending = nil
				if err := godotenv.Overload(abs); err != nil {
					logger.Warn("failed to reload env file", logger.String("path", abs), logger.ErrorField(err))
					continue
				}
				logger.Info("config reloaded", logger.String("path", abs))
				onChange(fromEnv())

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.ErrorField(err))
			}
		}
	}()

	return nil
}
