package catalogue

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Load builds a catalogue from the YAML files in dirs.
func Load(dirs ...string) (*Catalogue, error) {
	agents, err := LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	return New(agents...)
}

// Reload re-reads dirs and swaps the agent set. On error the current set is
// kept.
func (c *Catalogue) Reload(dirs ...string) error {
	agents, err := LoadAll(dirs)
	if err != nil {
		return err
	}
	return c.replace(agents)
}

// Watch reloads the catalogue whenever a YAML file in dirs changes, until
// ctx is done. Bursts of events are coalesced.
func (c *Catalogue) Watch(ctx context.Context, logger *zap.Logger, dirs ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("not watching agent directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	const settle = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := c.Reload(dirs...); err != nil {
				logger.Warn("agent catalogue reload failed", zap.Error(err))
				continue
			}
			logger.Info("agent catalogue reloaded", zap.Int("agents", c.Len()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("agent catalogue watcher error", zap.Error(err))
		}
	}
}
