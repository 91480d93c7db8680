package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ddosify/netobserver/log"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies when the configuration file is written. The parent
// directory is watched so editors that replace the file are seen too.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	C        chan struct{}
}

func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if debounce == 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  w,
		C:        make(chan struct{}, 1),
	}, nil
}

func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Logger.Info().Msg("context done, stopping config watcher")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Logger.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			fire = nil
			select {
			case w.C <- struct{}{}:
			default:
			}
		}
	}
}
