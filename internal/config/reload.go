// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sitewarden/sitewarden/internal/log"
)

// Reloader watches a config file and republishes Settings on change.
// Consumers read the current snapshot via Current; subscribers receive
// change notifications on a channel. Invalid files are rejected and the
// previous snapshot stays active.
type Reloader struct {
	path string

	mu      sync.RWMutex
	current Settings

	subs []chan Settings
}

// NewReloader creates a Reloader seeded with the given snapshot.
func NewReloader(path string, initial Settings) *Reloader {
	return &Reloader{path: path, current: initial}
}

// Current returns the active settings snapshot.
func (r *Reloader) Current() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Subscribe returns a channel that receives each accepted reload.
func (r *Reloader) Subscribe() <-chan Settings {
	ch := make(chan Settings, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Watch blocks until ctx is cancelled, reloading on file writes.
// Editors often replace files via rename, so the parent directory is
// watched and events are debounced.
func (r *Reloader) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			next, err := Load(r.path)
			if err != nil {
				logger.Warn().Err(err).Str("path", r.path).Msg("config reload rejected")
				continue
			}
			r.mu.Lock()
			r.current = next
			subs := make([]chan Settings, len(r.subs))
			copy(subs, r.subs)
			r.mu.Unlock()
			for _, ch := range subs {
				select {
				case ch <- next:
				default:
				}
			}
			logger.Info().Str("path", r.path).Msg("config reloaded")
		}
	}
}
