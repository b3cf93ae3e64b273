package models

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher hot-reloads the model catalog when its file changes. On every
// successful parse the registry snapshot is replaced wholesale; a broken
// edit keeps the previous catalog serving.
type Watcher struct {
	registry *Registry
	path     string
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher starts watching path and reloading registry.
func NewWatcher(registry *Registry, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		path:     path,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("model catalog watcher error")
		}
	}
}

func (w *Watcher) reload() {
	descriptors, err := LoadCatalog(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("model catalog reload failed, keeping previous")
		return
	}
	if err := w.registry.Replace(descriptors); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("model catalog rejected, keeping previous")
		return
	}
	log.Info().Str("path", w.path).Int("models", len(descriptors)).Msg("model catalog reloaded")
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
