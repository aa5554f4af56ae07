package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/relay-core/logger"
)

// Watcher reloads the config file when it changes on disk and hands the
// freshly parsed Config to a callback. Editors typically replace the file
// (write to temp, rename), so the watch is on the parent directory.
type Watcher struct {
	path     string
	onChange func(*Config)

	fw     *fsnotify.Watcher
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Watch starts watching the config file at path. onChange is invoked from
// the watcher goroutine with each successfully reloaded Config; parse
// failures are logged and skipped so a half-written file never clobbers the
// running configuration.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	log := logger.WithComponent("config-watcher")

	// Coalesce event bursts: editors fire several writes per save.
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := LoadFrom(w.path)
			if err != nil {
				log.Warn("config reload failed, keeping previous", "error", err)
				continue
			}
			log.Info("config reloaded", "path", w.path)
			w.onChange(cfg)
		}
	}
}

// Close stops the watcher and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fw.Close()
	<-w.done
	return err
}
