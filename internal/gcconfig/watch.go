package gcconfig

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config from disk whenever its backing file changes and
// exposes the latest value through an atomic pointer, so readers of
// Current can pick up retuned thresholds without a restart and without
// taking a lock. A Heap does not read it: heap.New copies its thresholds
// from the Config once. Structurally this mirrors internal/runtime/vfs's
// FSNotifyWatcher: a wrapped *fsnotify.Watcher plus a background loop
// translating its event channel, here collapsed down to the one thing a
// config hot-reloader needs instead of a general Events()/Errors() API.
type Watcher struct {
	w    *fsnotify.Watcher
	path string

	current atomic.Pointer[Config]
	errC     chan error
	closeC   chan struct{}
}

// WatchFile loads path once synchronously, then starts watching it for
// writes. The returned Watcher's Current method never returns nil.
func WatchFile(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	cw := &Watcher{
		w:      w,
		path:   path,
		errC:   make(chan error, 8),
		closeC: make(chan struct{}),
	}
	cw.current.Store(cfg)
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(cw.path)
			if err != nil {
				select {
				case cw.errC <- err:
				default:
				}
				continue
			}
			cw.current.Store(cfg)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			select {
			case cw.errC <- err:
			default:
			}
		case <-cw.closeC:
			return
		}
	}
}

// Current returns the most recently loaded Config. Concurrent callers each
// see either the old or new value, never a torn read.
func (cw *Watcher) Current() *Config {
	return cw.current.Load()
}

// Errors reports load failures encountered after a file-change event; the
// previously loaded Config remains current until a reload succeeds.
func (cw *Watcher) Errors() <-chan error {
	return cw.errC
}

// Close stops the watcher and releases its fsnotify handle.
func (cw *Watcher) Close() error {
	close(cw.closeC)
	return cw.w.Close()
}
