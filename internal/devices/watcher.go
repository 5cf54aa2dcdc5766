package devices

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports tape device hotplug: node create/remove under /dev for
// nst*/sg* names triggers a debounced notification so the UI can refresh
// its device list without polling.
type Watcher struct {
	Events chan struct{}

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// debounce interval: udev creates several nodes per drive in a burst.
const watchDebounce = 500 * time.Millisecond

// NewWatcher starts watching /dev. Returns an error when inotify is
// unavailable; callers treat that as "no hotplug refresh", not fatal.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add("/dev"); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		Events: make(chan struct{}, 1),
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	fire := func() {
		select {
		case w.Events <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isTapeNode(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, fire)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func isTapeNode(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "nst") || strings.HasPrefix(name, "sg") ||
		strings.HasPrefix(name, "st")
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.fsw.Close()
}
