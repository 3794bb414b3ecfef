// Package watch nudges a worker to poll immediately when its queue
// directory changes, instead of waiting out the full poll interval. The
// nudge is purely a latency optimization: the poll loop remains the
// correctness backstop, so a lost or spurious event is harmless.
package watch

import (
	"github.com/fsnotify/fsnotify"
)

// Nudger collapses filesystem events on a directory into a single-slot
// signal channel.
type Nudger struct {
	watcher *fsnotify.Watcher

	// C receives one token per burst of directory changes.
	C chan struct{}
}

// New starts watching dir.
func New(dir string) (*Nudger, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	n := &Nudger{
		watcher: w,
		C:       make(chan struct{}, 1),
	}
	go n.loop()
	return n, nil
}

func (n *Nudger) loop() {
	for {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				select {
				case n.C <- struct{}{}:
				default:
				}
			}
		case _, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to plain polling.
		}
	}
}

// Close stops the watcher.
func (n *Nudger) Close() error {
	return n.watcher.Close()
}
