package matcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the persons folder must stay quiet before
// a change triggers a reload.
const DefaultWatchDebounce = 2 * time.Second

var errEmptyReload = errors.New("reload found no usable faces")

// Watcher reloads the persons index when the persons folder changes.
type Watcher struct {
	m        *Matcher
	dir      string
	debounce time.Duration
	fs       *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// Watch starts watching dir and every sub-folder. Created or written files
// schedule a reload once no further change arrived for debounce. A reload
// that fails, or finds no usable face, keeps the current index.
// The watch ends when ctx is cancelled or Close is called.
func (m *Matcher) Watch(ctx context.Context, dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("persons watcher: %w", err)
	}
	if err := addTree(fsw, dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("persons watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		m:        m,
		dir:      dir,
		debounce: debounce,
		fs:       fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	m.logger.Printf("watching %s for changes", dir)
	return w, nil
}

// Close stops the watch and waits for a running reload to finish.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return w.fs.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w.fs, ev.Name); err != nil {
						w.m.logger.Printf("persons watcher: %v", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.m.logger.Printf("persons watcher: %v", err)

		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.m.logger.Printf("persons folder changed, reloading %s", w.dir)

	idx, _, err := w.m.buildIndex(ctx, w.dir)
	if err == nil && idx.Len() == 0 {
		err = errEmptyReload
	}

	faces := 0
	if err != nil {
		w.m.logger.Printf("reload failed, keeping current index: %v", err)
	} else {
		w.m.setIndex(idx)
		faces = idx.Len()
		w.m.logger.Printf("persons database reloaded: %d faces of %d persons", faces, idx.People())
	}
	if w.m.OnReload != nil {
		w.m.OnReload(faces, err)
	}
}

// addTree watches root and every directory below it.
func addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}
