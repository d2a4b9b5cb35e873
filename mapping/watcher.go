package mapping

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher invalidates a Loader's cache when mapping files change on disk.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(loader *Loader, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(loader.Dir()); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		watcher:  w,
		debounce: defaultDebounce,
		onChange: onChange,
	}, nil
}

// Start processes file events until ctx ends or Close is called. Run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	logger := w.loader.logger
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isMappingFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("mapping file changed")
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("mapping watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.loader.Invalidate()
		if w.onChange != nil {
			w.onChange()
		}
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
