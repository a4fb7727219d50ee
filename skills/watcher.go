package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports one skill file change.
type ChangeEvent struct {
	Path string
	Op   string // created | modified | removed
}

// Watcher watches the skills tree and emits debounced change events, so
// the gateway can surface skill edits (including textgrad patches)
// without polling.
type Watcher struct {
	watcher  *fsnotify.Watcher
	basePath string
	events   chan ChangeEvent
	debounce time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	watching bool
}

// NewWatcher creates a watcher over the store's directory tree.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		basePath: store.Dir(),
		events:   make(chan ChangeEvent, 100),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start begins watching. Subdirectories present at start time are
// included; directories created later are added as they appear.
func (w *Watcher) Start(ctx context.Context) (<-chan ChangeEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return w.events, nil
	}

	if err := os.MkdirAll(w.basePath, 0o755); err != nil {
		return nil, err
	}
	if err := w.addRecursive(w.basePath); err != nil {
		return nil, err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.watching = true
	go w.loop(ctx)

	slog.Info("skills watcher started", "path", w.basePath)
	return w.events, nil
}

// Stop shuts the watcher down and closes the event channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return nil
	}
	w.cancel()
	w.watching = false
	err := w.watcher.Close()
	close(w.events)
	return err
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	pending := make(map[string]fsnotify.Event)
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	flush := func() {
		for _, event := range pending {
			w.emit(event)
		}
		pending = make(map[string]fsnotify.Event)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			// new subdirectory: watch it too
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			pending[event.Name] = event
			timer.Reset(w.debounce)

		case <-timer.C:
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

func (w *Watcher) emit(event fsnotify.Event) {
	op := "modified"
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = "created"
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		op = "removed"
	}
	select {
	case w.events <- ChangeEvent{Path: event.Name, Op: op}:
	default:
		// drop when the consumer is behind
	}
}
