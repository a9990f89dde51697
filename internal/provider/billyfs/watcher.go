package billyfs

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	watchBufferSize = 64
	debounceWindow  = 50 * time.Millisecond
)

// Watcher turns raw notifications for a directory tree into debounced change
// hints. It never reports what changed, only that something did; the provider
// rescans to find out.
type Watcher struct {
	dir      string
	onChange func()
	window   time.Duration

	raw    chan notify.EventInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWatcher(dir string, onChange func()) *Watcher {
	return &Watcher{
		dir:      filepath.Clean(dir),
		onChange: onChange,
		window:   debounceWindow,
	}
}

// Start watches the tree recursively until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.raw = make(chan notify.EventInfo, watchBufferSize)
	if err := notify.Watch(filepath.Join(w.dir, "..."), w.raw, notify.All); err != nil {
		return err
	}
	slog.Debug("watcher start", "dir", w.dir)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// loop fires onChange once per burst: the first event arms a timer and later
// events in the window fold into it.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.raw:
			if !ok {
				return
			}
			if fire == nil {
				fire = time.After(w.window)
			}
		case <-fire:
			fire = nil
			w.onChange()
		}
	}
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.raw != nil {
			notify.Stop(w.raw)
		}
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		slog.Debug("watcher stop", "dir", w.dir)
	})
}
