package watch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"tgwatch/internal/rules"
	logx "tgwatch/pkg/logx"
)

type ReloadConfig struct {
	// Interval is the fingerprint polling period. Polling is the correctness
	// mechanism; filesystem notifications only make reloads feel instant.
	Interval time.Duration
	// Settle is how long to wait after a filesystem event before refreshing,
	// so an editor's write burst is seen as one change.
	Settle time.Duration
}

// ReloadLoop keeps the rule store fresh and triggers subscription rebuilds.
// It polls the rule files every Interval and additionally wakes up early when
// fsnotify reports a write in the rules directory.
type ReloadLoop struct {
	cfg   ReloadConfig
	store *rules.Store
	mgr   *Manager
	log   logx.Logger
}

func NewReloadLoop(cfg ReloadConfig, store *rules.Store, mgr *Manager, log logx.Logger) *ReloadLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReloadLoop{cfg: cfg, store: store, mgr: mgr, log: log}
}

// Run performs the initial load and rebuild, then loops until ctx is done.
func (l *ReloadLoop) Run(ctx context.Context) error {
	l.store.Refresh()
	if err := l.mgr.Rebuild(l.store.Current()); err != nil {
		l.log.Error("initial subscription install failed", logx.Err(err))
	}

	wake := make(chan struct{}, 1)
	if w, err := fsnotify.NewWatcher(); err != nil {
		l.log.Warn("fsnotify unavailable, polling only", logx.Err(err))
	} else {
		defer w.Close()
		if err := w.Add(l.store.Dir()); err != nil {
			l.log.Warn("watch rules dir", logx.String("dir", l.store.Dir()), logx.Err(err))
		}
		go l.forwardEvents(w, wake)
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.check()
		case <-wake:
			select {
			case <-time.After(l.cfg.Settle):
			case <-ctx.Done():
				return ctx.Err()
			}
			// Collapse any events that arrived during the settle window.
			select {
			case <-wake:
			default:
			}
			l.check()
		}
	}
}

func (l *ReloadLoop) check() {
	if !l.store.Refresh() {
		return
	}
	l.log.Info("rule change detected", logx.Any("files", l.store.ChangedFiles()))
	if err := l.mgr.Rebuild(l.store.Current()); err != nil {
		l.log.Error("subscription rebuild failed", logx.Err(err))
	}
}

// forwardEvents turns watcher events into wakeups. The channel is buffered
// with capacity one; a pending wakeup absorbs further events.
func (l *ReloadLoop) forwardEvents(w *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Warn("rules watcher error", logx.Err(err))
		}
	}
}
