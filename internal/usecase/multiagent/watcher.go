package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"sensei/internal/infra/logger"
)

// SpecLoader reads the desired extension set from disk.
type SpecLoader func() ([]ExtensionSpec, error)

// WatcherConfig controls how settings changes are detected.
type WatcherConfig struct {
	// PollInterval drives the mtime check. Zero disables polling.
	PollInterval time.Duration
	// Debounce coalesces bursts of filesystem events.
	Debounce time.Duration
	// DisableNotify turns off fsnotify and relies on polling alone.
	DisableNotify bool
}

// Watcher re-runs reconciliation when the settings file changes. Changes
// are detected through fsnotify on the file's directory and a periodic
// mtime poll; both feed one goroutine, so passes never overlap.
type Watcher struct {
	path   string
	load   SpecLoader
	rec    *Reconciler
	config WatcherConfig
	logger *slog.Logger

	trigger chan struct{}

	mu       sync.Mutex
	lastMod  time.Time
	lastSize int64
	fsw      *fsnotify.Watcher
	cron     *cron.Cron
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a Watcher for the settings file at path.
func NewWatcher(path string, load SpecLoader, rec *Reconciler, cfg WatcherConfig, log *slog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:    path,
		load:    load,
		rec:     rec,
		config:  cfg,
		logger:  logger.OrDiscard(log),
		trigger: make(chan struct{}, 1),
	}
}

// Sync loads the settings and reconciles once. A load failure leaves the
// running set untouched.
func (w *Watcher) Sync(ctx context.Context) (ReconcileResult, error) {
	w.recordStat()
	specs, err := w.load()
	if err != nil {
		w.logger.Warn("extension settings reload failed", "path", w.path, "error", err)
		return ReconcileResult{}, err
	}
	return w.rec.Reconcile(ctx, specs), nil
}

// Start runs an initial Sync and then watches for changes until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	if _, err := os.Stat(w.path); err != nil {
		w.logger.Info("no extension settings yet", "path", w.path)
	} else {
		_, _ = w.Sync(ctx)
	}

	var events <-chan fsnotify.Event
	var fsErrs <-chan error
	if !w.config.DisableNotify {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		} else if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn("cannot watch settings directory, polling only", "dir", filepath.Dir(w.path), "error", err)
			fsw.Close()
		} else {
			w.fsw = fsw
			events, fsErrs = fsw.Events, fsw.Errors
		}
	}

	if w.config.PollInterval > 0 {
		c := cron.New()
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.config.PollInterval), w.poll); err != nil {
			cancel()
			if w.fsw != nil {
				w.fsw.Close()
			}
			return fmt.Errorf("schedule settings poll: %w", err)
		}
		c.Start()
		w.cron = c
	}

	go w.run(ctx, events, fsErrs)
	w.logger.Info("watching extension settings", "path", w.path,
		"notify", w.fsw != nil, "poll_interval", w.config.PollInterval)
	return nil
}

// Stop halts watching and waits for an in-flight pass to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	done, cancel := w.done, w.cancel
	w.mu.Unlock()
	if done == nil {
		return
	}
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	cancel()
	<-done
	if w.fsw != nil {
		w.fsw.Close()
	}
}

// Trigger requests a reconciliation pass. Requests made while one is
// pending are coalesced.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	defer close(w.done)

	debounce := time.NewTimer(w.config.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("settings event", "op", ev.Op.String())
			debounce.Reset(w.config.Debounce)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("settings watcher error", "error", err)

		case <-debounce.C:
			w.Trigger()

		case <-w.trigger:
			if _, err := os.Stat(w.path); err != nil {
				w.logger.Debug("settings file unavailable, keeping current extensions", "error", err)
				continue
			}
			w.logger.Info("extension settings changed, reconciling", "path", w.path)
			_, _ = w.Sync(ctx)
		}
	}
}

// poll triggers a pass when the file's mtime or size moved since the last
// load.
func (w *Watcher) poll() {
	fi, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := !fi.ModTime().Equal(w.lastMod) || fi.Size() != w.lastSize
	w.mu.Unlock()
	if changed {
		w.Trigger()
	}
}

func (w *Watcher) recordStat() {
	fi, err := os.Stat(w.path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastMod, w.lastSize = time.Time{}, 0
		return
	}
	w.lastMod, w.lastSize = fi.ModTime(), fi.Size()
}
