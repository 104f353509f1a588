package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/realty/internal/observability"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a rules file into a Source whenever the file changes.
// A reload that fails validation keeps the previous classifier.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	source   *Source
	debounce time.Duration
	validate func(*Classifier) error
	onReload func(*Classifier, error)

	done     chan struct{}
	timerMu  sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path     string
	Source   *Source
	Debounce time.Duration

	// Validate runs on every reloaded classifier before it is swapped in.
	// An error keeps the previous rules.
	Validate func(*Classifier) error

	// OnReload is called after every reload attempt, mostly for tests.
	OnReload func(*Classifier, error)
}

// NewWatcher creates a rules file watcher. Call Start to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rules file path is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("classifier source is required")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     filepath.Clean(cfg.Path),
		source:   cfg.Source,
		debounce: cfg.Debounce,
		validate: cfg.Validate,
		onReload: cfg.OnReload,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the rules file, so that editors
// which replace the file by rename are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Classifier rules watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Rules watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.Reload()
		}
	})
}

// Reload reads the rules file and swaps it in when valid.
func (w *Watcher) Reload() {
	ctx := context.Background()

	c, err := LoadRulesFile(w.path)
	if err == nil && w.validate != nil {
		if verr := w.validate(c); verr != nil {
			err = fmt.Errorf("rules file %s: %w", w.path, verr)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Classifier rules reload rejected, keeping previous rules")
		observability.RecordRulesReload(false)
		observability.RecordConfigAudit(ctx, "rules_reloaded", "failure", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
	} else {
		w.source.Swap(c)
		log.Info().Str("path", w.path).Int("rules", len(c.rules)).Msg("Classifier rules reloaded")
		observability.RecordRulesReload(true)
		observability.RecordConfigAudit(ctx, "rules_reloaded", "success", map[string]interface{}{
			"path":  w.path,
			"rules": len(c.rules),
		})
	}

	if w.onReload != nil {
		w.onReload(c, err)
	}
}
