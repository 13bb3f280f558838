package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Watcher reloads the policy file into a Store when it changes.
// An invalid file is logged and the previous policy stays active.
type Watcher struct {
	path   string
	base   Policy
	store  *Store
	logger *logger.Logger
	fsw    *fsnotify.Watcher
}

// NewWatcher watches the directory of path (editors replace files by rename)
func NewWatcher(path string, base Policy, store *Store, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch policy dir: %w", err)
	}

	return &Watcher{
		path:   filepath.Clean(path),
		base:   base,
		store:  store,
		logger: log.WithField("policy_file", path),
		fsw:    fsw,
	}, nil
}

// Run blocks until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path, w.base)
	if err != nil {
		w.logger.WithError(err).Error("Policy reload rejected, keeping previous policy")
		return
	}
	w.store.Set(p)

	hash, _ := Hash(p)
	w.logger.WithFields(map[string]interface{}{
		"hash":                  hash,
		"reconcile_max_failure": p.Reconcile.MaxFailures,
		"reconcile_max_reject":  p.Reconcile.MaxRejections,
		"payment_max_failures":  p.Payment.MaxFailures,
	}).Info("Policy reloaded")
}
