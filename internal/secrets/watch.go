package secrets

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/cheerfx/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the store whenever a secret file is written or replaced.
type Watcher struct {
	store    *Store
	debounce time.Duration
	onReload func(Result, error)
}

func NewWatcher(store *Store, onReload func(Result, error)) *Watcher {
	return &Watcher{store: store, debounce: defaultDebounce, onReload: onReload}
}

func (w *Watcher) Serve(ctx context.Context) error {
	paths := w.store.Files()
	if len(paths) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	added := false
	for _, p := range paths {
		if err := fw.Add(p); err != nil {
			logging.Error().Err(err).Str("path", p).Msg("secrets: watch add failed")
			continue
		}
		added = true
	}
	if !added {
		<-ctx.Done()
		return ctx.Err()
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := fw.Add(ev.Name); err != nil {
					logging.Warn().Err(err).Str("path", ev.Name).Msg("secrets: watch re-add failed")
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
		case <-debounce.C:
			res, err := w.store.Reload()
			if err != nil {
				logging.Error().Err(err).Msg("secrets: reload failed")
			} else {
				logging.Info().Bool("twitch", res.Twitch).Bool("billing", res.Billing).Msg("secrets: reloaded")
			}
			if w.onReload != nil {
				w.onReload(res, err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("secrets: watch error")
		}
	}
}

func (w *Watcher) String() string { return "secrets-watcher" }
