package layout

import (
	"context"
	"fmt"

	"controlbar-mcp-server/internal/config"

	"go.uber.org/zap"
)

// Watcher connects host mutation notifications to a scheduler.
type Watcher struct {
	scopes []config.WatchScope
	sched  *Scheduler
	log    *zap.Logger
}

func NewWatcher(scopes []config.WatchScope, sched *Scheduler, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{scopes: scopes, sched: sched, log: log}
}

// Attach installs one observer per scope. Scopes missing from the host are
// skipped. It returns the selectors that were attached.
func (w *Watcher) Attach(ctx context.Context, obs Observer) ([]string, error) {
	var attached []string
	for _, scope := range w.scopes {
		ok, err := obs.Observe(ctx, scope.Selector, scope.Subtree, w.onBatch)
		if err != nil {
			return attached, fmt.Errorf("observe %s: %w", scope.Selector, err)
		}
		if !ok {
			w.log.Debug("watch scope absent", zap.String("selector", scope.Selector))
			continue
		}
		attached = append(attached, scope.Selector)
	}
	return attached, nil
}

func (w *Watcher) onBatch(added int) {
	if added > 0 {
		w.sched.Trigger()
	}
}
