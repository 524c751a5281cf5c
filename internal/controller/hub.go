package controller

import (
	"context"
	"fmt"
	"sync"

	"controlbar-mcp-server/internal/browser"

	"go.uber.org/zap"
)

type running struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// Hub tracks one controller per session.
type Hub struct {
	deps Deps
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*running
}

func NewHub(deps Deps) *Hub {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{deps: deps, log: log, sessions: make(map[string]*running)}
}

// Start sets up a controller for the session and runs it in the background.
// Starting a session twice returns the running controller.
func (h *Hub) Start(ctx context.Context, sessionID string, page Page, surface FocusSurface) (*Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.sessions[sessionID]; ok {
		return r.ctrl, nil
	}

	ctrl := New(sessionID, page, surface, h.deps)
	if err := ctrl.Setup(ctx); err != nil {
		return nil, fmt.Errorf("set up session %s: %w", sessionID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	h.sessions[sessionID] = r

	go func() {
		defer close(r.done)
		if err := ctrl.Run(runCtx); err != nil {
			h.log.Warn("session controller stopped", zap.String("session", sessionID), zap.Error(err))
		}
	}()
	h.log.Info("session controller started", zap.String("session", sessionID))
	return ctrl, nil
}

// StartTree starts a controller over a live page tree.
func (h *Hub) StartTree(ctx context.Context, sessionID string, tree *browser.PageTree) (*Controller, error) {
	return h.Start(ctx, sessionID, tree, tree.Focus(h.deps.Config.Focus))
}

func (h *Hub) Get(sessionID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return r.ctrl, true
}

// Sessions lists the ids with a running controller.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels a session's controller and waits for it to exit.
func (h *Hub) Stop(sessionID string) bool {
	h.mu.Lock()
	r, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// StopAll stops every controller.
func (h *Hub) StopAll() {
	for _, id := range h.Sessions() {
		h.Stop(id)
	}
}

// ReloadSettings follows an external edit of the settings file: defaults are
// merged again, the top bar flag goes back to visible on every page and each
// session gets a pass with the new ranks.
func (h *Hub) ReloadSettings(ctx context.Context) {
	if h.deps.Settings != nil {
		h.deps.Settings.Load()
	}
	h.mu.Lock()
	ctrls := make([]*Controller, 0, len(h.sessions))
	for _, r := range h.sessions {
		ctrls = append(ctrls, r.ctrl)
	}
	h.mu.Unlock()

	for _, ctrl := range ctrls {
		if err := ctrl.Engine().SetTopBarHidden(ctx, false); err != nil {
			h.log.Warn("top bar reset failed", zap.String("session", ctrl.SessionID()), zap.Error(err))
		}
		ctrl.Trigger()
	}
}

// TriggerAll queues a pass in every session.
func (h *Hub) TriggerAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.sessions {
		r.ctrl.Trigger()
	}
}
