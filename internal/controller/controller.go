// Package controller runs the layout engine, panel, watcher and focus machine
// for one chat page and routes the page's events to them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"controlbar-mcp-server/internal/browser"
	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/focus"
	"controlbar-mcp-server/internal/layout"
	"controlbar-mcp-server/internal/settings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMissingAnchor is returned by Setup when the page has no chat form or no
// chat input.
var ErrMissingAnchor = errors.New("chat form anchor missing")

// Page is the live side of a session.
type Page interface {
	layout.Tree
	layout.PanelSurface
	layout.TopBar
	layout.Observer
	InstallHooks(ctx context.Context, listID, barID, topBarClass string) (bool, error)
	Stream(ctx context.Context, interval time.Duration, handle func(browser.Event)) error
}

// FocusSurface moves the chat textarea and reports focus events.
type FocusSurface interface {
	focus.Mover
	IsTouch(ctx context.Context) (bool, error)
	InstallHooks(ctx context.Context) (bool, error)
}

// Deps are shared by every controller.
type Deps struct {
	Config   config.Config
	Settings *settings.Service
	Facts    layout.FactSink
	Recorder layout.PassRecorder
	Logger   *zap.Logger
}

// Controller owns one session's reconciliation loop.
type Controller struct {
	sessionID string
	cfg       config.Config
	page      Page
	surface   FocusSurface
	log       *zap.Logger

	engine  *layout.Engine
	panel   *layout.Panel
	sched   *layout.Scheduler
	watcher *layout.Watcher

	mu        sync.Mutex
	machine   *focus.Machine
	watched   []string
	resetting bool
}

func New(sessionID string, page Page, surface FocusSurface, deps Deps) *Controller {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", sessionID))
	cfg := deps.Config

	panel := layout.NewPanel(cfg.Panel, cfg.Layout, page, page, deps.Settings, log)
	engine := layout.NewEngine(cfg.Layout, page, deps.Settings, layout.Options{
		Panel:     panel,
		TopBar:    page,
		Recorder:  deps.Recorder,
		Facts:     deps.Facts,
		SessionID: sessionID,
		Logger:    log,
	})
	sched := layout.ForEngine(engine, log)

	return &Controller{
		sessionID: sessionID,
		cfg:       cfg,
		page:      page,
		surface:   surface,
		log:       log,
		engine:    engine,
		panel:     panel,
		sched:     sched,
		watcher:   layout.NewWatcher(cfg.Layout.Watch, sched, log),
	}
}

// Setup checks the chat form anchor, installs the page hooks, the settings
// panel, the observers and the focus feature, then queues the initial pass.
// A page without the anchor is logged once and left alone.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.checkAnchor(ctx); err != nil {
		if errors.Is(err, ErrMissingAnchor) {
			c.log.Warn("chat form not found, control bar disabled", zap.Error(err))
		}
		return err
	}
	return c.install(ctx)
}

func (c *Controller) checkAnchor(ctx context.Context) error {
	snap, err := c.engine.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.FormPresent || !snap.InputPresent {
		return fmt.Errorf("%w: form %q present=%v, input %q present=%v", ErrMissingAnchor,
			c.cfg.Layout.FormID, snap.FormPresent, c.cfg.Layout.InputID, snap.InputPresent)
	}
	return nil
}

func (c *Controller) install(ctx context.Context) error {
	if _, err := c.page.InstallHooks(ctx, c.cfg.Panel.ListID, c.cfg.Layout.BarID, c.cfg.Layout.TopBarHiddenClass); err != nil {
		return err
	}

	installed, err := c.panel.Install(ctx)
	if err != nil {
		return fmt.Errorf("install panel: %w", err)
	}
	if !installed {
		c.log.Info("settings panel region missing", zap.String("region", c.cfg.Panel.Region))
	}

	watched, err := c.watcher.Attach(ctx, c.page)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watched = watched
	c.mu.Unlock()

	if err := c.setupFocus(ctx); err != nil {
		c.log.Warn("focus relocation unavailable", zap.Error(err))
	}

	c.sched.Trigger()
	return nil
}

// reset sets the page up again after its document was replaced. Until the
// new document has the anchor, the hooks stay out and the next drain retries.
func (c *Controller) reset(ctx context.Context) {
	c.mu.Lock()
	old := c.machine
	c.machine = nil
	first := !c.resetting
	c.resetting = true
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := c.checkAnchor(ctx); err != nil {
		if first {
			c.log.Info("page reloaded, waiting for the chat form", zap.Error(err))
		}
		return
	}
	if err := c.install(ctx); err != nil {
		c.log.Warn("page set up again failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.resetting = false
	c.mu.Unlock()
	c.log.Info("page reloaded, control bar restored")
}

func (c *Controller) setupFocus(ctx context.Context) error {
	if !c.cfg.Focus.Enable || c.surface == nil {
		return nil
	}
	if c.cfg.Focus.RequireTouch {
		touch, err := c.surface.IsTouch(ctx)
		if err != nil {
			return err
		}
		if !touch {
			c.log.Info("desktop device detected, focus relocation stays inactive")
			return nil
		}
	}
	ok, err := c.surface.InstallHooks(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, c.cfg.Focus.TextareaID)
	}
	machine := focus.NewMachine(c.surface, c.cfg.Focus.GetBlurDelay(), c.cfg.Focus.GetMoveGuard(), c.log)
	c.mu.Lock()
	c.machine = machine
	c.mu.Unlock()
	c.log.Info("focus relocation active")
	return nil
}

// Run drives the scheduler and the page event stream until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.sched.Run(gctx)
	})
	g.Go(func() error {
		return c.page.Stream(gctx, c.cfg.Browser.PollInterval(), func(ev browser.Event) {
			c.handle(gctx, ev)
		})
	})

	err := g.Wait()
	if m := c.Focus(); m != nil {
		m.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) handle(ctx context.Context, ev browser.Event) {
	if ev.Type == browser.EventPageReset {
		c.reset(ctx)
		return
	}
	if ev.Type == browser.EventRank {
		rank, err := c.engine.SetRank(ctx, ev.ID, ev.Value)
		if err != nil {
			c.log.Info("rank edit rejected", zap.String("id", ev.ID), zap.String("value", ev.Value), zap.Error(err))
			return
		}
		c.log.Debug("rank edited", zap.String("id", ev.ID), zap.Int("rank", rank))
		return
	}

	machine := c.Focus()
	if machine == nil {
		return
	}
	switch ev.Type {
	case browser.EventFocusInput:
		if err := machine.Input(ctx); err != nil {
			c.log.Warn("focus input failed", zap.Error(err))
		}
	case browser.EventFocusBlur:
		outcome := machine.Blur(ctx)
		c.log.Debug("textarea blur", zap.String("outcome", string(outcome)))
	case browser.EventCompanionDown:
		machine.SuppressNextBlur()
	}
}

// Trigger queues a reconciliation pass.
func (c *Controller) Trigger() {
	c.sched.Trigger()
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

func (c *Controller) Engine() *layout.Engine {
	return c.engine
}

func (c *Controller) Panel() *layout.Panel {
	return c.panel
}

// Focus returns the focus machine, nil when the feature is inactive.
func (c *Controller) Focus() *focus.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

// Status is a point-in-time summary of a controller.
type Status struct {
	SessionID string        `json:"session_id"`
	Watched   []string      `json:"watched"`
	Triggers  int64         `json:"triggers"`
	Passes    int64         `json:"passes"`
	Coalesced int64         `json:"coalesced"`
	Last      layout.Result `json:"last_pass"`
	Focus     *focus.Status `json:"focus,omitempty"`
}

func (c *Controller) Status() Status {
	triggers, passes, coalesced := c.sched.Stats()
	c.mu.Lock()
	watched, machine := c.watched, c.machine
	c.mu.Unlock()
	st := Status{
		SessionID: c.sessionID,
		Watched:   watched,
		Triggers:  triggers,
		Passes:    passes,
		Coalesced: coalesced,
		Last:      c.engine.Last(),
	}
	if machine != nil {
		fs := machine.Status()
		st.Focus = &fs
	}
	return st
}
