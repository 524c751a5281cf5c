package controller

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"controlbar-mcp-server/internal/browser"
	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/dom"
	"controlbar-mcp-server/internal/focus"
	"controlbar-mcp-server/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const chatPage = `<html><head></head><body>
<div id="top-bar"></div>
<div id="extensions_settings"></div>
<form id="send_form">
  <div id="qr--bar"></div>
  <div id="nonQRFormItems">
    <div id="leftSendForm">
      <div id="options_button" class="interactable"></div>
      <div id="foo" class="interactable" title="Foo"></div>
    </div>
    <textarea id="send_textarea"></textarea>
    <div id="rightSendForm">
      <div id="send_but" class="interactable"></div>
    </div>
  </div>
</form>
</body></html>`

// fakePage streams queued events and flushes the document's mutation
// batches on every tick, the way the live page's buffer is drained.
type fakePage struct {
	*dom.Document
	events chan browser.Event
}

func (p *fakePage) InstallHooks(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (p *fakePage) Stream(ctx context.Context, interval time.Duration, handle func(browser.Event)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Flush()
			for {
				select {
				case ev := <-p.events:
					handle(ev)
					continue
				default:
				}
				break
			}
		}
	}
}

type fakeSurface struct {
	*dom.FocusTarget
	touch bool
}

func (s *fakeSurface) IsTouch(context.Context) (bool, error)      { return s.touch, nil }
func (s *fakeSurface) InstallHooks(context.Context) (bool, error) { return true, nil }

type harness struct {
	cfg  config.Config
	doc  *dom.Document
	page *fakePage
	svc  *settings.Service
	hub  *Hub
	ctrl *Controller
}

func newHarness(t *testing.T, touch bool) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Browser.EventPollInterval = "5ms"
	cfg.Focus.BlurDelay = "20ms"
	cfg.Focus.MoveGuard = "1ms"

	doc, err := dom.ParseString(chatPage)
	require.NoError(t, err)
	svc := settings.NewService(settings.NewStore("", 0, nil), cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()

	page := &fakePage{Document: doc, events: make(chan browser.Event, 16)}
	hub := NewHub(Deps{Config: cfg, Settings: svc})
	ctrl, err := hub.Start(context.Background(), "s1", page, &fakeSurface{FocusTarget: doc.FocusTarget(cfg.Focus), touch: touch})
	require.NoError(t, err)
	t.Cleanup(hub.StopAll)

	return &harness{cfg: cfg, doc: doc, page: page, svc: svc, hub: hub, ctrl: ctrl}
}

func (h *harness) inBar(id string) func() bool {
	return func() bool { return h.doc.Parent(id) == h.cfg.Layout.BarID }
}

func TestControllerRunsInitialPass(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)

	require.Eventually(t, h.inBar("foo"), time.Second, 5*time.Millisecond)
	assert.Equal(t, h.cfg.Layout.FixedLeftSlotID, h.doc.Parent("options_button"))
	assert.Equal(t, h.cfg.Layout.RightGroupSlotID, h.doc.Parent("send_but"))

	rank, ok := h.svc.Rank("foo")
	assert.True(t, ok)
	assert.Equal(t, 50, rank)

	h.hub.StopAll()
}

func TestControllerPlacesLateProducerElements(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	require.Eventually(t, h.inBar("foo"), time.Second, 5*time.Millisecond)

	require.NoError(t, h.doc.Append("leftSendForm", `<div id="late" class="interactable"></div>`))
	require.Eventually(t, h.inBar("late"), time.Second, 5*time.Millisecond)

	// A producer pulling its control back out is corrected by the next pass.
	require.NoError(t, h.doc.MoveTo("foo", "leftSendForm"))
	require.Eventually(t, h.inBar("foo"), time.Second, 5*time.Millisecond)

	st := h.ctrl.Status()
	assert.GreaterOrEqual(t, st.Passes, int64(3))
	assert.Contains(t, st.Watched, "#nonQRFormItems")

	h.hub.StopAll()
}

func TestControllerAppliesRankEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	require.Eventually(t, h.inBar("foo"), time.Second, 5*time.Millisecond)

	h.page.events <- browser.Event{Type: browser.EventRank, ID: "foo", Value: "3"}
	require.Eventually(t, func() bool { return h.doc.Order("foo") == "3" }, time.Second, 5*time.Millisecond)

	h.page.events <- browser.Event{Type: browser.EventRank, ID: "foo", Value: "abc"}
	h.page.events <- browser.Event{Type: browser.EventRank, ID: "foo", Value: "10000"}
	time.Sleep(30 * time.Millisecond)

	rank, _ := h.svc.Rank("foo")
	assert.Equal(t, 3, rank, "rejected edits keep the stored rank")
	assert.Equal(t, "3", h.doc.Order("foo"))

	h.hub.StopAll()
}

func TestControllerDrivesFocusMachine(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, true)
	m := h.ctrl.Focus()
	require.NotNil(t, m)

	h.page.events <- browser.Event{Type: browser.EventFocusInput}
	require.Eventually(t, func() bool { return m.State() == focus.Relocated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "send_form", h.doc.Parent("send_textarea"))

	// A companion press suppresses the blur it causes.
	h.page.events <- browser.Event{Type: browser.EventCompanionDown}
	h.page.events <- browser.Event{Type: browser.EventFocusBlur}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, focus.Relocated, m.State())

	h.page.events <- browser.Event{Type: browser.EventFocusBlur}
	require.Eventually(t, func() bool { return m.State() == focus.Docked }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "nonQRFormItems", h.doc.Parent("send_textarea"))

	h.hub.StopAll()
}

func TestControllerDesktopKeepsFocusInactive(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)
	assert.Nil(t, h.ctrl.Focus())
	assert.Nil(t, h.ctrl.Status().Focus)

	h.page.events <- browser.Event{Type: browser.EventFocusInput}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "nonQRFormItems", h.doc.Parent("send_textarea"))

	h.hub.StopAll()
}

func TestHubStartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, false)

	again, err := h.hub.Start(context.Background(), "s1", h.page, nil)
	require.NoError(t, err)
	assert.Same(t, h.ctrl, again)
	assert.Equal(t, []string{"s1"}, h.hub.Sessions())

	h.hub.TriggerAll()
	assert.True(t, h.hub.Stop("s1"))
	assert.False(t, h.hub.Stop("s1"))
	_, ok := h.hub.Get("s1")
	assert.False(t, ok)
}

func TestRenderReconcilesSavedPage(t *testing.T) {
	cfg := config.DefaultConfig()
	svc := settings.NewService(settings.NewStore("", 0, nil), cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()
	svc.SetRank("foo", 7)

	var out bytes.Buffer
	res, err := Render(context.Background(), cfg, svc, strings.NewReader(chatPage), &out, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, res.Members, 1)
	assert.Equal(t, "foo", res.Members[0].ID)
	assert.Equal(t, 7, res.Members[0].Rank)

	rendered := out.String()
	assert.Contains(t, rendered, `id="`+cfg.Layout.BarID+`"`)
	assert.Contains(t, rendered, `order: 7;`)
	assert.Contains(t, rendered, `Foo (foo)`)
}

func TestRenderSkipsPageWithoutForm(t *testing.T) {
	cfg := config.DefaultConfig()
	svc := settings.NewService(settings.NewStore("", 0, nil), cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()

	var out bytes.Buffer
	res, err := Render(context.Background(), cfg, svc, strings.NewReader(`<html><body><p>loading</p></body></html>`), &out, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotContains(t, out.String(), cfg.Layout.BarID)
}

func TestHubReloadSettingsAfterForeignEdit(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := config.DefaultConfig()
	cfg.Browser.EventPollInterval = "5ms"
	path := filepath.Join(t.TempDir(), "settings.json")
	store := settings.NewStore(path, 0, nil)
	require.NoError(t, store.Load())
	svc := settings.NewService(store, cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()

	doc, err := dom.ParseString(chatPage)
	require.NoError(t, err)
	hub := NewHub(Deps{Config: cfg, Settings: svc})
	defer hub.StopAll()
	ctrl, err := hub.Start(context.Background(), "s1", &fakePage{Document: doc, events: make(chan browser.Event, 1)}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return doc.Parent("foo") == cfg.Layout.BarID }, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Engine().SetTopBarHidden(context.Background(), true))
	require.True(t, doc.HasClass("top-bar", cfg.Layout.TopBarHiddenClass))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx, func() { hub.ReloadSettings(ctx) })
	}()
	time.Sleep(50 * time.Millisecond)

	// Someone else saved a hidden top bar and a new rank for foo.
	edited := `{"controlBar":{"buttonOrder":{"foo":7},"topBarHidden":true}}`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	require.Eventually(t, func() bool { return doc.Order("foo") == "7" }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, svc.TopBarHidden(), "the top bar flag never survives a reload")
	assert.False(t, doc.HasClass("top-bar", cfg.Layout.TopBarHiddenClass))

	cancel()
	<-done
	hub.StopAll()
}
