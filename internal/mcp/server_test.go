package mcp

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"controlbar-mcp-server/internal/browser"
	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/controller"
	"controlbar-mcp-server/internal/dom"
	"controlbar-mcp-server/internal/mangle"
	"controlbar-mcp-server/internal/recorder"
	"controlbar-mcp-server/internal/settings"

	"github.com/mark3labs/mcp-go/mcp"
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
      <div id="bar" class="interactable"></div>
    </div>
    <textarea id="send_textarea"></textarea>
    <div id="rightSendForm">
      <div id="send_but" class="interactable"></div>
    </div>
  </div>
</form>
</body></html>`

// docPage drives a controller from an in-memory document.
type docPage struct {
	*dom.Document
	// hold keeps recorded mutations queued instead of delivering them.
	hold atomic.Bool
}

func (p *docPage) InstallHooks(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (p *docPage) Stream(ctx context.Context, interval time.Duration, _ func(browser.Event)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !p.hold.Load() {
				p.Flush()
			}
		}
	}
}

type testEnv struct {
	cfg    config.Config
	doc    *dom.Document
	page   *docPage
	hub    *controller.Hub
	server *Server
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Browser.EventPollInterval = "5ms"
	cfg.Mangle.FactBufferLimit = 1000
	return cfg
}

// newTestEnv starts one controlled session "s1" over chatPage and waits for
// its first pass.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := setupTestServerConfig()

	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	rec, err := recorder.NewRecorder(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}

	svc := settings.NewService(settings.NewStore("", 0, nil), cfg.Layout.ExtensionKey, cfg.Layout.DefaultRank)
	svc.Load()
	hub := controller.NewHub(controller.Deps{Config: cfg, Settings: svc, Facts: engine, Recorder: rec})
	t.Cleanup(hub.StopAll)

	doc, err := dom.ParseString(chatPage)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	page := &docPage{Document: doc}
	if _, err := hub.Start(context.Background(), "s1", page, nil); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for doc.Parent("foo") != cfg.Layout.BarID {
		if time.Now().After(deadline) {
			t.Fatal("initial pass did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sessions := browser.NewSessionManager(cfg.Browser, nil)
	server, err := NewServer(cfg, sessions, hub, Options{Engine: engine, Recorder: rec})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testEnv{cfg: cfg, doc: doc, page: page, hub: hub, server: server}
}

func TestNewServerRequiresHub(t *testing.T) {
	cfg := setupTestServerConfig()
	if _, err := NewServer(cfg, browser.NewSessionManager(cfg.Browser, nil), nil, Options{}); err == nil {
		t.Error("expected error without a controller hub")
	}
}

func TestToolCount(t *testing.T) {
	env := newTestEnv(t)

	want := []string{
		"attach-chat", "audit-layout", "focus-state", "get-button-order", "get-layout",
		"launch-browser", "list-sessions", "open-chat", "pass-history", "query-layout-facts",
		"reconcile-layout", "set-button-rank", "shutdown-browser", "toggle-top-bar",
	}
	got := make([]string, 0, len(env.server.tools))
	for name := range env.server.tools {
		got = append(got, name)
	}
	sort.Strings(got)

	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("registered tools mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestToolInterface(t *testing.T) {
	env := newTestEnv(t)

	t.Run("all tools have valid names", func(t *testing.T) {
		for name, tool := range env.server.tools {
			if tool.Name() != name {
				t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
			}
		}
	})

	t.Run("all tools have descriptions", func(t *testing.T) {
		for name, tool := range env.server.tools {
			if tool.Description() == "" {
				t.Errorf("tool %q has empty description", name)
			}
		}
	})

	t.Run("all tools have valid schemas", func(t *testing.T) {
		for name, tool := range env.server.tools {
			schema := tool.InputSchema()
			if schema == nil {
				t.Errorf("tool %q has nil schema", name)
				continue
			}
			if schema["type"] != "object" {
				t.Errorf("tool %q schema type is not 'object': %v", name, schema["type"])
			}
			if _, err := json.Marshal(schema); err != nil {
				t.Errorf("tool %q schema does not marshal: %v", name, err)
			}
		}
	})
}

func TestExecuteToolUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.server.ExecuteTool("non-existent-tool", map[string]interface{}{}); err == nil {
		t.Error("expected error for non-existent tool")
	}
}

func TestWrapToolReportsErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.wrapTool(env.server.tools["set-button-rank"])

	var req mcp.CallToolRequest
	req.Params.Name = "set-button-rank"
	req.Params.Arguments = map[string]interface{}{"id": "foo", "rank": "abc"}

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for an invalid rank")
	}
	text := result.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, "invalid rank") {
		t.Errorf("expected invalid rank message, got %q", text)
	}

	req.Params.Arguments = map[string]interface{}{"id": "foo", "rank": float64(4)}
	result, err = handler(context.Background(), req)
	if err != nil || result.IsError {
		t.Fatalf("expected success, got err=%v result=%+v", err, result)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("broken", map[string]interface{}{"value": math.Inf(1)})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("expected success=false, got %v", decoded["success"])
	}
}

func TestAboutResource(t *testing.T) {
	env := newTestEnv(t)

	var req mcp.ReadResourceRequest
	req.Params.URI = "controlbar://about"
	contents, err := env.server.handleAboutResource(context.Background(), req)
	if err != nil {
		t.Fatalf("about resource failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decode about: %v", err)
	}
	if payload["name"] != "test-server" {
		t.Errorf("unexpected name %v", payload["name"])
	}
	if sessions, _ := payload["controlled_sessions"].([]interface{}); len(sessions) != 1 {
		t.Errorf("expected one controlled session, got %v", payload["controlled_sessions"])
	}
	facts, _ := payload["facts"].(map[string]interface{})
	if facts["ready"] != true {
		t.Errorf("expected a ready fact engine, got %v", payload["facts"])
	}
	if n, _ := facts["buffered"].(float64); n < 1 {
		t.Errorf("the initial pass should be buffered, got %v", facts["buffered"])
	}
}

func TestSessionOrderResource(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.server.ExecuteTool("set-button-rank", map[string]interface{}{"id": "bar", "rank": "12"}); err != nil {
		t.Fatalf("set-button-rank failed: %v", err)
	}

	var req mcp.ReadResourceRequest
	req.Params.URI = "controlbar://session/s1/order"
	req.Params.Arguments = map[string]any{"sessionId": "s1"}
	contents, err := env.server.handleSessionOrderResource(context.Background(), req)
	if err != nil {
		t.Fatalf("order resource failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text

	var payload struct {
		ButtonOrder map[string]int `json:"button_order"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if payload.ButtonOrder["bar"] != 12 || payload.ButtonOrder["foo"] != 50 {
		t.Errorf("unexpected button order %v", payload.ButtonOrder)
	}

	req.Params.Arguments = map[string]any{"sessionId": "nope"}
	if _, err := env.server.handleSessionOrderResource(context.Background(), req); err == nil {
		t.Error("expected error for unknown session")
	}
}
