package mcp

import (
	"context"
	"sort"

	"controlbar-mcp-server/internal/browser"
	"controlbar-mcp-server/internal/controller"
)

type ListSessionsTool struct {
	sessions *browser.SessionManager
	hub      *controller.Hub
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the chat pages this server knows about.

Each session reports whether a layout controller is running on it. Sessions
restored from a previous run are "detached" until attach-chat binds them again.

Returns: {sessions: [{id, url, title, status}], controlled: [session ids]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	controlled := t.hub.Sessions()
	sort.Strings(controlled)
	var sessions []browser.Session
	if t.sessions != nil {
		sessions = t.sessions.List()
	}
	return map[string]interface{}{
		"sessions":   sessions,
		"controlled": controlled,
	}, nil
}

// LaunchBrowserTool starts or connects to Chrome using the configured settings.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start Chrome, or connect to the configured debugger URL.

Idempotent: safe to call when already connected.

TYPICAL WORKFLOW:
1. launch-browser    -> Chrome up
2. open-chat         -> chat page opened and controlled
3. get-button-order  -> inspect ranks
4. set-button-rank   -> reorder

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops every controller and the browser.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
	hub      *controller.Hub
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop all layout controllers, close tracked pages and the browser.

Stored button ranks are kept; they live in the settings file, not the page.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	t.hub.StopAll()
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

// OpenChatTool opens the chat application and starts controlling it.
type OpenChatTool struct {
	sessions   *browser.SessionManager
	hub        *controller.Hub
	defaultURL string
}

func (t *OpenChatTool) Name() string { return "open-chat" }
func (t *OpenChatTool) Description() string {
	return `Open the chat application in a new page and start the layout controller on it.

PREREQUISITE: launch-browser.

The first reconciliation pass runs immediately; later passes follow DOM
mutations in the toolbar region.

Returns: {session: {id, url, title}, status}`
}
func (t *OpenChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Chat URL. Defaults to browser.chat_url from the config.",
			},
		},
	}
}
func (t *OpenChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = t.defaultURL
	}

	sess, err := t.sessions.OpenChat(ctx, url)
	if err != nil {
		return nil, err
	}
	return startController(ctx, t.sessions, t.hub, sess)
}

// AttachChatTool binds to an already open chat tab.
type AttachChatTool struct {
	sessions *browser.SessionManager
	hub      *controller.Hub
}

func (t *AttachChatTool) Name() string { return "attach-chat" }
func (t *AttachChatTool) Description() string {
	return `Attach to a chat tab that is already open and start the layout controller on it.

Without target_id the first page whose URL starts with browser.chat_url is used.

Returns: {session: {id, url, title}, status}`
}
func (t *AttachChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
	}
}
func (t *AttachChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sess, err := t.sessions.Attach(ctx, getStringArg(args, "target_id"))
	if err != nil {
		return nil, err
	}
	return startController(ctx, t.sessions, t.hub, sess)
}

func startController(ctx context.Context, sessions *browser.SessionManager, hub *controller.Hub, sess *browser.Session) (interface{}, error) {
	tree, err := sessions.Tree(sess.ID)
	if err != nil {
		return nil, err
	}
	ctrl, err := hub.StartTree(ctx, sess.ID, tree)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session": sess,
		"status":  ctrl.Status(),
	}, nil
}
