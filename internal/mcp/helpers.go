package mcp

import (
	"fmt"
	"sort"

	"controlbar-mcp-server/internal/controller"
)

// resolveController picks the session named by session_id. Without one, the
// only running session is used.
func resolveController(hub *controller.Hub, args map[string]interface{}) (*controller.Controller, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID != "" {
		ctrl, ok := hub.Get(sessionID)
		if !ok {
			return nil, fmt.Errorf("no layout controller for session %s (open-chat or attach-chat first)", sessionID)
		}
		return ctrl, nil
	}

	ids := hub.Sessions()
	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("no controlled sessions (open-chat or attach-chat first)")
	case 1:
		ctrl, _ := hub.Get(ids[0])
		return ctrl, nil
	default:
		sort.Strings(ids)
		return nil, fmt.Errorf("session_id is required when %d sessions are controlled: %v", len(ids), ids)
	}
}

func sessionIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Session to act on. Optional when exactly one session is controlled.",
	}
}

func getStringArg(args map[string]interface{}, key string) string {
	return argString(args[key])
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
