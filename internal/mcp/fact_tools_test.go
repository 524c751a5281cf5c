package mcp

import (
	"testing"
	"time"

	"controlbar-mcp-server/internal/mangle"
)

func TestQueryLayoutFactsTool(t *testing.T) {
	env := newTestEnv(t)

	t.Run("requires a query", func(t *testing.T) {
		if _, err := env.server.ExecuteTool("query-layout-facts", map[string]interface{}{}); err == nil {
			t.Error("expected error without query")
		}
	})

	t.Run("binds recorded passes", func(t *testing.T) {
		if _, err := env.server.ExecuteTool("reconcile-layout", map[string]interface{}{}); err != nil {
			t.Fatalf("reconcile-layout failed: %v", err)
		}
		result, err := env.server.ExecuteTool("query-layout-facts", map[string]interface{}{"query": "layout_pass(P, Skipped, Moved, Restyled, Ts)"})
		if err != nil {
			t.Fatalf("query-layout-facts failed: %v", err)
		}
		out := result.(map[string]interface{})
		if out["count"].(int) < 2 {
			t.Fatalf("expected the initial and the explicit pass, got %v", out["count"])
		}
		rows := out["results"].([]mangle.QueryResult)
		if rows[0]["P"] == nil || rows[0]["Skipped"] != "false" {
			t.Errorf("unexpected bindings %v", rows[0])
		}
	})

	t.Run("rejects malformed queries", func(t *testing.T) {
		if _, err := env.server.ExecuteTool("query-layout-facts", map[string]interface{}{"query": "layout_pass(("}); err == nil {
			t.Error("expected a parse error")
		}
	})
}

func TestPassHistoryTool(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.server.ExecuteTool("reconcile-layout", map[string]interface{}{}); err != nil {
			t.Fatalf("reconcile-layout failed: %v", err)
		}
	}

	result, err := env.server.ExecuteTool("pass-history", map[string]interface{}{})
	if err != nil {
		t.Fatalf("pass-history failed: %v", err)
	}
	out := result.(map[string]interface{})
	total := out["count"].(int)
	if out["predicate"] != "layout_pass" || total < 4 {
		t.Fatalf("expected at least four passes, got %v", out)
	}
	if out["buffered"].(int) < total {
		t.Errorf("buffer smaller than one of its predicates: %v", out)
	}

	result, _ = env.server.ExecuteTool("pass-history", map[string]interface{}{"limit": float64(2)})
	facts := result.(map[string]interface{})["facts"].([]mangle.Fact)
	if len(facts) != 2 {
		t.Fatalf("expected two facts, got %d", len(facts))
	}
	if facts[0].Timestamp.After(facts[1].Timestamp) {
		t.Error("facts must be oldest first")
	}

	future := float64(time.Now().Add(time.Hour).UnixMilli())
	result, _ = env.server.ExecuteTool("pass-history", map[string]interface{}{"after_ms": future})
	if n := result.(map[string]interface{})["count"].(int); n != 0 {
		t.Errorf("no pass happened in the future, got %d", n)
	}

	result, _ = env.server.ExecuteTool("pass-history", map[string]interface{}{"since_ms": float64(60000)})
	if n := result.(map[string]interface{})["count"].(int); n < total {
		t.Errorf("every pass happened in the last minute: want %d, got %d", total, n)
	}

	result, _ = env.server.ExecuteTool("pass-history", map[string]interface{}{"predicate": "nope"})
	if n := result.(map[string]interface{})["count"].(int); n != 0 {
		t.Errorf("unknown predicate should be empty, got %d", n)
	}
}
