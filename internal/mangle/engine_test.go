package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"controlbar-mcp-server/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngineLoadsBuiltinSchema(t *testing.T) {
	engine := newTestEngine(t, 100)
	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "layout_pass", Args: []interface{}{"p1", "false", 3, 2, int64(1000)}, Timestamp: time.Now()},
		{Predicate: "layout_pass", Args: []interface{}{"p2", "false", 0, 0, int64(2000)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != 2 {
		t.Errorf("Expected 2 facts in buffer, got %d", got)
	}
	if got := len(engine.FactsByPredicate("layout_pass")); got != 2 {
		t.Errorf("Expected 2 layout_pass facts, got %d", got)
	}
	if got := len(engine.FactsByPredicate("missing")); got != 0 {
		t.Errorf("Expected no facts for unknown predicate, got %d", got)
	}
}

func TestEngineEvaluateChurn(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "layout_pass", Args: []interface{}{"busy", "false", 4, 0, int64(1)}, Timestamp: time.Now()},
		{Predicate: "layout_pass", Args: []interface{}{"idle", "false", 0, 0, int64(2)}, Timestamp: time.Now()},
		{Predicate: "layout_pass", Args: []interface{}{"skipped", "true", 0, 0, int64(3)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	churn, err := engine.Evaluate(ctx, "churn")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(churn) != 1 || churn[0].Args[0] != "busy" {
		t.Errorf("Expected churn(busy), got %+v", churn)
	}

	results, err := engine.Query(ctx, "churn(P).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["P"] != "busy" {
		t.Errorf("Expected P=busy, got %+v", results)
	}
}

func TestEngineAuditRules(t *testing.T) {
	engine := newTestEngine(t, 100)
	now := time.Now()
	fact := func(pred string, args ...interface{}) Fact {
		return Fact{Predicate: pred, Args: args, Timestamp: now}
	}

	facts := []Fact{
		fact("slot_expected", "fixed_left", -9999),
		fact("slot_expected", "right_group", 9999),
		fact("slot_order", "fixed_left", -9999),
		fact("slot_order", "right_group", 12),
		fact("placed", "ok", 50),
		fact("placed", "too_far", 40),
		fact("pinned_at", "send_but", "cb--right-group", "send_form"),
		fact("pinned_at", "options_button", "cb--fixed-left", "cb--fixed-left"),
		fact("pending", "late"),
		fact("unstyled", "bare"),
	}

	issues, err := engine.Audit(context.Background(), facts)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}

	got := make(map[string]string)
	for _, f := range issues {
		got[f.Args[0].(string)+"/"+f.Args[1].(string)] = ""
	}
	want := []string{
		"ok/order_violation",
		"too_far/order_violation",
		"send_but/misplaced",
		"late/pending",
		"bare/unstyled",
		"right_group/slot_unpinned",
	}
	for _, key := range want {
		if _, ok := got[key]; !ok {
			t.Errorf("missing issue %s in %+v", key, issues)
		}
	}
	if len(issues) != len(want) {
		t.Errorf("Expected %d issues, got %d: %+v", len(want), len(issues), issues)
	}
}

func TestEngineAuditCleanLayout(t *testing.T) {
	engine := newTestEngine(t, 100)
	now := time.Now()
	facts := []Fact{
		{Predicate: "slot_expected", Args: []interface{}{"fixed_left", -9999}, Timestamp: now},
		{Predicate: "slot_order", Args: []interface{}{"fixed_left", -9999}, Timestamp: now},
		{Predicate: "slot_order", Args: []interface{}{"right_group", 9999}, Timestamp: now},
		{Predicate: "placed", Args: []interface{}{"foo", 50}, Timestamp: now},
	}
	issues, err := engine.Audit(context.Background(), facts)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("Expected no issues, got %+v", issues)
	}
	if len(engine.Facts()) != 0 {
		t.Error("Audit must not touch the fact history")
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine := newTestEngine(t, 100)
	now := time.Now()
	past := now.Add(-5 * time.Second)

	facts := []Fact{
		{Predicate: "layout_pass", Args: []interface{}{"old", "false", 0, 0, past.UnixMilli()}, Timestamp: past},
		{Predicate: "layout_pass", Args: []interface{}{"new", "false", 0, 0, now.UnixMilli()}, Timestamp: now},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if recent := engine.QueryTemporal("layout_pass", now.Add(-3*time.Second), time.Time{}); len(recent) != 1 {
		t.Errorf("Expected 1 recent pass, got %d", len(recent))
	}
	if all := engine.QueryTemporal("layout_pass", time.Time{}, time.Time{}); len(all) != 2 {
		t.Errorf("Expected 2 total passes, got %d", len(all))
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 10)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		facts := []Fact{{Predicate: "layout_pass", Args: []interface{}{"p", "false", i, 0, int64(i)}, Timestamp: time.Now()}}
		if err := engine.AddFacts(ctx, facts); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	if got := len(engine.Facts()); got != 10 {
		t.Errorf("Expected buffer size 10, got %d", got)
	}
	passes := engine.FactsByPredicate("layout_pass")
	if len(passes) != 10 || passes[0].Args[2] != 10 {
		t.Errorf("Expected the 10 newest passes after trim, got %+v", passes)
	}

	churn, err := engine.Evaluate(ctx, "churn")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(churn) != 1 {
		t.Errorf("Expected churn to derive from retained facts only, got %d", len(churn))
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !engine.Ready() {
		t.Error("disabled engine should report ready")
	}
	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "x"}}); err != nil {
		t.Errorf("AddFacts on disabled engine: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine should drop facts")
	}
	if _, err := engine.Audit(context.Background(), nil); err == nil {
		t.Error("Expected error from Audit on disabled engine")
	}
	if _, err := engine.Query(context.Background(), "churn(P)."); err == nil {
		t.Error("Expected error from Query on disabled engine")
	}
}

func TestEngineSchemaOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.mg")
	src := "Decl placed(Id, Order).\nDecl layout_issue(Id, Kind).\nlayout_issue(Id, \"high\") :- placed(Id, N), N > 100.\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	issues, err := engine.Audit(context.Background(), []Fact{
		{Predicate: "placed", Args: []interface{}{"a", 500}},
		{Predicate: "placed", Args: []interface{}{"b", 5}},
	})
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(issues) != 1 || issues[0].Args[0] != "a" {
		t.Errorf("Expected one issue for a, got %+v", issues)
	}
}

func TestEngineLoadSchemaError(t *testing.T) {
	_, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: "/nonexistent/path/schema.mg"}, nil)
	if err == nil {
		t.Error("Expected error for nonexistent schema path")
	}

	engine := newTestEngine(t, 10)
	if err := engine.LoadSchema([]byte("this is not mangle(")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestEngineQueryParseError(t *testing.T) {
	engine := newTestEngine(t, 10)
	if _, err := engine.Query(context.Background(), "bad(("); err == nil {
		t.Error("Expected parse error")
	}
	if _, err := engine.Query(context.Background(), ""); err == nil {
		t.Error("Expected error for empty query")
	}
}

func TestConstantRoundTrip(t *testing.T) {
	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"text", "text"},
		{7, int64(7)},
		{int64(9), int64(9)},
		{2.5, 2.5},
		{true, "true"},
		{false, "false"},
	}
	for _, tt := range tests {
		if got := convertConstant(toConstant(tt.in)); got != tt.want {
			t.Errorf("round trip %v: got %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}
}
