package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"controlbar-mcp-server/internal/mangle"
)

// QueryLayoutFactsTool runs one Datalog query atom against the pass history.
type QueryLayoutFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryLayoutFactsTool) Name() string { return "query-layout-facts" }
func (t *QueryLayoutFactsTool) Description() string {
	return `Query the reconciliation history with a Datalog atom.

Stored predicates:
- layout_pass(PassID, Skipped, Moved, Restyled, TsMs)

Example: layout_pass(P, "false", Moved, _, Ts).

Returns: {results, count}`
}
func (t *QueryLayoutFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "One query atom; the trailing period is optional",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryLayoutFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine not configured")
	}
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

// PassHistoryTool lists buffered facts of one predicate inside a time window.
type PassHistoryTool struct {
	engine *mangle.Engine
}

func (t *PassHistoryTool) Name() string { return "pass-history" }
func (t *PassHistoryTool) Description() string {
	return `List recorded facts of one predicate, newest last.

Without a window every buffered fact is returned. "since_ms" keeps the
facts observed in the last N milliseconds; "after_ms" and "before_ms"
are absolute Unix millisecond bounds. "limit" keeps the newest N.

Returns: {predicate, facts, count, buffered}`
}
func (t *PassHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name (default layout_pass)",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Relative window ending now",
			},
			"after_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts observed after this Unix time in ms",
			},
			"before_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts observed before this Unix time in ms",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Keep at most this many facts (0 keeps all)",
			},
		},
	}
}
func (t *PassHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine not configured")
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		predicate = "layout_pass"
	}

	var facts []mangle.Fact
	since := getIntArg(args, "since_ms", 0)
	after := getIntArg(args, "after_ms", 0)
	before := getIntArg(args, "before_ms", 0)
	switch {
	case since > 0:
		facts = t.engine.QueryTemporal(predicate, time.Now().Add(-time.Duration(since)*time.Millisecond), time.Time{})
	case after > 0 || before > 0:
		facts = t.engine.QueryTemporal(predicate, msTime(after), msTime(before))
	default:
		facts = t.engine.FactsByPredicate(predicate)
	}

	if limit := getIntArg(args, "limit", 0); limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{
		"predicate": predicate,
		"facts":     facts,
		"count":     len(facts),
		"buffered":  len(t.engine.Facts()),
	}, nil
}

func msTime(ms int) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
