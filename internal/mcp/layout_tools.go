package mcp

import (
	"context"
	"fmt"

	"controlbar-mcp-server/internal/controller"
	"controlbar-mcp-server/internal/layout"
	"controlbar-mcp-server/internal/mangle"
	"controlbar-mcp-server/internal/recorder"
)

// ReconcileLayoutTool runs one pass synchronously.
type ReconcileLayoutTool struct {
	hub *controller.Hub
}

func (t *ReconcileLayoutTool) Name() string { return "reconcile-layout" }
func (t *ReconcileLayoutTool) Description() string {
	return `Run a reconciliation pass now and report what it changed.

A pass over a settled toolbar writes nothing. A page without the host form is
reported as skipped.

Returns: {pass_id, skipped, created, moved, restyled, discovered, failed, members}`
}
func (t *ReconcileLayoutTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
		},
	}
}
func (t *ReconcileLayoutTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	return ctrl.Engine().Reconcile(ctx)
}

// GetLayoutTool reports the toolbar as the engine sees it.
type GetLayoutTool struct {
	hub *controller.Hub
}

type classifiedCandidate struct {
	layout.Candidate
	Category string `json:"category"`
	Reason   string `json:"reason,omitempty"`
}

func (t *GetLayoutTool) Name() string { return "get-layout" }
func (t *GetLayoutTool) Description() string {
	return `Read the toolbar region without changing it.

Returns the container state, every candidate with its category
(fixed-left, right-group, dynamic, ignored) and the controller's pass counters.`
}
func (t *GetLayoutTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
		},
	}
}
func (t *GetLayoutTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	engine := ctrl.Engine()
	snap, err := engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	classified := make([]classifiedCandidate, 0, len(snap.Candidates)+len(snap.Pinned))
	for _, group := range [][]layout.Candidate{snap.Pinned, snap.Candidates} {
		for _, c := range group {
			cls := engine.Classify(c)
			classified = append(classified, classifiedCandidate{Candidate: c, Category: cls.Category.String(), Reason: string(cls.Reason)})
		}
	}

	return map[string]interface{}{
		"form_present":     snap.FormPresent,
		"bar":              snap.Bar,
		"fixed_left_slot":  snap.FixedLeftSlot,
		"right_group_slot": snap.RightGroupSlot,
		"members":          snap.Members,
		"candidates":       classified,
		"status":           ctrl.Status(),
	}, nil
}

// GetButtonOrderTool returns stored ranks and the panel rows.
type GetButtonOrderTool struct {
	hub *controller.Hub
}

func (t *GetButtonOrderTool) Name() string { return "get-button-order" }
func (t *GetButtonOrderTool) Description() string {
	return `Read the stored button ranks and the settings panel rows.

button_order holds every identifier ever seen, including ones whose element is
gone. panel lists the current bar members with their effective rank.`
}
func (t *GetButtonOrderTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
		},
	}
}
func (t *GetButtonOrderTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	svc := ctrl.Engine().Settings()
	return map[string]interface{}{
		"button_order": svc.ButtonOrder(),
		"sorted_ids":   svc.SortedIDs(),
		"panel":        ctrl.Panel().View(),
	}, nil
}

// SetButtonRankTool edits a rank the way the settings panel does.
type SetButtonRankTool struct {
	hub *controller.Hub
}

func (t *SetButtonRankTool) Name() string { return "set-button-rank" }
func (t *SetButtonRankTool) Description() string {
	return `Set the rank of one button, exactly like editing it in the settings panel.

The rank must be an integer strictly between the pinned sentinels. Invalid
input is rejected and the stored rank stays. A valid rank is stored, saved and
applied to the live element at once.

Returns: {id, rank}`
}
func (t *SetButtonRankTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Element identifier",
			},
			"rank": map[string]interface{}{
				"type":        []string{"integer", "string"},
				"description": "New rank; lower sorts earlier",
			},
		},
		"required": []string{"id", "rank"},
	}
}
func (t *SetButtonRankTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "id")
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	if _, ok := args["rank"]; !ok {
		return nil, fmt.Errorf("rank is required")
	}
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	rank, err := ctrl.Engine().SetRank(ctx, id, getStringArg(args, "rank"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "rank": rank}, nil
}

// AuditLayoutTool evaluates the layout rules against the live toolbar.
type AuditLayoutTool struct {
	hub      *controller.Hub
	engine   *mangle.Engine
	recorder *recorder.Recorder
}

func (t *AuditLayoutTool) Name() string { return "audit-layout" }
func (t *AuditLayoutTool) Description() string {
	return `Check the live toolbar against the layout rules.

Issue kinds:
- order_violation: a dynamic element's order escapes the pinned sentinels
- misplaced: a pinned element sits outside its slot
- pending: a dynamic element not yet moved into the bar
- unstyled: a bar member without an order style
- slot_unpinned: a slot whose order is not its sentinel

Returns: {issues, churn_passes, recent_passes}`
}
func (t *AuditLayoutTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "How many recent pass records to include (default 10)",
			},
		},
	}
}
func (t *AuditLayoutTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	issues, err := ctrl.Engine().Audit(ctx)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"session_id": ctrl.SessionID(),
		"issues":     issues,
	}
	if t.engine != nil {
		if churn, err := t.engine.Evaluate(ctx, "churn"); err == nil {
			out["churn_passes"] = len(churn)
		}
	}
	if t.recorder != nil {
		out["recent_passes"] = t.recorder.Recent(ctrl.SessionID(), getIntArg(args, "limit", 10))
	}
	return out, nil
}

// ToggleTopBarTool shows or hides the host's top bar.
type ToggleTopBarTool struct {
	hub *controller.Hub
}

func (t *ToggleTopBarTool) Name() string { return "toggle-top-bar" }
func (t *ToggleTopBarTool) Description() string {
	return `Hide or show the chat application's top bar.

The flag is not persisted: every restart shows the top bar again.
Without "hidden" the current state is flipped.

Returns: {hidden}`
}
func (t *ToggleTopBarTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
			"hidden": map[string]interface{}{
				"type":        "boolean",
				"description": "Target state; omit to toggle",
			},
		},
	}
}
func (t *ToggleTopBarTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	engine := ctrl.Engine()
	hidden := getBoolArg(args, "hidden", !engine.Settings().TopBarHidden())
	if err := engine.SetTopBarHidden(ctx, hidden); err != nil {
		return nil, err
	}
	return map[string]interface{}{"hidden": hidden}, nil
}

// FocusStateTool reports the mobile input relocation state.
type FocusStateTool struct {
	hub *controller.Hub
}

func (t *FocusStateTool) Name() string { return "focus-state" }
func (t *FocusStateTool) Description() string {
	return `Report the chat input's relocation state on touch devices.

Returns {active: false} on desktop pages, otherwise
{active: true, state: "docked"|"relocated", moving, suppress_next_blur, restore_pending, relocations, restores}.`
}
func (t *FocusStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty(),
		},
	}
}
func (t *FocusStateTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ctrl, err := resolveController(t.hub, args)
	if err != nil {
		return nil, err
	}
	m := ctrl.Focus()
	if m == nil {
		return map[string]interface{}{"active": false}, nil
	}
	return map[string]interface{}{"active": true, "focus": m.Status()}, nil
}
