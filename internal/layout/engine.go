// Package layout reconciles a host page's toolbar: it classifies control
// elements, moves them into three anchor containers and keeps their order in
// step with the user's stored ranks.
package layout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/mangle"
	"controlbar-mcp-server/internal/settings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PassRecorder receives one record per reconciliation pass.
type PassRecorder interface {
	Log(eventType, sessionID string, data interface{})
}

// FactSink stores pass history and evaluates the layout audit rules.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
	Audit(ctx context.Context, facts []mangle.Fact) ([]mangle.Fact, error)
}

// Options carries the engine's optional collaborators.
type Options struct {
	Panel     *Panel
	TopBar    TopBar
	Recorder  PassRecorder
	Facts     FactSink
	SessionID string
	Logger    *zap.Logger
}

// Result summarizes one pass.
type Result struct {
	PassID     string        `json:"pass_id"`
	Skipped    bool          `json:"skipped"`
	Created    int           `json:"created"`
	Moved      int           `json:"moved"`
	Restyled   int           `json:"restyled"`
	Discovered []string      `json:"discovered,omitempty"`
	Failed     []string      `json:"failed,omitempty"`
	Members    []Member      `json:"members"`
	Duration   time.Duration `json:"duration_ns"`
}

// Issue is one audit finding.
type Issue struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Engine runs reconciliation passes against one tree. Passes are serialized;
// each one recomputes the layout from scratch, so overlapping triggers only
// cost a redundant, empty pass.
type Engine struct {
	cfg      config.LayoutConfig
	planner  *Planner
	query    Query
	tree     Tree
	settings *settings.Service
	panel    *Panel
	topBar   TopBar
	recorder PassRecorder
	facts    FactSink
	session  string
	log      *zap.Logger

	mu   sync.Mutex
	last Result
}

func NewEngine(cfg config.LayoutConfig, tree Tree, svc *settings.Service, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	planner := NewPlanner(cfg)
	return &Engine{
		cfg:      cfg,
		planner:  planner,
		query:    planner.Query(),
		tree:     tree,
		settings: svc,
		panel:    opts.Panel,
		topBar:   opts.TopBar,
		recorder: opts.Recorder,
		facts:    opts.Facts,
		session:  opts.SessionID,
		log:      log,
	}
}

// Reconcile runs one pass. A missing host form is not an error: the pass is
// reported as skipped and nothing is written.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res := Result{PassID: uuid.NewString()}

	snap, err := e.tree.Snapshot(ctx, e.query)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}

	plan := e.planner.Plan(snap, e.settings.ButtonOrder())
	if plan.Skipped {
		res.Skipped = true
		res.Duration = time.Since(start)
		e.log.Debug("control bar anchor missing, pass skipped", zap.String("form", e.cfg.FormID))
		e.finish(ctx, res)
		return res, nil
	}

	for _, id := range plan.Discovered {
		e.settings.EnsureRank(id)
	}

	if !plan.Empty() {
		report, err := e.tree.Apply(ctx, plan)
		if err != nil {
			return res, fmt.Errorf("apply plan: %w", err)
		}
		res.Created, res.Moved, res.Restyled, res.Failed = report.Created, report.Moved, report.Restyled, report.Failed
		for _, id := range report.Failed {
			e.log.Warn("element could not be placed", zap.String("id", id))
		}
	}

	res.Discovered = plan.Discovered
	res.Members = plan.Members
	res.Duration = time.Since(start)

	if e.panel != nil {
		if err := e.panel.Refresh(ctx, plan.Members); err != nil {
			e.log.Warn("settings panel refresh failed", zap.Error(err))
		}
	}

	if res.Created+res.Moved+res.Restyled > 0 {
		e.log.Info("control bar reconciled",
			zap.String("pass", res.PassID),
			zap.Int("created", res.Created),
			zap.Int("moved", res.Moved),
			zap.Int("restyled", res.Restyled),
			zap.Strings("discovered", res.Discovered))
	}
	e.finish(ctx, res)
	return res, nil
}

func (e *Engine) finish(ctx context.Context, res Result) {
	e.last = res
	if e.recorder != nil {
		e.recorder.Log("reconcile", e.session, res)
	}
	if e.facts == nil {
		return
	}
	now := time.Now()
	err := e.facts.AddFacts(ctx, []mangle.Fact{{
		Predicate: "layout_pass",
		Args:      []interface{}{res.PassID, fmt.Sprintf("%v", res.Skipped), res.Moved, res.Restyled, now.UnixMilli()},
		Timestamp: now,
	}})
	if err != nil {
		e.log.Debug("pass fact rejected", zap.Error(err))
	}
}

// Last returns the result of the most recent pass.
func (e *Engine) Last() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Snapshot captures the toolbar region without changing it.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	return e.tree.Snapshot(ctx, e.query)
}

// Settings returns the configuration service the engine reads ranks from.
func (e *Engine) Settings() *settings.Service {
	return e.settings
}

// Panel returns the settings panel, nil when the engine runs without one.
func (e *Engine) Panel() *Panel {
	return e.panel
}

// SetRank applies a user-entered rank through the panel. It waits for any
// running pass, so a pass planned with the old rank cannot overwrite the
// new order after the edit lands.
func (e *Engine) SetRank(ctx context.Context, id, raw string) (int, error) {
	if e.panel == nil {
		return 0, errors.New("settings panel not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.panel.Edit(ctx, id, raw)
}

// Classify reports how the engine would treat a candidate.
func (e *Engine) Classify(c Candidate) Classification {
	return e.planner.Classifier().Classify(c)
}

// Audit evaluates the layout rules against the current tree.
func (e *Engine) Audit(ctx context.Context) ([]Issue, error) {
	if e.facts == nil {
		return nil, errors.New("audit engine not configured")
	}
	snap, err := e.tree.Snapshot(ctx, e.query)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	derived, err := e.facts.Audit(ctx, AuditFacts(snap, e.cfg, e.planner.Classifier()))
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(derived))
	for _, f := range derived {
		if len(f.Args) < 2 {
			continue
		}
		issues = append(issues, Issue{ID: fmt.Sprintf("%v", f.Args[0]), Kind: fmt.Sprintf("%v", f.Args[1])})
	}
	return issues, nil
}

// SetTopBarHidden records the ephemeral top bar flag and applies it.
func (e *Engine) SetTopBarHidden(ctx context.Context, hidden bool) error {
	e.settings.SetTopBarHidden(hidden)
	if e.topBar == nil {
		return nil
	}
	return e.topBar.SetTopBarHidden(ctx, e.cfg.TopBarSelector, e.cfg.TopBarHiddenClass, hidden)
}

// AuditFacts converts a snapshot into the facts the audit rules read.
func AuditFacts(snap Snapshot, cfg config.LayoutConfig, cls *Classifier) []mangle.Fact {
	now := time.Now()
	var facts []mangle.Fact
	add := func(pred string, args ...interface{}) {
		facts = append(facts, mangle.Fact{Predicate: pred, Args: args, Timestamp: now})
	}

	add("slot_expected", "fixed_left", cfg.PinFirst)
	add("slot_expected", "right_group", cfg.PinLast)
	if n, err := strconv.Atoi(snap.FixedLeftSlot.Order); err == nil && snap.FixedLeftSlot.Present {
		add("slot_order", "fixed_left", n)
	}
	if n, err := strconv.Atoi(snap.RightGroupSlot.Order); err == nil && snap.RightGroupSlot.Present {
		add("slot_order", "right_group", n)
	}

	for _, m := range snap.Members {
		if cls.Classify(m).Reason != ReasonInPlace {
			continue
		}
		n, err := strconv.Atoi(m.Order)
		if err != nil {
			add("unstyled", m.ID)
			continue
		}
		add("placed", m.ID, n)
	}

	for _, p := range snap.Pinned {
		want := cfg.RightGroupSlotID
		if p.ID == cfg.FixedLeftID {
			want = cfg.FixedLeftSlotID
		}
		add("pinned_at", p.ID, want, p.ParentID)
	}

	for _, c := range snap.Candidates {
		if cls.Classify(c).Category == Dynamic {
			add("pending", c.ID)
		}
	}
	return facts
}
