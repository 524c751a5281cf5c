package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"controlbar-mcp-server/internal/layout"

	"github.com/go-rod/rod"
	"go.uber.org/zap"
)

var (
	_ layout.Tree         = (*PageTree)(nil)
	_ layout.PanelSurface = (*PageTree)(nil)
	_ layout.TopBar       = (*PageTree)(nil)
	_ layout.Observer     = (*PageTree)(nil)
)

// PageTree is the live chat page as a layout tree. Every operation is one
// Runtime.evaluate round trip.
type PageTree struct {
	page *rod.Page
	log  *zap.Logger

	mu        sync.Mutex
	observers map[string][]func(int)
}

func NewPageTree(page *rod.Page, log *zap.Logger) *PageTree {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageTree{page: page, log: log, observers: make(map[string][]func(int))}
}

// Page returns the underlying rod page.
func (t *PageTree) Page() *rod.Page {
	return t.page
}

func (t *PageTree) evalInto(ctx context.Context, out interface{}, js string, args ...interface{}) error {
	if t.page == nil {
		return ErrNotConnected
	}
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if out == nil || res == nil || res.Value.Nil() {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

const snapshotJS = `
(q) => {
	const byId = (id) => id ? document.getElementById(id) : null;
	const parentId = (el) => el.parentElement ? (el.parentElement.id || '') : '';
	const cand = (el, source) => ({
		id: el.id || '',
		tag: el.tagName.toLowerCase(),
		type: el.getAttribute('type') || '',
		title: el.getAttribute('title') || el.getAttribute('aria-label') || '',
		parent_id: parentId(el),
		order: el.style.order || '',
		source,
	});
	const state = (el) => el ? { present: true, parent_id: parentId(el), order: el.style.order || '' } : { present: false };

	const bar = byId(q.bar_id);
	const snap = {
		form_present: !!byId(q.form_id),
		input_present: !q.input_id || !!byId(q.input_id),
		bar: state(bar),
		fixed_left_slot: state(byId(q.fixed_left_slot_id)),
		right_group_slot: state(byId(q.right_group_slot_id)),
		pinned: [],
		candidates: [],
		members: [],
	};
	for (const id of q.pinned_ids || []) {
		const el = byId(id);
		if (el) snap.pinned.push(cand(el, -1));
	}
	const seen = new Set();
	(q.sources || []).forEach((sel, i) => {
		for (const el of document.querySelectorAll(sel)) {
			if (seen.has(el)) continue;
			seen.add(el);
			snap.candidates.push(cand(el, i));
		}
	});
	if (bar) {
		for (const el of bar.children) {
			if (el.id === q.fixed_left_slot_id || el.id === q.right_group_slot_id) continue;
			snap.members.push(cand(el, -1));
		}
	}
	return snap;
}
`

// Snapshot captures the toolbar region described by q.
func (t *PageTree) Snapshot(ctx context.Context, q layout.Query) (layout.Snapshot, error) {
	var snap layout.Snapshot
	if err := t.evalInto(ctx, &snap, snapshotJS, q); err != nil {
		return layout.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

const applyJS = `
(p) => {
	const byId = (id) => id ? document.getElementById(id) : null;
	const r = { created: 0, moved: 0, restyled: 0, failed: [] };
	for (const c of p.create || []) {
		if (byId(c.id)) continue;
		const parent = byId(c.parent_id);
		if (!parent) { r.failed.push(c.id); continue; }
		const div = document.createElement('div');
		div.id = c.id;
		parent.appendChild(div);
		r.created++;
	}
	for (const m of p.moves || []) {
		const el = byId(m.id), to = byId(m.to);
		if (!el || !to || el.contains(to)) { r.failed.push(m.id); continue; }
		if (el.parentElement === to) continue;
		try {
			to.appendChild(el);
			r.moved++;
		} catch (e) {
			r.failed.push(m.id);
		}
	}
	for (const o of p.orders || []) {
		const el = byId(o.id);
		if (!el) { r.failed.push(o.id); continue; }
		if (el.style.order === String(o.order)) continue;
		el.style.order = String(o.order);
		r.restyled++;
	}
	return r;
}
`

// Apply performs creates, then moves, then order writes.
func (t *PageTree) Apply(ctx context.Context, p layout.Plan) (layout.ApplyReport, error) {
	var report layout.ApplyReport
	if err := t.evalInto(ctx, &report, applyJS, p); err != nil {
		return layout.ApplyReport{}, fmt.Errorf("apply plan: %w", err)
	}
	return report, nil
}

const setOrderJS = `
(id, order) => {
	const el = document.getElementById(id);
	if (!el) return false;
	el.style.order = String(order);
	return true;
}
`

// SetOrder restyles one element.
func (t *PageTree) SetOrder(ctx context.Context, id string, order int) error {
	var found bool
	if err := t.evalInto(ctx, &found, setOrderJS, id, order); err != nil {
		return fmt.Errorf("set order: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, id)
	}
	return nil
}

const installPanelJS = `
(region, listId, markup) => {
	if (document.getElementById(listId)) return true;
	const host = document.querySelector(region);
	if (!host) return false;
	host.insertAdjacentHTML('beforeend', markup);
	return true;
}
`

// InstallPanel appends markup into the first element matching region.
func (t *PageTree) InstallPanel(ctx context.Context, region, listID, markup string) (bool, error) {
	var ok bool
	if err := t.evalInto(ctx, &ok, installPanelJS, region, listID, markup); err != nil {
		return false, fmt.Errorf("install panel: %w", err)
	}
	return ok, nil
}

// renderPanelJS rebuilds the list when the view changed. An unchanged view
// only resets inputs whose value drifted from the stored rank.
const renderPanelJS = `
(listId, view) => {
	const list = document.getElementById(listId);
	if (!list) return false;
	const entries = view.entries || [];
	const sig = JSON.stringify(entries) + '|' + (view.empty_message || '');
	if (list.dataset.cbView === sig) {
		for (const e of entries) {
			const input = list.querySelector('input.cb--rank[data-id="' + CSS.escape(e.id) + '"]');
			if (input && input.value !== String(e.rank)) input.value = String(e.rank);
		}
		return false;
	}
	list.dataset.cbView = sig;
	list.replaceChildren();
	if (!entries.length) {
		const li = document.createElement('li');
		li.className = 'cb--empty';
		li.textContent = view.empty_message || '';
		list.appendChild(li);
		return true;
	}
	for (const e of entries) {
		const li = document.createElement('li');
		li.className = 'cb--order-item';
		li.dataset.id = e.id;
		const span = document.createElement('span');
		span.className = 'cb--label';
		span.textContent = e.title ? e.title + ' (' + e.id + ')' : e.id;
		const input = document.createElement('input');
		input.type = 'number';
		input.className = 'text_pole cb--rank';
		input.dataset.id = e.id;
		input.value = String(e.rank);
		li.append(span, input);
		list.appendChild(li);
	}
	return true;
}
`

// RenderPanel replaces the list's items.
func (t *PageTree) RenderPanel(ctx context.Context, listID string, view layout.PanelView) error {
	if err := t.evalInto(ctx, nil, renderPanelJS, listID, view); err != nil {
		return fmt.Errorf("render panel: %w", err)
	}
	return nil
}

const topBarJS = `
(selector, cls, hidden) => {
	const el = document.querySelector(selector);
	if (el) el.classList.toggle(cls, hidden);
	return !!el;
}
`

// SetTopBarHidden toggles class on the first element matching selector.
func (t *PageTree) SetTopBarHidden(ctx context.Context, selector, class string, hidden bool) error {
	if err := t.evalInto(ctx, nil, topBarJS, selector, class, hidden); err != nil {
		return fmt.Errorf("toggle top bar: %w", err)
	}
	return nil
}

// observeJS attaches one MutationObserver per selector. Batches with added
// nodes are pushed to the event buffer tagged with the selector.
const observeJS = `
(selector, subtree) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	window.__controlbarEvents = Array.isArray(window.__controlbarEvents) ? window.__controlbarEvents : [];
	window.__controlbarObservers = window.__controlbarObservers || {};
	if (window.__controlbarObservers[selector]) return true;
	const mo = new MutationObserver((records) => {
		let added = 0;
		for (const r of records) added += r.addedNodes.length;
		if (added > 0) window.__controlbarEvents.push({ type: 'mutation', scope: selector, added, ts: Date.now() });
	});
	mo.observe(el, { childList: true, subtree: !!subtree });
	window.__controlbarObservers[selector] = mo;
	return true;
}
`

// Observe registers fn for mutation events on selector. Delivery happens
// through Stream.
func (t *PageTree) Observe(ctx context.Context, selector string, subtree bool, fn func(added int)) (bool, error) {
	var found bool
	if err := t.evalInto(ctx, &found, observeJS, selector, subtree); err != nil {
		return false, fmt.Errorf("observe %s: %w", selector, err)
	}
	if !found {
		return false, nil
	}
	t.mu.Lock()
	t.observers[selector] = append(t.observers[selector], fn)
	t.mu.Unlock()
	return true, nil
}
