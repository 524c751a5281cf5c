package browser

import (
	"context"
	"fmt"

	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/layout"
)

// PageFocus moves the chat textarea inside the live page.
type PageFocus struct {
	tree *PageTree
	cfg  config.FocusConfig
}

func (t *PageTree) Focus(cfg config.FocusConfig) *PageFocus {
	return &PageFocus{tree: t, cfg: cfg}
}

const touchJS = `() => ('ontouchstart' in window) || (navigator.maxTouchPoints > 0)`

// IsTouch reports whether the page runs on a touch-capable device.
func (f *PageFocus) IsTouch(ctx context.Context) (bool, error) {
	var touch bool
	if err := f.tree.evalInto(ctx, &touch, touchJS); err != nil {
		return false, fmt.Errorf("detect touch: %w", err)
	}
	return touch, nil
}

// focusHooksJS listens for input and blur on the textarea and for presses on
// companion buttons. Blurs raised while the textarea is being moved never
// leave the page. Companion buttons are marked once hooked; an observer on
// the companion scope hooks late arrivals.
const focusHooksJS = `
(taId, companionSel, companionScope) => {
	const ta = document.getElementById(taId);
	if (!ta) return false;
	window.__controlbarEvents = Array.isArray(window.__controlbarEvents) ? window.__controlbarEvents : [];
	const push = (ev) => { ev.ts = Date.now(); window.__controlbarEvents.push(ev); };

	if (!ta.dataset.cbFocusHooked) {
		ta.dataset.cbFocusHooked = '1';
		window.__controlbarBaseHeight = ta.offsetHeight;
		ta.addEventListener('input', () => push({ type: 'focus-input' }));
		ta.addEventListener('blur', () => {
			if (window.__controlbarMoving) return;
			push({ type: 'focus-blur' });
		});
	}

	const hook = () => {
		let n = 0;
		for (const btn of document.querySelectorAll(companionSel)) {
			if (btn.dataset.cbCompanionHooked) continue;
			btn.dataset.cbCompanionHooked = '1';
			btn.addEventListener('mousedown', () => push({ type: 'companion-down', id: btn.id || '' }));
			n++;
		}
		return n;
	};
	hook();
	const scope = companionScope ? document.querySelector(companionScope) : null;
	if (scope && !window.__controlbarCompanionObserver) {
		window.__controlbarCompanionObserver = new MutationObserver(hook);
		window.__controlbarCompanionObserver.observe(scope, { childList: true, subtree: true });
	}
	return true;
}
`

// InstallHooks wires the textarea and companion listeners. It reports false
// when the textarea is missing.
func (f *PageFocus) InstallHooks(ctx context.Context) (bool, error) {
	var ok bool
	err := f.tree.evalInto(ctx, &ok, focusHooksJS, f.cfg.TextareaID, f.cfg.CompanionSelector, f.cfg.CompanionScope)
	if err != nil {
		return false, fmt.Errorf("install focus hooks: %w", err)
	}
	return ok, nil
}

const relocateJS = `
(taId, anchorId, relocatedClass, placeholderClass, guardMs) => {
	const ta = document.getElementById(taId);
	const anchor = document.getElementById(anchorId);
	if (!ta || !anchor || !anchor.parentNode) return 'missing';
	if (ta.classList.contains(relocatedClass)) return 'noop';
	window.__controlbarMoving = true;
	const ph = document.createElement('div');
	ph.className = placeholderClass;
	ph.style.height = (window.__controlbarBaseHeight || ta.offsetHeight) + 'px';
	ta.before(ph);
	anchor.after(ta);
	ta.classList.add(relocatedClass);
	ta.focus();
	setTimeout(() => { window.__controlbarMoving = false; }, guardMs);
	return 'moved';
}
`

// Relocate lifts the textarea above the quick-reply bar.
func (f *PageFocus) Relocate(ctx context.Context) error {
	var outcome string
	err := f.tree.evalInto(ctx, &outcome, relocateJS,
		f.cfg.TextareaID, f.cfg.AnchorID, f.cfg.RelocatedClass, f.cfg.PlaceholderClass,
		f.cfg.GetMoveGuard().Milliseconds())
	if err != nil {
		return fmt.Errorf("relocate textarea: %w", err)
	}
	if outcome == "missing" {
		return fmt.Errorf("%w: %s or %s", layout.ErrUnknownElement, f.cfg.TextareaID, f.cfg.AnchorID)
	}
	return nil
}

const restoreJS = `
(taId, relocatedClass, placeholderClass) => {
	const ta = document.getElementById(taId);
	if (!ta) return 'missing';
	if (!ta.classList.contains(relocatedClass)) return 'noop';
	ta.classList.remove(relocatedClass);
	const ph = document.querySelector('.' + placeholderClass);
	if (ph) ph.replaceWith(ta);
	return 'restored';
}
`

// Restore returns the textarea to its placeholder.
func (f *PageFocus) Restore(ctx context.Context) error {
	var outcome string
	if err := f.tree.evalInto(ctx, &outcome, restoreJS, f.cfg.TextareaID, f.cfg.RelocatedClass, f.cfg.PlaceholderClass); err != nil {
		return fmt.Errorf("restore textarea: %w", err)
	}
	if outcome == "missing" {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, f.cfg.TextareaID)
	}
	return nil
}
