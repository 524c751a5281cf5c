package dom

import (
	"context"
	"fmt"

	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/layout"
)

// FocusTarget moves the chat textarea between its docked spot and the spot
// after the quick-reply bar.
type FocusTarget struct {
	doc *Document
	cfg config.FocusConfig
}

func (d *Document) FocusTarget(cfg config.FocusConfig) *FocusTarget {
	return &FocusTarget{doc: d, cfg: cfg}
}

// Relocate leaves a placeholder where the textarea was and moves it after
// the anchor. The in-memory tree has no box model, so the placeholder
// carries no height.
func (f *FocusTarget) Relocate(_ context.Context) error {
	d := f.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	ta := byID(d.root, f.cfg.TextareaID)
	if ta == nil {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, f.cfg.TextareaID)
	}
	anchor := byID(d.root, f.cfg.AnchorID)
	if anchor == nil || anchor.Parent == nil {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, f.cfg.AnchorID)
	}
	if hasClass(ta, f.cfg.RelocatedClass) {
		return nil
	}

	home := ta.Parent
	home.InsertBefore(element("div", "class", f.cfg.PlaceholderClass), ta)
	d.recordAdded(home)
	home.RemoveChild(ta)
	anchor.Parent.InsertBefore(ta, anchor.NextSibling)
	d.recordAdded(anchor.Parent)
	setClass(ta, f.cfg.RelocatedClass, true)
	return nil
}

// Restore puts the textarea back in place of the placeholder.
func (f *FocusTarget) Restore(_ context.Context) error {
	d := f.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	ta := byID(d.root, f.cfg.TextareaID)
	if ta == nil {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, f.cfg.TextareaID)
	}
	if !setClass(ta, f.cfg.RelocatedClass, false) {
		return nil
	}
	ph, err := d.first("." + f.cfg.PlaceholderClass)
	if err != nil || ph == nil || ph.Parent == nil {
		return err
	}
	ta.Parent.RemoveChild(ta)
	ph.Parent.InsertBefore(ta, ph)
	d.recordAdded(ph.Parent)
	ph.Parent.RemoveChild(ph)
	return nil
}
