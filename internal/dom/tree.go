package dom

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"controlbar-mcp-server/internal/layout"

	"golang.org/x/net/html"
)

var (
	_ layout.Tree         = (*Document)(nil)
	_ layout.PanelSurface = (*Document)(nil)
	_ layout.TopBar       = (*Document)(nil)
	_ layout.Observer     = (*Document)(nil)
)

// Snapshot captures the toolbar region described by q.
func (d *Document) Snapshot(_ context.Context, q layout.Query) (layout.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := layout.Snapshot{
		FormPresent:    byID(d.root, q.FormID) != nil,
		InputPresent:   q.InputID == "" || byID(d.root, q.InputID) != nil,
		Bar:            containerState(byID(d.root, q.BarID)),
		FixedLeftSlot:  containerState(byID(d.root, q.FixedLeftSlotID)),
		RightGroupSlot: containerState(byID(d.root, q.RightGroupSlotID)),
	}

	for _, id := range q.PinnedIDs {
		if n := byID(d.root, id); n != nil {
			snap.Pinned = append(snap.Pinned, candidate(n, -1))
		}
	}

	seen := make(map[*html.Node]bool)
	for i, source := range q.Sources {
		sel, err := d.compile(source)
		if err != nil {
			return layout.Snapshot{}, err
		}
		for _, n := range sel.MatchAll(d.root) {
			if seen[n] {
				continue
			}
			seen[n] = true
			snap.Candidates = append(snap.Candidates, candidate(n, i))
		}
	}

	if bar := byID(d.root, q.BarID); bar != nil {
		for c := bar.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if id := attr(c, "id"); id == q.FixedLeftSlotID || id == q.RightGroupSlotID {
				continue
			}
			snap.Members = append(snap.Members, candidate(c, -1))
		}
	}
	return snap, nil
}

// Apply performs creates, then moves, then order writes.
func (d *Document) Apply(_ context.Context, p layout.Plan) (layout.ApplyReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var report layout.ApplyReport
	for _, spec := range p.Create {
		if byID(d.root, spec.ID) != nil {
			continue
		}
		parent := byID(d.root, spec.ParentID)
		if parent == nil {
			report.Failed = append(report.Failed, spec.ID)
			continue
		}
		parent.AppendChild(element("div", "id", spec.ID))
		d.recordAdded(parent)
		d.writes++
		report.Created++
	}

	for _, mv := range p.Moves {
		n, target := byID(d.root, mv.ID), byID(d.root, mv.To)
		if n == nil || target == nil || contains(n, target) {
			report.Failed = append(report.Failed, mv.ID)
			continue
		}
		if d.moveTo(n, target) {
			d.writes++
			report.Moved++
		}
	}

	for _, ow := range p.Orders {
		n := byID(d.root, ow.ID)
		if n == nil {
			report.Failed = append(report.Failed, ow.ID)
			continue
		}
		if styleOrder(n) == strconv.Itoa(ow.Order) {
			continue
		}
		setStyleOrder(n, ow.Order)
		d.writes++
		report.Restyled++
	}
	return report, nil
}

// SetOrder restyles one element.
func (d *Document) SetOrder(_ context.Context, id string, order int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	if n == nil {
		return fmt.Errorf("%w: %s", layout.ErrUnknownElement, id)
	}
	setStyleOrder(n, order)
	d.writes++
	return nil
}

// InstallPanel appends markup into the first element matching region.
func (d *Document) InstallPanel(_ context.Context, region, listID, markup string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byID(d.root, listID) != nil {
		return true, nil
	}
	host, err := d.first(region)
	if err != nil {
		return false, err
	}
	if host == nil {
		return false, nil
	}
	nodes, err := parseFragment(markup)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		host.AppendChild(n)
		d.recordAdded(host)
	}
	return true, nil
}

// RenderPanel replaces the list's items. An unchanged view writes nothing.
func (d *Document) RenderPanel(_ context.Context, listID string, view layout.PanelView) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := byID(d.root, listID)
	if list == nil {
		return nil
	}

	items := panelItems(view)
	if renderNodes(items) == renderChildren(list) {
		return nil
	}
	for c := list.FirstChild; c != nil; {
		next := c.NextSibling
		list.RemoveChild(c)
		c = next
	}
	for _, item := range items {
		list.AppendChild(item)
		d.recordAdded(list)
	}
	return nil
}

// PanelValue returns the rank input value shown for id.
func (d *Document) PanelValue(listID, id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := byID(d.root, listID)
	if list == nil {
		return "", false
	}
	for li := list.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || attr(li, "data-id") != id {
			continue
		}
		for c := li.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "input" {
				return attr(c, "value"), true
			}
		}
	}
	return "", false
}

// PanelText returns the list's text content.
func (d *Document) PanelText(listID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := byID(d.root, listID)
	if list == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(list)
	return sb.String()
}

// SetTopBarHidden toggles class on the first element matching selector.
func (d *Document) SetTopBarHidden(_ context.Context, selector, class string, hidden bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.first(selector)
	if err != nil || n == nil {
		return err
	}
	setClass(n, class, hidden)
	return nil
}

// Observe registers fn for node insertions under the first match of selector.
func (d *Document) Observe(_ context.Context, selector string, subtree bool, fn func(added int)) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.first(selector)
	if err != nil {
		return false, err
	}
	if n == nil {
		return false, nil
	}
	d.observers = append(d.observers, &observer{target: n, subtree: subtree, fn: fn})
	return true, nil
}

func containerState(n *html.Node) layout.ContainerState {
	if n == nil {
		return layout.ContainerState{}
	}
	state := layout.ContainerState{Present: true, Order: styleOrder(n)}
	if n.Parent != nil {
		state.ParentID = attr(n.Parent, "id")
	}
	return state
}

func candidate(n *html.Node, source int) layout.Candidate {
	c := layout.Candidate{
		ID:     attr(n, "id"),
		Tag:    n.Data,
		Type:   attr(n, "type"),
		Title:  attr(n, "title"),
		Order:  styleOrder(n),
		Source: source,
	}
	if c.Title == "" {
		c.Title = attr(n, "aria-label")
	}
	if n.Parent != nil {
		c.ParentID = attr(n.Parent, "id")
	}
	return c
}

func panelItems(view layout.PanelView) []*html.Node {
	if len(view.Entries) == 0 {
		li := element("li", "class", "cb--empty")
		li.AppendChild(text(view.EmptyMessage))
		return []*html.Node{li}
	}
	items := make([]*html.Node, 0, len(view.Entries))
	for _, e := range view.Entries {
		label := e.ID
		if e.Title != "" {
			label = e.Title + " (" + e.ID + ")"
		}
		li := element("li", "class", "cb--order-item", "data-id", e.ID)
		span := element("span", "class", "cb--label")
		span.AppendChild(text(label))
		li.AppendChild(span)
		li.AppendChild(element("input", "type", "number", "class", "text_pole cb--rank", "data-id", e.ID, "value", strconv.Itoa(e.Rank)))
		items = append(items, li)
	}
	return items
}

func renderNodes(nodes []*html.Node) string {
	var buf bytes.Buffer
	for _, n := range nodes {
		_ = html.Render(&buf, n)
	}
	return buf.String()
}

func renderChildren(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}
