// Package dom is an in-memory host page. It implements the layout engine's
// tree, panel, top bar and observer contracts over golang.org/x/net/html so
// the engine can run against saved pages and in tests without a browser.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a mutable HTML tree with mutation-observer semantics: every
// node insertion is queued per observer and delivered on Flush, the way a
// browser delivers one MutationObserver batch per task.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	observers []*observer
	writes    int
	selectors map[string]cascadia.Selector
}

type observer struct {
	target  *html.Node
	subtree bool
	fn      func(added int)
	added   int
}

// Parse reads a full HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root, selectors: make(map[string]cascadia.Selector)}, nil
}

// ParseString is Parse for literal markup.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Render writes the document as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// Flush delivers pending mutation batches. Callbacks run without the
// document lock held so they may read or write the document.
func (d *Document) Flush() {
	d.mu.Lock()
	type delivery struct {
		fn    func(int)
		added int
	}
	var out []delivery
	for _, o := range d.observers {
		if o.added > 0 {
			out = append(out, delivery{o.fn, o.added})
			o.added = 0
		}
	}
	d.mu.Unlock()

	for _, dl := range out {
		dl.fn(dl.added)
	}
}

// Writes counts layout writes: containers created, nodes moved, order styles set.
func (d *Document) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Append parses markup and appends it under the element with parentID, as a
// host producer would.
func (d *Document) Append(parentID, markup string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent := byID(d.root, parentID)
	if parent == nil {
		return fmt.Errorf("append: no element %q", parentID)
	}
	nodes, err := parseFragment(markup)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		parent.AppendChild(n)
		d.recordAdded(parent)
	}
	return nil
}

// MoveTo re-appends an existing element under parentID, as a host producer
// re-parenting its own control would.
func (d *Document) MoveTo(id, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, parent := byID(d.root, id), byID(d.root, parentID)
	if n == nil || parent == nil || contains(n, parent) {
		return fmt.Errorf("move %q to %q: no such element", id, parentID)
	}
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	parent.AppendChild(n)
	d.recordAdded(parent)
	return nil
}

// Remove detaches the element with id. It reports false if it was absent.
func (d *Document) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	if n == nil || n.Parent == nil {
		return false
	}
	n.Parent.RemoveChild(n)
	return true
}

// Exists reports whether an element with id is in the document.
func (d *Document) Exists(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return byID(d.root, id) != nil
}

// Parent returns the id of the element's parent, "" if absent or anonymous.
func (d *Document) Parent(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	if n == nil || n.Parent == nil {
		return ""
	}
	return attr(n.Parent, "id")
}

// Order returns the element's inline order style.
func (d *Document) Order(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	if n == nil {
		return ""
	}
	return styleOrder(n)
}

// Children lists the ids of an element's element children in order.
func (d *Document) Children(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	if n == nil {
		return nil
	}
	var ids []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			ids = append(ids, attr(c, "id"))
		}
	}
	return ids
}

// HasClass reports whether the element carries class.
func (d *Document) HasClass(id, class string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := byID(d.root, id)
	return n != nil && hasClass(n, class)
}

// Count returns how many elements match selector.
func (d *Document) Count(selector string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := d.compile(selector)
	if err != nil {
		return 0, err
	}
	return len(sel.MatchAll(d.root)), nil
}

func (d *Document) compile(selector string) (cascadia.Selector, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *Document) first(selector string) (*html.Node, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	return sel.MatchFirst(d.root), nil
}

// recordAdded queues one added node under parent for every observer whose
// scope covers parent.
func (d *Document) recordAdded(parent *html.Node) {
	for _, o := range d.observers {
		if o.target == parent || (o.subtree && contains(o.target, parent)) {
			o.added++
		}
	}
}

// moveTo appends n to parent, detaching it first. It is a no-op when n is
// already parent's child.
func (d *Document) moveTo(n, parent *html.Node) bool {
	if n.Parent == parent {
		return false
	}
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	parent.AppendChild(n)
	d.recordAdded(parent)
	return true
}

func parseFragment(markup string) ([]*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	return nodes, nil
}

func byID(root *html.Node, id string) *html.Node {
	if id == "" || root == nil {
		return nil
	}
	if root.Type == html.ElementNode && attr(root, "id") == id {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := byID(c, id); n != nil {
			return n
		}
	}
	return nil
}

// contains reports whether a is b or one of b's ancestors.
func contains(a, b *html.Node) bool {
	for n := b; n != nil; n = n.Parent {
		if n == a {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func setClass(n *html.Node, class string, on bool) bool {
	classes := strings.Fields(attr(n, "class"))
	out := classes[:0]
	found := false
	for _, c := range classes {
		if c == class {
			found = true
			if !on {
				continue
			}
		}
		out = append(out, c)
	}
	if on == found {
		return false
	}
	if on {
		out = append(out, class)
	}
	if len(out) == 0 {
		removeAttr(n, "class")
	} else {
		setAttr(n, "class", strings.Join(out, " "))
	}
	return true
}

// styleOrder reads the order declaration of the inline style.
func styleOrder(n *html.Node) string {
	for _, decl := range strings.Split(attr(n, "style"), ";") {
		name, value, ok := strings.Cut(decl, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "order") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// setStyleOrder replaces the order declaration and keeps the others.
func setStyleOrder(n *html.Node, order int) {
	var decls []string
	for _, decl := range strings.Split(attr(n, "style"), ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		if name, _, ok := strings.Cut(decl, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "order") {
			continue
		}
		decls = append(decls, decl)
	}
	decls = append(decls, "order: "+strconv.Itoa(order))
	setAttr(n, "style", strings.Join(decls, "; ")+";")
}

func element(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
