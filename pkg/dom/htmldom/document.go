// Package htmldom is an in-process dom.Document backed by golang.org/x/net/html
// trees and cascadia selectors. It drives the capture pipeline from fixtures
// in tests and from recorded page scripts in replay mode.
//
// Mutations made through the Document are recorded for every matching
// subscription and delivered when the document renders a frame (Tick).
package htmldom

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

// DefaultFrameInterval is the frame cadence used by Run.
const DefaultFrameInterval = 16 * time.Millisecond

// Document is a mutable HTML page.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	subs      []*subscription
	listeners map[*html.Node][]*listener
	nextID    int
	frame     chan struct{}
	frames    uint64
	selectors map[string]cascadia.Selector
}

type listener struct {
	id int
	fn func()
}

var _ dom.Document = (*Document)(nil)

// New returns an empty document (html, head and body only).
func New() *Document {
	d, _ := Parse(strings.NewReader("<html><head><title></title></head><body></body></html>"))
	return d
}

// Parse builds a document from markup.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return &Document{
		root:      root,
		listeners: make(map[*html.Node][]*listener),
		frame:     make(chan struct{}),
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

// ParseString is Parse for an in-memory string.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Load replaces the whole page. Existing subscriptions and listeners keep
// pointing at the detached tree and stop receiving events.
func (d *Document) Load(markup string) error {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("parsing html: %w", err)
	}
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
	return nil
}

// HTML renders the current page.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	if err := html.Render(&sb, d.root); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Title returns the text of the head's <title>, whitespace collapsed.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := findFirst(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Title })
	if t == nil {
		return ""
	}
	return strings.Join(strings.Fields(textContent(t)), " ")
}

// SetTitle replaces the document title, creating the element if needed.
func (d *Document) SetTitle(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := findFirst(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Title })
	if t == nil {
		head := findFirst(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Head })
		if head == nil {
			return
		}
		t = &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
		head.AppendChild(t)
	}
	d.replaceTextLocked(t, title)
}

// Body returns the <body> element.
func (d *Document) Body() dom.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(findFirst(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Body }))
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) (dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := d.compileLocked(selector)
	if err != nil {
		return nil, err
	}
	return d.wrap(sel.MatchFirst(d.root)), nil
}

// QueryAll returns every element matching selector in document order.
func (d *Document) QueryAll(selector string) ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := d.compileLocked(selector)
	if err != nil {
		return nil, err
	}
	return d.wrapAll(sel.MatchAll(d.root)), nil
}

// AddClickListener registers fn for clicks bubbling through target.
func (d *Document) AddClickListener(target dom.Element, fn func()) (func(), error) {
	n, err := d.node(target)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[n] = append(d.listeners[n], &listener{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.listeners[n]
		for i, l := range ls {
			if l.id == id {
				d.listeners[n] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}, nil
}

// Click dispatches a click on el. Listeners run on the calling goroutine,
// innermost first, without the document lock held.
func (d *Document) Click(el dom.Element) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	var fns []func()
	for cur := n; cur != nil; cur = cur.Parent {
		for _, l := range d.listeners[cur] {
			fns = append(fns, l.fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// SetText replaces the text content of el. A lone text child is edited in
// place and recorded as characterData on el; otherwise the children are
// replaced and a childList record is emitted.
func (d *Document) SetText(el dom.Element, text string) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replaceTextLocked(n, text)
	return nil
}

// SetAttr sets an attribute on el.
func (d *Document) SetAttr(el dom.Element, key, value string) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setAttrLocked(n, key, value)
	return nil
}

// AppendHTML parses fragment in the context of el and appends the nodes.
func (d *Document) AppendHTML(el dom.Element, fragment string) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), n)
	if err != nil {
		return fmt.Errorf("parsing fragment: %w", err)
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
	d.recordLocked(n, dom.MutationRecord{
		Type:       dom.MutationChildList,
		Target:     d.wrap(n),
		AddedNodes: d.wrapAll(nodes),
	})
	return nil
}

// Remove detaches el from the tree.
func (d *Document) Remove(el dom.Element) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent := n.Parent
	if parent == nil {
		return nil
	}
	d.recordLocked(parent, dom.MutationRecord{
		Type:         dom.MutationChildList,
		Target:       d.wrap(parent),
		RemovedNodes: []dom.Element{d.wrap(n)},
	})
	parent.RemoveChild(n)
	return nil
}

// Tick renders one frame: pending records are delivered as one batch per
// subscription and NextFrame waiters are released. A subscription whose
// channel is full keeps its records for the next frame.
func (d *Document) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		s.flushLocked()
	}
	d.frames++
	close(d.frame)
	d.frame = make(chan struct{})
}

// Frames returns the number of frames rendered so far.
func (d *Document) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Subscriptions returns the number of connected subscriptions.
func (d *Document) Subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// NextFrame blocks until the next Tick.
func (d *Document) NextFrame(ctx context.Context) error {
	d.mu.Lock()
	ch := d.frame
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run renders frames every interval until ctx is done.
func (d *Document) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

func (d *Document) compileLocked(selector string) (cascadia.Selector, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *Document) node(el dom.Element) (*html.Node, error) {
	e, ok := el.(element)
	if !ok || e.n == nil {
		return nil, fmt.Errorf("element %v does not belong to an htmldom document", el)
	}
	if e.d != d {
		return nil, fmt.Errorf("element belongs to another document")
	}
	return e.n, nil
}

func (d *Document) replaceTextLocked(n *html.Node, text string) {
	if c := n.FirstChild; c != nil && c == n.LastChild && c.Type == html.TextNode {
		old := c.Data
		c.Data = text
		d.recordLocked(n, dom.MutationRecord{
			Type:     dom.MutationCharacterData,
			Target:   d.wrap(n),
			OldValue: old,
		})
		return
	}

	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	d.recordLocked(n, dom.MutationRecord{
		Type:         dom.MutationChildList,
		Target:       d.wrap(n),
		RemovedNodes: d.wrapAll(removed),
	})
}

func (d *Document) setAttrLocked(n *html.Node, key, value string) {
	old := ""
	found := false
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			old = a.Val
			n.Attr[i].Val = value
			found = true
			break
		}
	}
	if !found {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
	}
	d.recordLocked(n, dom.MutationRecord{
		Type:          dom.MutationAttributes,
		Target:        d.wrap(n),
		AttributeName: key,
		OldValue:      old,
	})
}

// recordLocked queues rec for every subscription observing target.
func (d *Document) recordLocked(target *html.Node, rec dom.MutationRecord) {
	for _, s := range d.subs {
		if s.closed || !s.opts.Accepts(rec.Type) {
			continue
		}
		if s.target == target || (s.opts.Subtree && isAncestor(s.target, target)) {
			s.pending = append(s.pending, rec)
		}
	}
}

func (d *Document) wrap(n *html.Node) dom.Element {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	return element{d: d, n: n}
}

func (d *Document) wrapAll(nodes []*html.Node) []dom.Element {
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		if el := d.wrap(n); el != nil {
			out = append(out, el)
		}
	}
	return out
}

func isAncestor(ancestor, n *html.Node) bool {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findFirst(c, pred); m != nil {
			return m
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				sb.WriteString(c.Data)
			case html.ElementNode:
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}
