package htmldom

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/otherjamesbrown/penf-capture/pkg/dom"
)

// element is a comparable handle on a node of one Document.
type element struct {
	d *Document
	n *html.Node
}

var _ dom.Element = element{}

func (e element) TagName() string {
	return strings.ToLower(e.n.Data)
}

func (e element) Text() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return textContent(e.n)
}

func (e element) Attr(name string) (string, bool) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (e element) Parent() dom.Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.wrap(e.n.Parent)
}

func (e element) Children() []dom.Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	var out []dom.Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.d.wrap(c))
		}
	}
	return out
}

func (e element) FirstChild() dom.Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return e.d.wrap(c)
		}
	}
	return nil
}

func (e element) LastChild() dom.Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for c := e.n.LastChild; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode {
			return e.d.wrap(c)
		}
	}
	return nil
}

// Query searches descendants only; the element itself never matches.
func (e element) Query(selector string) (dom.Element, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	sel, err := e.d.compileLocked(selector)
	if err != nil {
		return nil, err
	}
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if m := sel.MatchFirst(c); m != nil {
			return e.d.wrap(m), nil
		}
	}
	return nil, nil
}

func (e element) QueryAll(selector string) ([]dom.Element, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	sel, err := e.d.compileLocked(selector)
	if err != nil {
		return nil, err
	}
	var out []dom.Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.d.wrapAll(sel.MatchAll(c))...)
		}
	}
	return out, nil
}

func (e element) Matches(selector string) (bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	sel, err := e.d.compileLocked(selector)
	if err != nil {
		return false, err
	}
	return sel.Match(e.n), nil
}

func (e element) SetStyle(property, value string) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	current := ""
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == "style" {
			current = a.Val
			break
		}
	}
	e.d.setAttrLocked(e.n, "style", setDeclaration(current, property, value))
	return nil
}

func (e element) AppendHTML(fragment string) error {
	return e.d.AppendHTML(e, fragment)
}

func (e element) Remove() error {
	return e.d.Remove(e)
}

func (e element) Click() {
	_ = e.d.Click(e)
}

func (e element) String() string {
	return "<" + e.TagName() + ">"
}

// Style returns the inline value of property on el, or "".
func Style(el dom.Element, property string) string {
	if el == nil {
		return ""
	}
	raw, _ := el.Attr("style")
	for _, decl := range parseDeclarations(raw) {
		if decl[0] == property {
			return decl[1]
		}
	}
	return ""
}

func parseDeclarations(style string) [][2]string {
	var out [][2]string
	for _, part := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out = append(out, [2]string{k, strings.TrimSpace(v)})
	}
	return out
}

func setDeclaration(style, property, value string) string {
	property = strings.ToLower(strings.TrimSpace(property))
	decls := parseDeclarations(style)
	replaced := false
	for i := range decls {
		if decls[i][0] == property {
			decls[i][1] = value
			replaced = true
		}
	}
	if !replaced {
		decls = append(decls, [2]string{property, value})
	}
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d[0]+": "+d[1])
	}
	return strings.Join(parts, "; ")
}
