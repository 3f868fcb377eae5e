package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Element is a handle to an element node of a Document.
type Element struct {
	n   *html.Node
	doc *Document
}

// Node exposes the underlying parse tree node.
func (e *Element) Node() *html.Node { return e.n }

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return e.n.Data }

// Is reports whether e and other refer to the same node.
func (e *Element) Is(other *Element) bool {
	return e != nil && other != nil && e.n == other.n
}

// Query returns the first descendant matching selector, or nil. Invalid
// selectors match nothing.
func (e *Element) Query(selector string) *Element {
	if e == nil || selector == "" {
		return nil
	}
	sel, err := compile(selector)
	if err != nil {
		return nil
	}
	var found *html.Node
	walk(e.n, func(n *html.Node) bool {
		if sel.Match(n) {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil
	}
	return &Element{n: found, doc: e.doc}
}

// QueryAll returns all descendants matching selector in document order.
func (e *Element) QueryAll(selector string) []*Element {
	if e == nil || selector == "" {
		return nil
	}
	sel, err := compile(selector)
	if err != nil {
		return nil
	}
	var out []*Element
	walk(e.n, func(n *html.Node) bool {
		if sel.Match(n) {
			out = append(out, &Element{n: n, doc: e.doc})
		}
		return true
	})
	return out
}

// Closest returns e or its nearest ancestor matching selector.
func (e *Element) Closest(selector string) *Element {
	if e == nil {
		return nil
	}
	sel, err := compile(selector)
	if err != nil {
		return nil
	}
	for n := e.n; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && sel.Match(n) {
			return &Element{n: n, doc: e.doc}
		}
	}
	return nil
}

// Text returns the concatenated text content, trimmed.
func (e *Element) Text() string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(e.n)
	return strings.TrimSpace(b.String())
}

// SetText replaces the children with a single text node.
func (e *Element) SetText(text string) {
	for c := e.n.FirstChild; c != nil; {
		next := c.NextSibling
		e.n.RemoveChild(c)
		c = next
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// Attr returns the value of the named attribute.
func (e *Element) Attr(key string) (string, bool) {
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the named attribute is present.
func (e *Element) HasAttr(key string) bool {
	_, ok := e.Attr(key)
	return ok
}

// SetAttr sets or adds an attribute.
func (e *Element) SetAttr(key, val string) {
	for i, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == key {
			e.n.Attr[i].Val = val
			return
		}
	}
	e.n.Attr = append(e.n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func (e *Element) RemoveAttr(key string) {
	kept := e.n.Attr[:0]
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		kept = append(kept, a)
	}
	e.n.Attr = kept
}

// Data returns a data-* attribute, e.g. Data("audio") reads data-audio.
func (e *Element) Data(name string) string {
	v, _ := e.Attr("data-" + name)
	return v
}

// Classes returns the class list.
func (e *Element) Classes() []string {
	v, _ := e.Attr("class")
	return strings.Fields(v)
}

// HasClass reports whether the class list contains name.
func (e *Element) HasClass(name string) bool {
	for _, c := range e.Classes() {
		if c == name {
			return true
		}
	}
	return false
}

// AddClass adds names missing from the class list.
func (e *Element) AddClass(names ...string) {
	classes := e.Classes()
	changed := false
	for _, name := range names {
		if name == "" || contains(classes, name) {
			continue
		}
		classes = append(classes, name)
		changed = true
	}
	if changed {
		e.SetAttr("class", strings.Join(classes, " "))
	}
}

// RemoveClass removes names from the class list.
func (e *Element) RemoveClass(names ...string) {
	classes := e.Classes()
	kept := classes[:0]
	for _, c := range classes {
		if !contains(names, c) {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(classes) {
		return
	}
	if len(kept) == 0 {
		e.RemoveAttr("class")
		return
	}
	e.SetAttr("class", strings.Join(kept, " "))
}

// ToggleClass flips name and reports whether it is now present.
func (e *Element) ToggleClass(name string) bool {
	if e.HasClass(name) {
		e.RemoveClass(name)
		return false
	}
	e.AddClass(name)
	return true
}

// Disabled reports whether the disabled attribute is set.
func (e *Element) Disabled() bool { return e.HasAttr("disabled") }

// SetDisabled sets or clears the disabled attribute.
func (e *Element) SetDisabled(disabled bool) {
	if disabled {
		e.SetAttr("disabled", "")
		return
	}
	e.RemoveAttr("disabled")
}

// On attaches a listener and returns a function that detaches it.
func (e *Element) On(eventType string, fn Listener) func() {
	return e.doc.addListener(e.n, eventType, fn)
}

// Document returns the owning document.
func (e *Element) Document() *Document { return e.doc }

func walk(root *html.Node, visit func(*html.Node) bool) {
	var rec func(*html.Node) bool
	rec = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && !visit(c) {
				return false
			}
			if !rec(c) {
				return false
			}
		}
		return true
	}
	rec(root)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
