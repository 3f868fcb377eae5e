// Package dom wraps a parsed slide fragment with the small subset of browser
// document behavior slide plugins rely on: selectors, class lists, attributes,
// text content and click listeners with bubbling.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoMatch is returned when a selector matches nothing.
var ErrNoMatch = errors.New("no matching element")

// ContainerID is the id of the region that holds the mounted slide.
const ContainerID = "slide-content-area"

// Event is dispatched to listeners.
type Event struct {
	Type          string
	Target        *Element
	CurrentTarget *Element
}

// Listener handles a dispatched event.
type Listener func(evt Event)

type listener struct {
	id uint64
	fn Listener
}

// Document is a slide display region. It is not safe for concurrent use; the
// player mutates it from a single goroutine.
type Document struct {
	container *html.Node
	listeners map[*html.Node]map[string][]listener
	nextID    uint64
}

// NewDocument returns an empty display region.
func NewDocument() *Document {
	return &Document{
		container: &html.Node{
			Type:     html.ElementNode,
			Data:     "div",
			DataAtom: atom.Div,
			Attr:     []html.Attribute{{Key: "id", Val: ContainerID}},
		},
		listeners: make(map[*html.Node]map[string][]listener),
	}
}

// Parse builds a document whose display region holds the given HTML fragment.
func Parse(content []byte) (*Document, error) {
	doc := NewDocument()
	if err := doc.SetInnerHTML(content); err != nil {
		return nil, err
	}
	return doc, nil
}

// SetInnerHTML replaces the region's content. Listeners attached to removed
// nodes are dropped.
func (d *Document) SetInnerHTML(content []byte) error {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(content), body)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	for c := d.container.FirstChild; c != nil; {
		next := c.NextSibling
		d.container.RemoveChild(c)
		c = next
	}
	d.listeners = make(map[*html.Node]map[string][]listener)
	for _, n := range nodes {
		d.container.AppendChild(n)
	}
	return nil
}

// Container returns the display region element.
func (d *Document) Container() *Element {
	return &Element{n: d.container, doc: d}
}

// FirstElement returns the first element child of the region, or the region
// itself when it has none.
func (d *Document) FirstElement() *Element {
	for c := d.container.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return &Element{n: c, doc: d}
		}
	}
	return d.Container()
}

// Query returns the first element in the region matching selector.
func (d *Document) Query(selector string) *Element {
	return d.Container().Query(selector)
}

// InnerHTML renders the region's content.
func (d *Document) InnerHTML() string {
	var buf bytes.Buffer
	for c := d.container.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// ListenerCount returns the number of attached listeners across all nodes.
func (d *Document) ListenerCount() int {
	total := 0
	for _, byType := range d.listeners {
		for _, ls := range byType {
			total += len(ls)
		}
	}
	return total
}

// Click dispatches a click at the first element matching selector.
func (d *Document) Click(selector string) error {
	el := d.Query(selector)
	if el == nil {
		return fmt.Errorf("%w for %q", ErrNoMatch, selector)
	}
	d.Dispatch(el, "click")
	return nil
}

// Dispatch fires an event at target and bubbles it to the region. Clicks on
// disabled form controls are not delivered.
func (d *Document) Dispatch(target *Element, eventType string) {
	if target == nil || target.doc != d {
		return
	}
	if eventType == "click" && target.Disabled() && isFormControl(target.n) {
		return
	}
	for n := target.n; n != nil; n = n.Parent {
		byType := d.listeners[n]
		if byType == nil {
			if n == d.container {
				return
			}
			continue
		}
		ls := append([]listener(nil), byType[eventType]...)
		for _, l := range ls {
			l.fn(Event{Type: eventType, Target: target, CurrentTarget: &Element{n: n, doc: d}})
		}
		if n == d.container {
			return
		}
	}
}

func (d *Document) addListener(n *html.Node, eventType string, fn Listener) func() {
	d.nextID++
	id := d.nextID
	byType := d.listeners[n]
	if byType == nil {
		byType = make(map[string][]listener)
		d.listeners[n] = byType
	}
	byType[eventType] = append(byType[eventType], listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			byType := d.listeners[n]
			if byType == nil {
				return
			}
			kept := byType[eventType][:0:0]
			for _, l := range byType[eventType] {
				if l.id != id {
					kept = append(kept, l)
				}
			}
			if len(kept) == 0 {
				delete(byType, eventType)
			} else {
				byType[eventType] = kept
			}
			if len(byType) == 0 {
				delete(d.listeners, n)
			}
		})
	}
}

var selectorCache sync.Map

func compile(selector string) (cascadia.Selector, error) {
	if cached, ok := selectorCache.Load(selector); ok {
		return cached.(cascadia.Selector), nil
	}
	sel, err := cascadia.Compile(strings.TrimSpace(selector))
	if err != nil {
		return nil, err
	}
	selectorCache.Store(selector, sel)
	return sel, nil
}

func isFormControl(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Button, atom.Input, atom.Select, atom.Textarea, atom.Option:
		return true
	}
	return false
}
