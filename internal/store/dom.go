package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

var (
	ErrSelectorNoMatch = errors.New("store: selector matched nothing")
	ErrBadSelector     = errors.New("store: unsupported selector")
)

// DOMContainer holds an agent's virtual DOM while no browser is attached.
// It accepts the same snapshot shape browsers produce, supports targeted
// mutation from sandboxed code, and renders back out for restoration into
// a live page.
type DOMContainer struct {
	mu         sync.Mutex
	body       *html.Node
	bodyAttrs  map[string]string
	headHTML   string
	htmlAttrs  map[string]string
	listeners  []models.RegisteredListener
	capturedAt time.Time
	now        func() time.Time
}

// NewDOMContainer creates a container with an empty body.
func NewDOMContainer() *DOMContainer {
	return &DOMContainer{
		body: &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body},
		now:  time.Now,
	}
}

// ModifySpec describes a targeted mutation for Modify.
type ModifySpec struct {
	Attributes  map[string]*string `json:"attributes,omitempty"` // nil value removes the attribute
	TextContent *string            `json:"textContent,omitempty"`
	InnerHTML   *string            `json:"innerHTML,omitempty"`
}

// Restore replaces the container contents from a snapshot.
func (d *DOMContainer) Restore(snapshot *models.DOMState) error {
	if snapshot == nil {
		return nil
	}
	body, err := parseIntoBody(snapshot.BodyHTML)
	if err != nil {
		return fmt.Errorf("parse body html: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.body = body
	d.bodyAttrs = copyAttrs(snapshot.BodyAttrs)
	d.headHTML = snapshot.HeadHTML
	d.htmlAttrs = copyAttrs(snapshot.HTMLAttrs)
	d.listeners = append([]models.RegisteredListener(nil), snapshot.RegisteredListeners...)
	if !snapshot.CapturedAt.IsZero() {
		d.capturedAt = snapshot.CapturedAt
	} else {
		d.capturedAt = d.now()
	}
	return nil
}

// Capture renders the container back into a snapshot.
func (d *DOMContainer) Capture() *models.DOMState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &models.DOMState{
		BodyHTML:            renderChildren(d.body),
		BodyAttrs:           copyAttrs(d.bodyAttrs),
		HeadHTML:            d.headHTML,
		HTMLAttrs:           copyAttrs(d.htmlAttrs),
		RegisteredListeners: append([]models.RegisteredListener(nil), d.listeners...),
		CapturedAt:          d.capturedAt,
	}
}

// Create parses an HTML fragment and appends it under the parent selector,
// or under body when the selector is empty.
func (d *DOMContainer) Create(fragment, parentSelector string) error {
	nodes, err := parseFragment(fragment)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent := d.body
	if parentSelector != "" {
		parent = d.firstMatch(parentSelector)
		if parent == nil {
			return ErrSelectorNoMatch
		}
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	d.touch()
	return nil
}

// Modify applies attribute, text, or innerHTML changes to the first node
// matching the selector.
func (d *DOMContainer) Modify(selector string, spec ModifySpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := d.firstMatch(selector)
	if node == nil {
		return ErrSelectorNoMatch
	}
	for name, value := range spec.Attributes {
		setAttr(node, name, value)
	}
	if spec.InnerHTML != nil {
		children, err := parseFragment(*spec.InnerHTML)
		if err != nil {
			return fmt.Errorf("parse innerHTML: %w", err)
		}
		removeChildren(node)
		for _, c := range children {
			node.AppendChild(c)
		}
	} else if spec.TextContent != nil {
		removeChildren(node)
		node.AppendChild(&html.Node{Type: html.TextNode, Data: *spec.TextContent})
	}
	d.touch()
	return nil
}

// Query returns the outer HTML of every node matching the selector.
func (d *DOMContainer) Query(selector string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	var out []string
	walk(d.body, func(n *html.Node) {
		if sel.matches(n) {
			out = append(out, renderNode(n))
		}
	})
	return out, nil
}

// Remove deletes every node matching the selector and returns the count.
func (d *DOMContainer) Remove(selector string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := parseSelector(selector)
	if err != nil {
		return 0, err
	}
	var matched []*html.Node
	walk(d.body, func(n *html.Node) {
		if sel.matches(n) {
			matched = append(matched, n)
		}
	})
	for _, n := range matched {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	if len(matched) > 0 {
		d.touch()
	}
	return len(matched), nil
}

// SetListeners replaces the registered-listener list.
func (d *DOMContainer) SetListeners(listeners []models.RegisteredListener) {
	d.mu.Lock()
	d.listeners = append([]models.RegisteredListener(nil), listeners...)
	d.mu.Unlock()
}

func (d *DOMContainer) touch() {
	d.capturedAt = d.now()
}

// firstMatch must be called with the lock held.
func (d *DOMContainer) firstMatch(selector string) *html.Node {
	sel, err := parseSelector(selector)
	if err != nil {
		return nil
	}
	var found *html.Node
	walk(d.body, func(n *html.Node) {
		if found == nil && sel.matches(n) {
			found = n
		}
	})
	return found
}

// selector is a compound simple selector: tag, #id, and .class parts.
// Combinators are not supported; sandboxed code targets elements it
// created by id.
type selector struct {
	tag     string
	id      string
	classes []string
}

func parseSelector(raw string) (selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " >+~[:") {
		return selector{}, ErrBadSelector
	}
	var sel selector
	rest := raw
	for rest != "" {
		switch rest[0] {
		case '#':
			rest = rest[1:]
			token, remainder := takeToken(rest)
			if token == "" {
				return selector{}, ErrBadSelector
			}
			sel.id = token
			rest = remainder
		case '.':
			rest = rest[1:]
			token, remainder := takeToken(rest)
			if token == "" {
				return selector{}, ErrBadSelector
			}
			sel.classes = append(sel.classes, token)
			rest = remainder
		default:
			token, remainder := takeToken(rest)
			if token == "" || sel.tag != "" {
				return selector{}, ErrBadSelector
			}
			sel.tag = strings.ToLower(token)
			rest = remainder
		}
	}
	return sel, nil
}

func takeToken(s string) (token, rest string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '#' || s[i] == '.' {
			return s[:i], s[i:]
		}
	}
	return s, ""
}

func (s selector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != n.Data {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func walk(n *html.Node, visit func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visit(c)
		walk(c, visit)
	}
}

func parseIntoBody(fragment string) (*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := parseFragment(fragment)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	return body, nil
}

func parseFragment(fragment string) ([]*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	return html.ParseFragment(strings.NewReader(fragment), ctx)
}

func renderChildren(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

func renderNode(n *html.Node) string {
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

func removeChildren(n *html.Node) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
}

func getAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, name string, value *string) {
	for i, a := range n.Attr {
		if a.Key == name {
			if value == nil {
				n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			} else {
				n.Attr[i].Val = *value
			}
			return
		}
	}
	if value != nil {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: *value})
	}
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
