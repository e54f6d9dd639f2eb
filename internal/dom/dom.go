// Package dom is the element tree views are bound to: an HTML document
// parsed with x/net/html and queried with CSS selectors. It is not safe for
// concurrent use; callers mutate it from the event loop only.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const selectorCacheSize = 512

// selectors caches compiled selector groups. View selectors are generated
// from a small set of names and re-resolved on every register.
var selectors *lru.TwoQueueCache

func init() {
	var err error
	selectors, err = lru.New2Q(selectorCacheSize)
	if err != nil {
		panic(fmt.Sprintf("dom: selector cache: %v", err))
	}
}

func compile(selector string) (cascadia.SelectorGroup, error) {
	if cached, ok := selectors.Get(selector); ok {
		return cached.(cascadia.SelectorGroup), nil
	}

	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	selectors.Add(selector, group)
	return group, nil
}

// Document is a parsed HTML tree
type Document struct {
	root *html.Node
}

// Parse reads a full HTML document
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{root: root}, nil
}

// ParseString parses markup as a full HTML document
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Root returns the document node
func (d *Document) Root() *html.Node {
	return d.root
}

// Find returns the elements matching selector anywhere in the document
func (d *Document) Find(selector string) (*Selection, error) {
	return d.Wrap(d.root).Find(selector)
}

// Wrap makes a selection of nodes in d
func (d *Document) Wrap(nodes ...*html.Node) *Selection {
	return &Selection{doc: d, nodes: nodes}
}

// Render writes the whole document as HTML
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return buf.String(), nil
}

// Selection is an ordered set of element nodes
type Selection struct {
	doc   *Document
	nodes []*html.Node
}

// Document returns the document the selection belongs to
func (s *Selection) Document() *Document {
	return s.doc
}

// Len returns the number of nodes
func (s *Selection) Len() int {
	if s == nil {
		return 0
	}
	return len(s.nodes)
}

// Nodes returns the selected nodes
func (s *Selection) Nodes() []*html.Node {
	if s == nil {
		return nil
	}
	return append([]*html.Node(nil), s.nodes...)
}

// Find returns the descendants of the selection matching selector, in
// document order and without duplicates. The selected nodes themselves are
// never part of the result.
func (s *Selection) Find(selector string) (*Selection, error) {
	group, err := compile(selector)
	if err != nil {
		return nil, err
	}

	out := &Selection{doc: s.doc}
	seen := make(map[*html.Node]bool)
	for _, n := range s.nodes {
		for _, match := range cascadia.QueryAll(n, group) {
			if !seen[match] {
				seen[match] = true
				out.nodes = append(out.nodes, match)
			}
		}
	}
	return out, nil
}

// Contains reports whether n is one of the selected nodes or below one
func (s *Selection) Contains(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		for _, own := range s.nodes {
			if own == n {
				return true
			}
		}
	}
	return false
}

// Same reports whether both selections hold the same nodes in the same order
func (s *Selection) Same(other *Selection) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.nodes {
		if s.nodes[i] != other.nodes[i] {
			return false
		}
	}
	return true
}

// Attr returns an attribute of the first node
func (s *Selection) Attr(name string) (string, bool) {
	if s.Len() == 0 {
		return "", false
	}
	for _, a := range s.nodes[0].Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// HasClass reports whether any node carries class
func (s *Selection) HasClass(class string) bool {
	for _, n := range s.nodes {
		for _, a := range n.Attr {
			if a.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

// Text returns the combined text content of the nodes
func (s *Selection) Text() string {
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
	for _, n := range s.nodes {
		walk(n)
	}
	return sb.String()
}

// OuterHTML renders the nodes
func (s *Selection) OuterHTML() (string, error) {
	var buf bytes.Buffer
	for _, n := range s.nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("failed to render node: %w", err)
		}
	}
	return buf.String(), nil
}

// Remove detaches the nodes from the tree
func (s *Selection) Remove() {
	for _, n := range s.nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

// ReplaceWith parses markup in place of every node and returns the new
// top-level elements. Each node gets its own copy of the markup.
func (s *Selection) ReplaceWith(markup string) (*Selection, error) {
	out := &Selection{doc: s.doc}

	for _, n := range s.nodes {
		parent := n.Parent
		if parent == nil {
			return nil, fmt.Errorf("cannot replace detached <%s>", n.Data)
		}

		fragment, err := html.ParseFragment(strings.NewReader(markup), fragmentContext(parent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse replacement markup: %w", err)
		}

		for _, f := range fragment {
			parent.InsertBefore(f, n)
			if f.Type == html.ElementNode {
				out.nodes = append(out.nodes, f)
			}
		}
		parent.RemoveChild(n)
	}

	return out, nil
}

// Append parses markup and appends it to the first node
func (s *Selection) Append(markup string) (*Selection, error) {
	if s.Len() == 0 {
		return &Selection{doc: s.doc}, nil
	}

	target := s.nodes[0]
	fragment, err := html.ParseFragment(strings.NewReader(markup), fragmentContext(target))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}

	out := &Selection{doc: s.doc}
	for _, f := range fragment {
		target.AppendChild(f)
		if f.Type == html.ElementNode {
			out.nodes = append(out.nodes, f)
		}
	}
	return out, nil
}

func fragmentContext(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		return n
	}
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}
