package a11y

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var skipped = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}

// Walk produces the same node sequence as Script for a parsed HTML document
// that is not attached to a browser: saved snapshots and test fixtures.
// DOM properties that only exist live (resolved href, current value) are
// read from the corresponding attributes.
func Walk(doc *goquery.Document) []Node {
	var nodes []Node
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nodes
	}

	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				nodes = append(nodes, Node{Kind: KindText, Depth: depth, Text: text})
			}
			return
		case html.ElementNode:
		default:
			return
		}

		tag := strings.ToLower(n.Data)
		if skipped[tag] {
			return
		}
		role := strings.ToLower(attr(n, "role"))
		next := depth
		if IsRole(tag) || IsRole(role) {
			node := Node{Kind: KindElement, Depth: depth, Role: tag}
			if role != "" {
				node.Role = role
			}
			node.Name = firstNonEmpty(attr(n, "aria-label"), attr(n, "alt"), attr(n, "title"))
			if tag == "a" || tag == "area" {
				node.Href = attr(n, "href")
			}
			switch tag {
			case "input":
				node.Value = attr(n, "value")
				node.Type = strings.ToLower(attr(n, "type"))
				if node.Type == "" {
					node.Type = "text"
				}
			case "textarea":
				node.Value = textOf(n)
			case "select":
				node.Value = selectedValue(n)
			}
			nodes = append(nodes, node)
			next = depth + 1
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, next)
		}
	}

	for _, n := range body.Nodes {
		walk(n, 0)
	}
	return nodes
}

// Tree renders the static walk of doc.
func Tree(doc *goquery.Document) string {
	return Render(Walk(doc))
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// selectedValue mirrors HTMLSelectElement.value: the first selected option,
// else the first option; an option without a value attribute uses its text.
func selectedValue(sel *html.Node) string {
	var first, chosen *html.Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil && chosen == nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.Data == "option" {
				if first == nil {
					first = c
				}
				if hasAttr(c, "selected") {
					chosen = c
				}
				continue
			}
			visit(c)
		}
	}
	visit(sel)
	if chosen == nil {
		chosen = first
	}
	if chosen == nil {
		return ""
	}
	if hasAttr(chosen, "value") {
		return attr(chosen, "value")
	}
	return strings.TrimSpace(textOf(chosen))
}
