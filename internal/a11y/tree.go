// Package a11y renders a compact, indentation-based text outline of the
// interactive and textual content of a document. It is not the browser's
// native accessibility tree: roles come from tag names or explicit role
// attributes and names from aria-label, alt or title.
package a11y

import (
	_ "embed"
	"strings"
)

// Script is the page function that walks the live document from <body> and
// returns the visited nodes in document order as a JSON array of Node.
//
//go:embed walk.js
var Script string

// MaxTextLen is the number of characters kept from each text node.
const MaxTextLen = 100

// Node kinds.
const (
	KindText    = "text"
	KindElement = "element"
)

// Node is one rendered line of the tree.
type Node struct {
	Kind  string `json:"kind"`
	Depth int    `json:"depth"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
	Href  string `json:"href,omitempty"`
	Value string `json:"value,omitempty"`
	Type  string `json:"type,omitempty"`
	Text  string `json:"text,omitempty"`
}

var roles = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"img": true, "label": true,
}

// IsRole reports whether a tag name or role attribute value opens a line.
func IsRole(name string) bool {
	return roles[strings.ToLower(name)]
}

// Render joins the lines for nodes, two spaces of indent per depth level.
// Blank lines are dropped.
func Render(nodes []Node) string {
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		line := n.line()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.Repeat("  ", max(n.Depth, 0))+line)
	}
	return strings.Join(lines, "\n")
}

func (n Node) line() string {
	if n.Kind == KindText {
		text := oneLine(truncate(strings.TrimSpace(n.Text), MaxTextLen))
		if text == "" {
			return ""
		}
		return `text: "` + text + `"`
	}

	var b strings.Builder
	b.WriteString(n.Role)
	if n.Name != "" {
		b.WriteString(` "` + n.Name + `"`)
	}
	if n.Href != "" {
		b.WriteString(" href=" + n.Href)
	}
	if n.Value != "" {
		b.WriteString(" value=" + n.Value)
	}
	if n.Type != "" {
		b.WriteString(" type=" + n.Type)
	}
	return b.String()
}

var lineBreaks = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// oneLine escapes line breaks so each node stays on its own line. Other
// whitespace is kept as is.
func oneLine(s string) string {
	return lineBreaks.Replace(s)
}

func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
