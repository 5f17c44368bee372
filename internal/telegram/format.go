package telegram

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// escapeText escapes the three characters Telegram HTML requires.
var escapeText = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace

// inlineTags maps rendered HTML elements to the tag Telegram accepts.
var inlineTags = map[atom.Atom]string{
	atom.B:      "b",
	atom.Strong: "b",
	atom.I:      "i",
	atom.Em:     "i",
	atom.U:      "u",
	atom.S:      "s",
	atom.Del:    "s",
	atom.Code:   "code",
}

// FormatHTML renders model markdown as the HTML subset the Bot API
// accepts with parse_mode HTML. Unsupported elements are flattened to
// their text.
func FormatHTML(md string) string {
	var rendered bytes.Buffer
	if err := markdown.Convert([]byte(md), &rendered); err != nil {
		return escapeText(md)
	}
	nodes, err := html.ParseFragment(&rendered, &html.Node{Type: html.ElementNode, DataAtom: atom.Body, Data: "body"})
	if err != nil {
		return escapeText(md)
	}

	var w strings.Builder
	for _, n := range nodes {
		writeNode(&w, n, 0)
	}
	return cleanBlankLines(w.String())
}

func writeNode(w *strings.Builder, n *html.Node, listIndex int) {
	switch n.Type {
	case html.TextNode:
		w.WriteString(escapeText(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	if tag, ok := inlineTags[n.DataAtom]; ok {
		w.WriteString("<" + tag + ">")
		writeChildren(w, n)
		w.WriteString("</" + tag + ">")
		return
	}

	switch n.DataAtom {
	case atom.A:
		href := attr(n, "href")
		if href == "" {
			writeChildren(w, n)
			return
		}
		w.WriteString(`<a href="` + html.EscapeString(href) + `">`)
		writeChildren(w, n)
		w.WriteString("</a>")
	case atom.Pre:
		w.WriteString("<pre>")
		w.WriteString(escapeText(strings.TrimRight(textContent(n), "\n")))
		w.WriteString("</pre>\n\n")
	case atom.Blockquote:
		w.WriteString("<blockquote>")
		var inner strings.Builder
		writeChildren(&inner, n)
		w.WriteString(strings.TrimSpace(inner.String()))
		w.WriteString("</blockquote>\n\n")
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.WriteString("<b>")
		writeChildren(w, n)
		w.WriteString("</b>\n\n")
	case atom.P:
		writeChildren(w, n)
		w.WriteString("\n\n")
	case atom.Br:
		w.WriteString("\n")
	case atom.Hr:
		w.WriteString("———\n\n")
	case atom.Ul, atom.Ol:
		i := 0
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Li {
				i++
				if n.DataAtom == atom.Ol {
					writeNode(w, c, i)
				} else {
					writeNode(w, c, 0)
				}
			}
		}
		w.WriteString("\n")
	case atom.Li:
		if listIndex > 0 {
			w.WriteString(strconv.Itoa(listIndex) + ". ")
		} else {
			w.WriteString("• ")
		}
		var inner strings.Builder
		writeChildren(&inner, n)
		w.WriteString(strings.TrimSpace(inner.String()))
		w.WriteString("\n")
	default:
		writeChildren(w, n)
	}
}

func writeChildren(w *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(w, c, 0)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// cleanBlankLines collapses runs of blank lines and trims the result.
func cleanBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	prevEmpty := false
	for _, line := range lines {
		empty := strings.TrimSpace(line) == ""
		if empty && prevEmpty {
			continue
		}
		prevEmpty = empty
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
