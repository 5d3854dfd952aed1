// ABOUTME: Markdown rendering for assistant messages using goldmark.
// ABOUTME: Raw HTML in the input is not rendered, so model output cannot inject markup.
package web

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
)

// markdownToHTML converts a markdown string to HTML.
func markdownToHTML(input string) template.HTML {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(input), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(input))
	}
	return template.HTML(buf.String())
}
