// ABOUTME: Markdown rendering for outgoing messages
// ABOUTME: Converts backend markdown to the HTML body chat transports display

package delivery

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Rendered is an outgoing message body in plain and formatted form.
type Rendered struct {
	Text string
	HTML string
}

// Renderer converts markdown into a Rendered body.
type Renderer interface {
	Render(markdown string) Rendered
}

// MarkdownRenderer renders CommonMark with GitHub extensions via goldmark.
type MarkdownRenderer struct {
	md goldmark.Markdown
}

// NewMarkdownRenderer creates a renderer with tables, strikethrough,
// autolinks and task lists enabled.
func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts markdown to HTML. On failure only the plain text is set.
func (r *MarkdownRenderer) Render(markdown string) Rendered {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return Rendered{Text: markdown}
	}
	return Rendered{Text: markdown, HTML: string(bytes.TrimSpace(buf.Bytes()))}
}

// PlainRenderer passes text through without formatting.
type PlainRenderer struct{}

func (PlainRenderer) Render(text string) Rendered {
	return Rendered{Text: text}
}
