// Package format flattens agent markdown into chat-friendly plain text.
// WhatsApp renders no markdown at all and Telegram only a subset, so the
// gateway strips structure instead of letting literal asterisks leak into
// the conversation.
package format

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var parser = goldmark.DefaultParser()

// ToPlainText renders markdown source as plain text. Block structure is kept
// as line breaks, list items get a bullet, code blocks are kept verbatim.
func ToPlainText(source string) string {
	src := []byte(source)
	root := parser.Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.HardLineBreak() || node.SoftLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.ListItem:
			if n.PreviousSibling() != nil {
				sb.WriteByte('\n')
			}
			sb.WriteString("• ")
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			sb.Write(node.Text(src))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.List, *ast.Blockquote:
			if n.PreviousSibling() != nil {
				sb.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}
