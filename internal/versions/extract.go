package versions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extractor derives the searchable plain text of a panel's content.
type Extractor func(content json.RawMessage) (string, error)

// inline node types that never end a line by themselves.
var inlineTypes = map[string]bool{
	"text":      true,
	"mention":   true,
	"emoji":     true,
	"hardBreak": true,
	"image":     true,
}

// RichTextExtractor walks ProseMirror/TipTap style JSON trees:
//
//	{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hi"}]}]}
//
// Text nodes are concatenated; each block node ends a line; hardBreak is a
// newline. A bare JSON string is returned as is, and a top-level array is
// treated as a list of nodes.
func RichTextExtractor(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	var root any
	if err := json.Unmarshal(content, &root); err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	if s, ok := root.(string); ok {
		return strings.TrimSpace(s), nil
	}

	w := &textWalker{}
	w.walk(root)
	w.endLine()
	return strings.Join(w.lines, "\n"), nil
}

type textWalker struct {
	lines []string
	line  strings.Builder
}

func (w *textWalker) walk(v any) {
	switch node := v.(type) {
	case []any:
		for _, child := range node {
			w.walk(child)
		}
	case map[string]any:
		typ, _ := node["type"].(string)
		if typ == "hardBreak" {
			w.endLine()
			return
		}
		if text, ok := node["text"].(string); ok {
			w.line.WriteString(text)
		}
		if children, ok := node["content"].([]any); ok {
			for _, child := range children {
				w.walk(child)
			}
		}
		if typ != "" && !inlineTypes[typ] {
			w.endLine()
		}
	}
}

func (w *textWalker) endLine() {
	if s := strings.TrimSpace(w.line.String()); s != "" {
		w.lines = append(w.lines, s)
	}
	w.line.Reset()
}
