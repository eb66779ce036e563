package editor

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FormatOptions tunes context rendering. Hidden holds doublestar glob
// patterns; files whose path matches one are rendered without content.
type FormatOptions struct {
	Hidden []string
}

// Format renders the editor context as a plain-text block for the agent.
// Inline fields take precedence over the stored record field by field. The
// block order is fixed: cursor, selection, open files, diagnostics. Returns
// the empty string when no context is available.
func Format(inline *Update, stored *Context, opts FormatOptions) string {
	cursor, selection, files, diagnostics := merge(inline, stored)

	var blocks []string

	if cursor != nil {
		blocks = append(blocks, fmt.Sprintf("Cursor: %s:%d:%d", cursor.Path, cursor.Line, cursor.Column))
	}

	if selection != nil {
		blocks = append(blocks, fmt.Sprintf("Selected text in %s (lines %d-%d):\n```\n%s\n```",
			selection.Path, selection.StartLine, selection.EndLine, selection.Text))
	}

	for _, f := range files {
		if f.Content != "" && !hidden(f.Path, opts.Hidden) {
			blocks = append(blocks, fmt.Sprintf("File: %s\n```%s\n%s\n```", f.Path, f.Language, f.Content))
		} else {
			blocks = append(blocks, fmt.Sprintf("Open file: %s", f.Path))
		}
	}

	if len(diagnostics) > 0 {
		lines := make([]string, 0, len(diagnostics)+1)
		lines = append(lines, "Diagnostics:")
		for _, d := range diagnostics {
			lines = append(lines, fmt.Sprintf("  [%s] %s:%d - %s", d.Severity, d.Path, d.Line, d.Message))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	return strings.Join(blocks, "\n")
}

// merge picks each field from the inline update when present, falling back
// to the stored record.
func merge(inline *Update, stored *Context) (*Cursor, *Selection, []File, []Diagnostic) {
	var cursor *Cursor
	var selection *Selection
	var files []File
	var diagnostics []Diagnostic

	if stored != nil {
		cursor = stored.Cursor
		selection = stored.Selection
		files = stored.Files
		diagnostics = stored.Diagnostics
	}
	if inline != nil {
		if inline.Cursor != nil {
			cursor = inline.Cursor
		}
		if inline.Selection != nil {
			selection = inline.Selection
		}
		if inline.Files != nil {
			files = inline.Files
		}
		if inline.Diagnostics != nil {
			diagnostics = inline.Diagnostics
		}
	}
	return cursor, selection, files, diagnostics
}

func hidden(path string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}
