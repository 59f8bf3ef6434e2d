package approval

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line kinds in a preview.
const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// MaxPreviewLines bounds the combined size of the two sides of a preview.
const MaxPreviewLines = 5000

// PreviewLine is one line of a line-level diff.
type PreviewLine struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// PatchPreview is the rendered diff of a patch approval.
type PatchPreview struct {
	FilePath  string        `json:"file_path"`
	Summary   string        `json:"summary,omitempty"`
	Lines     []PreviewLine `json:"lines"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Preview diffs the original and patched content of a patch or file_write
// approval line by line.
func Preview(a *PendingApproval) (*PatchPreview, error) {
	patch, err := a.Patch()
	if err != nil {
		return nil, err
	}

	p := &PatchPreview{FilePath: patch.FilePath, Summary: patch.PatchSummary}
	if lineCount(patch.OriginalContent)+lineCount(patch.PatchedContent) > MaxPreviewLines {
		p.Truncated = true
		return p, nil
	}

	p.Lines = diffLines(patch.OriginalContent, patch.PatchedContent)
	for _, l := range p.Lines {
		switch l.Type {
		case LineAdded:
			p.Added++
		case LineRemoved:
			p.Removed++
		}
	}
	return p, nil
}

// String renders the preview in a unified-diff-like form.
func (p *PatchPreview) String() string {
	var b strings.Builder
	b.WriteString("--- " + p.FilePath + "\n")
	b.WriteString("+++ " + p.FilePath + "\n")
	if p.Truncated {
		b.WriteString("(diff too large to display)\n")
		return b.String()
	}
	for _, l := range p.Lines {
		switch l.Type {
		case LineAdded:
			b.WriteByte('+')
		case LineRemoved:
			b.WriteByte('-')
		default:
			b.WriteByte(' ')
		}
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func diffLines(before, after string) []PreviewLine {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []PreviewLine
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		chunk := strings.Split(d.Text, "\n")
		if len(chunk) > 0 && chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		for _, text := range chunk {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, PreviewLine{Type: LineContext, Text: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, PreviewLine{Type: LineRemoved, Text: text, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, PreviewLine{Type: LineAdded, Text: text, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
