package approval

import (
	"fmt"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// maxDiffLines caps the diff shown in approval prompts so chat channels
// stay readable.
const maxDiffLines = 200

// WriteDiff renders a unified diff of a proposed file write for the
// approval prompt. Missing files render as a "New file" header followed
// by the full proposed content.
func WriteDiff(path, proposed string) string {
	current, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return truncateDiff(fmt.Sprintf("New file: %s\n%s", path, proposed))
		}
		return fmt.Sprintf("Write to %s (current content unreadable: %v)", path, err)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(proposed),
		FromFile: path,
		ToFile:   path + " (proposed)",
		Context:  3,
	}

	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("Write to %s (diff unavailable: %v)", path, err)
	}
	if text == "" {
		return fmt.Sprintf("Write to %s (no changes)", path)
	}

	return truncateDiff(text)
}

func truncateDiff(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= maxDiffLines {
		return text
	}
	omitted := len(lines) - maxDiffLines
	return strings.Join(lines[:maxDiffLines], "\n") + fmt.Sprintf("\n... (%d more lines)", omitted)
}
