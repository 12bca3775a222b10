package staging

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

const diffContextLines = 3

// DiffStats counts changed lines in a unified diff
type DiffStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// unifiedDiff renders original -> proposed with a/ and b/ headers named
// after the file's base name.
func unifiedDiff(path, original, proposed string) (string, error) {
	base := filepath.Base(path)
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(proposed),
		FromFile: "a/" + base,
		ToFile:   "b/" + base,
		Context:  diffContextLines,
	})
}

// diffStats parses a single-file unified diff and counts added and removed
// lines across its hunks.
func diffStats(text string) (DiffStats, error) {
	var stats DiffStats
	if strings.TrimSpace(text) == "" {
		return stats, nil
	}

	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return stats, err
	}
	for _, hunk := range fd.Hunks {
		for _, line := range bytes.Split(hunk.Body, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case '+':
				stats.Added++
			case '-':
				stats.Removed++
			}
		}
	}
	return stats, nil
}
