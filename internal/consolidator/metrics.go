package consolidator

import (
	"path"
	"regexp"
	"strings"
)

// branchTokens are the control-flow keywords counted as a proxy for
// complexity. Matched on word boundaries so "iffy" does not count.
var branchTokens = regexp.MustCompile(`\b(if|for|case|while|catch|switch|select|elif|else if)\b`)

var commentMarkers = []string{"//", "#", "/*", "*", "--", "<!--"}

// computeMetrics measures one file's diff. All line measurements use
// the added lines, the only content the diff carries in full.
func computeMetrics(f *FileDiff) Metrics {
	added := f.AddedLines()
	addedCount, removedCount := f.Counts()

	m := Metrics{
		LineCount:  len(added),
		IsTestFile: isTestPath(f.Path),
		NetChange:  addedCount - removedCount,
	}

	totalLen := 0
	for _, line := range added {
		trimmed := strings.TrimSpace(line)
		totalLen += len(line)
		if len(line) > m.MaxLineLength {
			m.MaxLineLength = len(line)
		}
		m.Complexity += len(branchTokens.FindAllString(line, -1))
		if !m.HasComments && isCommentLine(trimmed) {
			m.HasComments = true
		}
	}
	if len(added) > 0 {
		m.AvgLineLength = float64(totalLen) / float64(len(added))
	}
	if m.IsTestFile {
		m.TestRatio = 1
	}
	return m
}

// isTestPath applies the test-file heuristics: *_test.* suffixes, test
// directories, and spec-file conventions.
func isTestPath(p string) bool {
	base := path.Base(p)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		stem := base[:i]
		if strings.HasSuffix(stem, "_test") || strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") {
			return true
		}
	}
	lower := strings.ToLower(p)
	for _, dir := range []string{"/tests/", "/test/", "/__tests__/", "/spec/"} {
		if strings.Contains(lower, dir) || strings.HasPrefix(lower, strings.TrimPrefix(dir, "/")) {
			return true
		}
	}
	return false
}

func isCommentLine(trimmed string) bool {
	for _, marker := range commentMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

// fillTestRatios sets each non-test file's tests-to-code ratio from the
// worker's overall diff: test lines added divided by code lines added.
func fillTestRatios(files map[string]*FileAnalysis) {
	testLines, codeLines := 0, 0
	for _, fa := range files {
		if fa.Metrics.IsTestFile {
			testLines += fa.Metrics.LineCount
		} else {
			codeLines += fa.Metrics.LineCount
		}
	}
	if codeLines == 0 {
		return
	}
	ratio := float64(testLines) / float64(codeLines)
	for _, fa := range files {
		if !fa.Metrics.IsTestFile {
			fa.Metrics.TestRatio = ratio
		}
	}
}
