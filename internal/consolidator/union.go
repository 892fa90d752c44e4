package consolidator

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// unionMerge synthesizes a union of two file versions: shared lines
// appear once, lines unique to either side are kept. Used for
// import/export conflicts where both sides' additions are wanted.
func unionMerge(ours, theirs string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(ours, theirs)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		// Equal once, deletions (ours-only) and insertions (theirs-only)
		// both survive.
		out.WriteString(d.Text)
	}
	return out.String()
}
