package consolidator

import (
	"strconv"
	"strings"
)

// Hunk is one contiguous change region in a unified diff. OldStart and
// OldLines address the base revision; Added and Removed carry the line
// bodies without their +/- markers.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// baseRange returns the hunk's base-revision line range, inclusive. A
// pure insertion occupies the single line after which it applies.
func (h Hunk) baseRange() LineRange {
	end := h.OldStart + h.OldLines - 1
	if h.OldLines == 0 {
		end = h.OldStart
	}
	return LineRange{Start: h.OldStart, End: end}
}

// overlap returns the intersection of two base ranges and whether it is
// non-empty.
func overlap(a, b LineRange) (LineRange, bool) {
	start := max(a.Start, b.Start)
	end := min(a.End, b.End)
	if start > end {
		return LineRange{}, false
	}
	return LineRange{Start: start, End: end}, true
}

// FileDiff is one file's portion of a unified diff.
type FileDiff struct {
	Path    string
	OldPath string
	Created bool
	Deleted bool
	Hunks   []Hunk
}

// AddedLines returns all added line bodies across hunks.
func (f *FileDiff) AddedLines() []string {
	var out []string
	for _, h := range f.Hunks {
		out = append(out, h.Added...)
	}
	return out
}

// Counts returns total added and removed line counts.
func (f *FileDiff) Counts() (added, removed int) {
	for _, h := range f.Hunks {
		added += len(h.Added)
		removed += len(h.Removed)
	}
	return added, removed
}

// parseUnifiedDiff splits a multi-file unified diff (git format) into
// per-file diffs. Unknown header lines are skipped; a malformed hunk
// header ends the current file rather than failing the whole parse.
func parseUnifiedDiff(diff string) []*FileDiff {
	var files []*FileDiff
	var current *FileDiff
	var hunk *Hunk

	flushHunk := func() {
		if current != nil && hunk != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushHunk()
			current = &FileDiff{Path: parseGitDiffPath(line)}
			files = append(files, current)

		case strings.HasPrefix(line, "new file mode"):
			if current != nil {
				current.Created = true
			}

		case strings.HasPrefix(line, "deleted file mode"):
			if current != nil {
				current.Deleted = true
			}

		case strings.HasPrefix(line, "--- "):
			if current != nil {
				current.OldPath = strings.TrimPrefix(strings.TrimPrefix(line[4:], "a/"), "b/")
				if current.OldPath == "/dev/null" {
					current.Created = true
				}
			}

		case strings.HasPrefix(line, "+++ "):
			if current != nil {
				p := strings.TrimPrefix(line[4:], "b/")
				if p == "/dev/null" {
					current.Deleted = true
				} else if current.Path == "" {
					current.Path = p
				}
			}

		case strings.HasPrefix(line, "@@"):
			flushHunk()
			if current == nil {
				continue
			}
			h, ok := parseHunkHeader(line)
			if !ok {
				current = nil
				continue
			}
			hunk = &h

		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Added = append(hunk.Added, line[1:])

		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Removed = append(hunk.Removed, line[1:])
		}
	}
	flushHunk()

	out := files[:0]
	for _, f := range files {
		if f.Path == "" {
			f.Path = f.OldPath
		}
		if f.Path != "" && f.Path != "/dev/null" {
			out = append(out, f)
		}
	}
	return out
}

// parseGitDiffPath extracts the b/ path from a "diff --git a/x b/x" line.
func parseGitDiffPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ""
	}
	return strings.TrimPrefix(fields[3], "b/")
}

// parseHunkHeader parses "@@ -oldStart,oldLines +newStart,newLines @@".
func parseHunkHeader(line string) (Hunk, bool) {
	inner := strings.TrimPrefix(line, "@@")
	end := strings.Index(inner, "@@")
	if end < 0 {
		return Hunk{}, false
	}
	fields := strings.Fields(inner[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return Hunk{}, false
	}
	oldStart, oldLines, ok := parseRange(fields[0][1:])
	if !ok {
		return Hunk{}, false
	}
	newStart, newLines, ok := parseRange(fields[1][1:])
	if !ok {
		return Hunk{}, false
	}
	return Hunk{OldStart: oldStart, OldLines: oldLines, NewStart: newStart, NewLines: newLines}, true
}

// parseRange parses "start,count" where count defaults to 1.
func parseRange(s string) (start, count int, ok bool) {
	count = 1
	if i := strings.IndexByte(s, ','); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, 0, false
		}
		count = n
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return n, count, true
}
