package consolidator

import (
	"regexp"
	"strings"
)

// workerDiff is one participant's parsed diff, indexed by path.
type workerDiff struct {
	workerID string
	files    map[string]*FileDiff
}

// detectConflicts inspects every pair of participants that touched the
// same path and classifies their collisions.
func detectConflicts(diffs []workerDiff) []ConflictRecord {
	var conflicts []ConflictRecord
	for i := 0; i < len(diffs); i++ {
		for j := i + 1; j < len(diffs); j++ {
			a, b := diffs[i], diffs[j]
			for p, fa := range a.files {
				fb, shared := b.files[p]
				if !shared {
					continue
				}
				conflicts = append(conflicts, classifyPair(p, a.workerID, b.workerID, fa, fb)...)
			}
		}
	}
	return conflicts
}

// classifyPair produces all conflict records for one path touched by
// two workers.
func classifyPair(path, workerA, workerB string, a, b *FileDiff) []ConflictRecord {
	var out []ConflictRecord

	if a.Deleted != b.Deleted {
		out = append(out, ConflictRecord{
			Path:    path,
			Type:    ConflictDeleteModify,
			WorkerA: workerA,
			WorkerB: workerB,
			HunkA:   firstHunk(a),
			HunkB:   firstHunk(b),
		})
		return out
	}
	if a.Deleted && b.Deleted {
		return nil
	}

	for _, ha := range a.Hunks {
		for _, hb := range b.Hunks {
			if ov, ok := overlap(ha.baseRange(), hb.baseRange()); ok {
				out = append(out, ConflictRecord{
					Path:    path,
					Type:    ConflictSameLine,
					WorkerA: workerA,
					WorkerB: workerB,
					HunkA:   ha,
					HunkB:   hb,
					Overlap: ov,
				})
			}
		}
	}

	out = append(out, declarationConflicts(path, workerA, workerB, a, b)...)
	return out
}

func firstHunk(f *FileDiff) Hunk {
	if len(f.Hunks) > 0 {
		return f.Hunks[0]
	}
	return Hunk{}
}

// Declaration patterns cover the bindings the analyzer can match by
// name across two diffs: imports, exports, and signatures.
var (
	importPattern    = regexp.MustCompile(`^\s*(?:import\s+(?:\w+\s+)?"(?:[^"]*/)?([\w.-]+)"|import\s+\{?\s*([\w$]+)|from\s+([\w.]+)\s+import|const\s+([\w$]+)\s*=\s*require\()`)
	exportPattern    = regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:const|let|var|function|class|interface|type|enum)?\s*([\w$]+)`)
	signaturePattern = regexp.MustCompile(`^\s*(?:func\s+(?:\([^)]*\)\s*)?([\w$]+)\s*\(|(?:async\s+)?function\s+([\w$]+)\s*\(|def\s+([\w$]+)\s*\(|class\s+([\w$]+)[\s({:]|interface\s+([\w$]+)[\s{])`)
)

// declarationConflicts finds import, export, and structural collisions:
// both sides add a binding with the same name but different text.
func declarationConflicts(path, workerA, workerB string, a, b *FileDiff) []ConflictRecord {
	var out []ConflictRecord
	out = append(out, bindingConflicts(path, workerA, workerB, a, b, importPattern, ConflictImport)...)
	out = append(out, bindingConflicts(path, workerA, workerB, a, b, exportPattern, ConflictExport)...)
	out = append(out, bindingConflicts(path, workerA, workerB, a, b, signaturePattern, ConflictStructural)...)
	return out
}

// binding is one named declaration added by a hunk.
type binding struct {
	name string
	line string
	hunk Hunk
}

func bindingConflicts(path, workerA, workerB string, a, b *FileDiff, pattern *regexp.Regexp, kind ConflictType) []ConflictRecord {
	added := collectBindings(a, pattern)
	if len(added) == 0 {
		return nil
	}
	var out []ConflictRecord
	for _, bb := range collectBindings(b, pattern) {
		ba, shared := added[bb.name]
		if !shared || strings.TrimSpace(ba.line) == strings.TrimSpace(bb.line) {
			continue
		}
		out = append(out, ConflictRecord{
			Path:    path,
			Type:    kind,
			WorkerA: workerA,
			WorkerB: workerB,
			HunkA:   ba.hunk,
			HunkB:   bb.hunk,
			Detail:  bb.name,
		})
	}
	return out
}

// collectBindings extracts named declarations from a diff's added lines.
func collectBindings(f *FileDiff, pattern *regexp.Regexp) map[string]binding {
	out := make(map[string]binding)
	for _, h := range f.Hunks {
		for _, line := range h.Added {
			m := pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := firstGroup(m)
			if name == "" {
				continue
			}
			if _, dup := out[name]; !dup {
				out[name] = binding{name: name, line: line, hunk: h}
			}
		}
	}
	return out
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// recommendStrategy derives the default merge strategy from the
// conflict mix: deletions force manual review, pure import/export
// collisions union cleanly, a same-line majority goes to voting.
func recommendStrategy(conflicts []ConflictRecord) string {
	if len(conflicts) == 0 {
		return "auto"
	}
	counts := make(map[ConflictType]int)
	for _, c := range conflicts {
		counts[c.Type]++
	}
	if counts[ConflictDeleteModify] > 0 {
		return "manual"
	}
	if counts[ConflictImport]+counts[ConflictExport] == len(conflicts) {
		return "union"
	}
	if counts[ConflictSameLine]*2 >= len(conflicts) {
		return "voting"
	}
	return "manual"
}
