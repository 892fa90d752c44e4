package consolidator

import "math"

// Score weights per spec'd quality model.
const (
	weightConsistency  = 0.30
	weightTestCoverage = 0.25
	weightCodeQuality  = 0.30
	weightEfficiency   = 0.15

	idealMaxLineLength = 120
	idealComplexity    = 20
	testFileBonus      = 0.2
)

// scoreFile computes the per-file dimensions that do not depend on
// other workers. Consistency is filled in afterwards once every
// worker's analysis exists.
func scoreFile(m Metrics) QualityScore {
	s := QualityScore{
		Consistency:  1,
		TestCoverage: scoreTestCoverage(m),
		CodeQuality:  scoreCodeQuality(m),
		Efficiency:   scoreEfficiency(m),
	}
	s.Total = total(s)
	return s
}

func total(s QualityScore) float64 {
	return weightConsistency*s.Consistency +
		weightTestCoverage*s.TestCoverage +
		weightCodeQuality*s.CodeQuality +
		weightEfficiency*s.Efficiency
}

// scoreTestCoverage bounds the tests-to-code ratio and adds a bonus for
// test files themselves.
func scoreTestCoverage(m Metrics) float64 {
	score := clamp01(m.TestRatio)
	if m.IsTestFile {
		score += testFileBonus
	}
	return clamp01(score)
}

// scoreCodeQuality weighs line length against the 120-column ideal,
// complexity against the 20-branch ideal, and the presence of comments.
func scoreCodeQuality(m Metrics) float64 {
	lineLen := 1.0
	if m.MaxLineLength > idealMaxLineLength {
		lineLen = float64(idealMaxLineLength) / float64(m.MaxLineLength)
	}
	complexity := 1.0
	if m.Complexity > idealComplexity {
		complexity = float64(idealComplexity) / float64(m.Complexity)
	}
	comments := 0.0
	if m.HasComments {
		comments = 1.0
	}
	return clamp01(0.4*lineLen + 0.4*complexity + 0.2*comments)
}

// scoreEfficiency is a bounded inverse of the absolute net change: the
// smaller the footprint, the higher the score.
func scoreEfficiency(m Metrics) float64 {
	net := math.Abs(float64(m.NetChange))
	return clamp01(1 / (1 + net/100))
}

// applyConsistency sets each file's consistency dimension: 1 minus the
// standard deviation of the quality contributions of every worker that
// touched the same path. A path touched by one worker keeps the default 1.
func applyConsistency(byPath map[string][]*FileAnalysis) {
	for _, group := range byPath {
		if len(group) < 2 {
			continue
		}
		contributions := make([]float64, len(group))
		for i, fa := range group {
			contributions[i] = fa.Score.CodeQuality
		}
		consistency := clamp01(1 - stddev(contributions))
		for _, fa := range group {
			fa.Score.Consistency = consistency
			fa.Score.Total = total(fa.Score)
		}
	}
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
