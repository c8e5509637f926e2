// Package workingset implements the iterative MMR-based working-set
// assembler: given a WorkingSetSpec it queries the kernel's memory lanes,
// expands and scores candidates, applies diversity selection, and either
// streams per-iteration progress on the bus or returns one synchronous
// result.
package workingset

import "github.com/arwlocal/runtime/internal/app/core"

// Spec is the mutable assembly configuration; Adjust produces the next
// iteration's spec per the between-iteration adjustment rules.
type Spec struct {
	Query             string
	Embed             []float32
	Lanes             []string
	PrimaryLanes      []string
	Limit             int
	ExpandQueryTopK   int
	ExpandPerSeed     int
	MinScore          float64
	LaneBonus         float64
	DiversityLambda   float64
	MaxIterations     int
	ExpandQuery       bool
	Debug             bool
	Stream            bool
	IncludeSources    bool
	CorrID            string
	Project           string
}

// DefaultLanes is unioned in when fewer than two lanes are represented
// after an iteration, per the spec-adjustment rule.
var DefaultLanes = []string{"episodic", "semantic", "procedural"}

const (
	maxLimit           = 256
	maxExpandPerSeed   = 16
	minScoreFloor      = 0.01
	maxLaneBonus       = 0.30
	minDiversityLambda = 0.4
)

// Normalize clamps fields to their valid ranges and fills defaults.
func (s *Spec) Normalize() {
	if s.Limit <= 0 {
		s.Limit = 20
	}
	if s.Limit > maxLimit {
		s.Limit = maxLimit
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = 1
	}
	if s.MaxIterations > 6 {
		s.MaxIterations = 6
	}
	if s.DiversityLambda <= 0 {
		s.DiversityLambda = 0.5
	}
	if s.MinScore <= 0 {
		s.MinScore = 0.1
	}
	if len(s.Lanes) == 0 {
		s.Lanes = append([]string{}, DefaultLanes...)
	}
}

// Adjust returns the spec used for the next iteration after a needs_more
// verdict, applying every rule in §4.6 in order, then re-normalizing.
func (s Spec) Adjust(iterationIndex int) Spec {
	next := s
	next.Limit += 4
	if next.Limit > maxLimit {
		next.Limit = maxLimit
	}
	next.ExpandPerSeed++
	if next.ExpandPerSeed > maxExpandPerSeed {
		next.ExpandPerSeed = maxExpandPerSeed
	}
	next.MinScore *= 0.9
	if next.MinScore < minScoreFloor {
		next.MinScore = minScoreFloor
	}
	next.LaneBonus += 0.02
	if next.LaneBonus > maxLaneBonus {
		next.LaneBonus = maxLaneBonus
	}
	next.ExpandQuery = true
	if countDistinct(next.Lanes) < 2 {
		next.Lanes = unionLanes(next.Lanes, DefaultLanes)
	}
	if iterationIndex >= 1 {
		next.DiversityLambda *= 0.95
		if next.DiversityLambda < minDiversityLambda {
			next.DiversityLambda = minDiversityLambda
		}
	}
	next.Normalize()
	return next
}

func countDistinct(lanes []string) int {
	seen := make(map[string]struct{}, len(lanes))
	for _, l := range lanes {
		seen[l] = struct{}{}
	}
	return len(seen)
}

func unionLanes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, l := range append(append([]string{}, a...), b...) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Candidate is a memory item carrying the bookkeeping the assembler needs
// beyond core.MemoryItem's own Score field.
type Candidate struct {
	Item          core.MemoryItem
	EffectiveScore float64
	Origin        string // "seed", "expand_query", "expand_per_seed"
}

// Coverage is the pure (spec, items) -> verdict predicate.
type Coverage struct {
	NeedsMore bool
	Reasons   []string
}

// EvaluateCoverage applies the heuristics named in §4.6: too few items, too
// few distinct lanes, a lane underrepresented relative to its request, or
// low aggregate score.
func EvaluateCoverage(spec Spec, candidates []Candidate) Coverage {
	var reasons []string
	if len(candidates) < spec.Limit/2 {
		reasons = append(reasons, "too_few_items")
	}
	laneCounts := make(map[string]int)
	for _, c := range candidates {
		laneCounts[c.Item.Lane]++
	}
	if countDistinct(spec.Lanes) >= 2 && len(laneCounts) < 2 {
		reasons = append(reasons, "too_few_lanes")
	}
	for _, lane := range spec.PrimaryLanes {
		if laneCounts[lane] == 0 {
			reasons = append(reasons, "lane_underrepresented:"+lane)
		}
	}
	var total float64
	for _, c := range candidates {
		total += c.EffectiveScore
	}
	if len(candidates) > 0 && total/float64(len(candidates)) < spec.MinScore*1.5 {
		reasons = append(reasons, "low_aggregate_score")
	}
	return Coverage{NeedsMore: len(reasons) > 0, Reasons: reasons}
}
