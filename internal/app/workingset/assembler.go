package workingset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
)

// IterationSummary is the per-iteration record returned synchronously and
// emitted as working_set.iteration.summary when streaming.
type IterationSummary struct {
	Iteration  int            `json:"iteration"`
	LaneCounts map[string]int `json:"lane_counts"`
	Coverage   Coverage       `json:"coverage"`
}

// Result is the synchronous contract: one JSON object summarizing every
// iteration plus the final selection.
type Result struct {
	Items      []core.MemoryItem  `json:"items"`
	Counts     map[string]int     `json:"counts"`
	Seeds      []core.MemoryItem  `json:"seeds,omitempty"`
	Expanded   []core.MemoryItem  `json:"expanded,omitempty"`
	Summary    IterationSummary   `json:"summary"`
	Iterations []IterationSummary `json:"iterations"`
	Coverage   Coverage           `json:"coverage"`
	FinalSpec  Spec               `json:"final_spec"`
}

// Assembler runs the iterative MMR-based working-set assembly described in
// §4.6, optionally streaming per-iteration progress on eventBus.
type Assembler struct {
	selector *Selector
	eventBus *bus.Bus
}

// New builds an Assembler over selector, publishing progress on eventBus
// (nil disables streaming even if the spec requests it).
func New(selector *Selector, eventBus *bus.Bus) *Assembler {
	return &Assembler{selector: selector, eventBus: eventBus}
}

// Run executes up to spec.MaxIterations rounds, adjusting the spec between
// rounds while the coverage predicate says needs_more, and returns the
// final selection.
func (a *Assembler) Run(ctx context.Context, spec Spec) (Result, error) {
	spec.Normalize()
	a.emit(ctx, spec, 0, "working_set.started", nil)

	var (
		lastCandidates []Candidate
		lastSeeds      []Candidate
		lastExpanded   []Candidate
		iterations     []IterationSummary
		coverage       Coverage
	)

	for iter := 0; iter < spec.MaxIterations; iter++ {
		seeds, err := a.collectSeeds(ctx, spec)
		if err != nil {
			a.emit(ctx, spec, iter, "working_set.error", map[string]any{"error": err.Error()})
			return Result{}, fmt.Errorf("workingset: collect seeds: %w", err)
		}
		lastSeeds = seeds
		a.emitSources(ctx, spec, iter, "working_set.seed", seeds)

		expanded := seeds
		if spec.ExpandQuery {
			queries := ExpandQueries(seeds, spec.ExpandQueryTopK)
			for _, q := range queries {
				a.emit(ctx, spec, iter, "working_set.expand_query", map[string]any{"query": q})
				more, err := a.collectSeedsForQuery(ctx, spec, q)
				if err != nil {
					continue
				}
				expanded = append(expanded, more...)
			}
		}
		perSeedExpanded := a.expandPerSeed(ctx, spec, expanded)
		expanded = append(expanded, perSeedExpanded...)
		lastExpanded = expanded
		a.emitSources(ctx, spec, iter, "working_set.expanded", expanded)

		scored := score(expanded, spec)
		selected := selectDiverse(scored, spec.DiversityLambda, spec.Limit)
		lastCandidates = selected
		a.emit(ctx, spec, iter, "working_set.selected", map[string]any{"count": len(selected)})

		coverage = EvaluateCoverage(spec, selected)
		summary := IterationSummary{Iteration: iter, LaneCounts: laneCounts(selected), Coverage: coverage}
		iterations = append(iterations, summary)
		a.emit(ctx, spec, iter, "working_set.iteration.summary", map[string]any{
			"lane_counts": summary.LaneCounts,
			"coverage":    coverage,
		})

		if !coverage.NeedsMore || iter == spec.MaxIterations-1 {
			break
		}
		spec = spec.Adjust(iter)
	}

	items := make([]core.MemoryItem, 0, len(lastCandidates))
	for _, c := range lastCandidates {
		items = append(items, c.Item)
	}
	result := Result{
		Items:      items,
		Counts:     laneCounts(lastCandidates),
		Summary:    iterations[len(iterations)-1],
		Iterations: iterations,
		Coverage:   coverage,
		FinalSpec:  spec,
	}
	if spec.IncludeSources {
		result.Seeds = toItems(lastSeeds)
		result.Expanded = toItems(lastExpanded)
	}
	a.emit(ctx, spec, len(iterations)-1, "working_set.completed", map[string]any{"count": len(items)})
	return result, nil
}

func (a *Assembler) collectSeeds(ctx context.Context, spec Spec) ([]Candidate, error) {
	return a.collectSeedsForQuery(ctx, spec, spec.Query)
}

func (a *Assembler) collectSeedsForQuery(ctx context.Context, spec Spec, query string) ([]Candidate, error) {
	origin := "seed"
	if query != spec.Query {
		origin = "expand_query"
	}
	var out []Candidate
	for _, lane := range spec.Lanes {
		items, err := a.selector.Query(ctx, query, spec.Embed, lane, spec.Limit)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out = append(out, Candidate{Item: item, Origin: origin})
		}
	}
	return out, nil
}

func (a *Assembler) expandPerSeed(ctx context.Context, spec Spec, seeds []Candidate) []Candidate {
	if spec.ExpandPerSeed <= 0 {
		return nil
	}
	var out []Candidate
	for _, seed := range seeds {
		items, err := a.selector.Query(ctx, seed.Item.Text, spec.Embed, seed.Item.Lane, spec.ExpandPerSeed)
		if err != nil {
			continue
		}
		for _, item := range items {
			if item.ID == seed.Item.ID {
				continue
			}
			out = append(out, Candidate{Item: item, Origin: "expand_per_seed"})
		}
	}
	return out
}

func score(candidates []Candidate, spec Spec) []Candidate {
	isPrimary := make(map[string]bool, len(spec.PrimaryLanes))
	for _, l := range spec.PrimaryLanes {
		isPrimary[l] = true
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Item.ID]; dup {
			continue
		}
		seen[c.Item.ID] = struct{}{}
		effective := c.Item.Score
		if isPrimary[c.Item.Lane] {
			effective += spec.LaneBonus
		}
		if effective < spec.MinScore {
			continue
		}
		c.EffectiveScore = effective
		out = append(out, c)
	}
	return out
}

func laneCounts(candidates []Candidate) map[string]int {
	out := make(map[string]int)
	for _, c := range candidates {
		out[c.Item.Lane]++
	}
	return out
}

func toItems(candidates []Candidate) []core.MemoryItem {
	out := make([]core.MemoryItem, len(candidates))
	for i, c := range candidates {
		out[i] = c.Item
	}
	return out
}

func (a *Assembler) emit(ctx context.Context, spec Spec, iteration int, kind string, payload map[string]any) {
	if !spec.Stream || a.eventBus == nil {
		return
	}
	envelope := map[string]any{"iteration": iteration}
	if spec.CorrID != "" {
		envelope["corr_id"] = spec.CorrID
	}
	if spec.Project != "" {
		envelope["project"] = spec.Project
	}
	if spec.Query != "" {
		envelope["query"] = spec.Query
	}
	if payload != nil {
		envelope["payload"] = payload
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	_, _ = a.eventBus.Publish(ctx, core.Event{Kind: kind, Payload: raw, CorrID: spec.CorrID})
}

func (a *Assembler) emitSources(ctx context.Context, spec Spec, iteration int, kind string, candidates []Candidate) {
	if !spec.IncludeSources {
		return
	}
	a.emit(ctx, spec, iteration, kind, map[string]any{"count": len(candidates)})
}
