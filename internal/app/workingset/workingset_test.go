package workingset

import (
	"context"
	"testing"

	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

func seedStore(t *testing.T) storage.MemoryStore {
	t.Helper()
	store := storage.New()
	ctx := context.Background()
	items := []core.MemoryItem{
		{Lane: "episodic", Text: "deploy runbook for staging", Score: 0.9},
		{Lane: "episodic", Text: "deploy runbook for production", Score: 0.8},
		{Lane: "semantic", Text: "kubernetes networking overview", Score: 0.7},
	}
	for _, item := range items {
		if _, err := store.PutMemoryItem(ctx, item); err != nil {
			t.Fatalf("put memory item: %v", err)
		}
	}
	return store
}

func TestAssemblerRunReturnsRankedItems(t *testing.T) {
	store := seedStore(t)
	assembler := New(NewSelector(store), nil)

	result, err := assembler.Run(context.Background(), Spec{
		Query:         "deploy runbook",
		Lanes:         []string{"episodic", "semantic"},
		PrimaryLanes:  []string{"episodic"},
		Limit:         5,
		MaxIterations: 1,
		MinScore:      0.01,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Items) == 0 {
		t.Fatal("expected at least one item")
	}
	if len(result.Iterations) != 1 {
		t.Fatalf("expected 1 iteration summary, got %d", len(result.Iterations))
	}
}

func TestSpecAdjustAppliesRulesAndCaps(t *testing.T) {
	spec := Spec{Limit: 254, ExpandPerSeed: 15, MinScore: 0.02, LaneBonus: 0.29, DiversityLambda: 0.5, Lanes: []string{"episodic"}}
	next := spec.Adjust(1)

	if next.Limit != maxLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxLimit, next.Limit)
	}
	if next.ExpandPerSeed != maxExpandPerSeed {
		t.Fatalf("expected expand_per_seed capped at %d, got %d", maxExpandPerSeed, next.ExpandPerSeed)
	}
	if next.LaneBonus != maxLaneBonus {
		t.Fatalf("expected lane_bonus capped at %.2f, got %.2f", maxLaneBonus, next.LaneBonus)
	}
	if !next.ExpandQuery {
		t.Fatal("expected expand_query enabled")
	}
	if len(next.Lanes) < 2 {
		t.Fatalf("expected default lanes unioned in, got %v", next.Lanes)
	}
	if next.DiversityLambda >= spec.DiversityLambda {
		t.Fatalf("expected diversity_lambda to decay from iteration 1 onward")
	}
}

func TestEvaluateCoverageFlagsTooFewLanes(t *testing.T) {
	spec := Spec{Limit: 10, Lanes: []string{"episodic", "semantic"}, MinScore: 0.1}
	candidates := []Candidate{
		{Item: core.MemoryItem{Lane: "episodic"}, EffectiveScore: 0.5},
	}
	coverage := EvaluateCoverage(spec, candidates)
	if !coverage.NeedsMore {
		t.Fatal("expected needs_more for too few lanes/items")
	}
}
