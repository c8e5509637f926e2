package workingset

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// Selector queries one lane of the kernel's memory store for candidates
// relevant to query/embed, capped at limit.
type Selector struct {
	store storage.MemoryStore
}

// NewSelector wraps a MemoryStore.
func NewSelector(store storage.MemoryStore) *Selector {
	return &Selector{store: store}
}

// Query returns up to limit memory items from lane, scored by a cheap
// token-overlap heuristic against query when the store doesn't already
// carry a score (the in-memory/Postgres stores persist whatever Score the
// writer set; this recomputes it only when zero).
func (s *Selector) Query(ctx context.Context, query string, embed []float32, lane string, limit int) ([]core.MemoryItem, error) {
	items, err := s.store.ListMemoryItems(ctx, lane, limit)
	if err != nil {
		return nil, err
	}
	terms := tokenize(query)
	for i := range items {
		if items[i].Score == 0 {
			items[i].Score = jaccard(terms, tokenize(items[i].Text))
		}
	}
	return items, nil
}

// ExpandQueries derives up to topK alternate queries from seed items using
// cheap title/keyword heuristics: the most frequent distinct tokens across
// seed text, plus any "title" or "keywords" field gjson can pull out of the
// item's structured value without a full unmarshal.
func ExpandQueries(seeds []Candidate, topK int) []string {
	if topK <= 0 {
		return nil
	}
	freq := make(map[string]int)
	for _, c := range seeds {
		for _, tok := range tokenize(c.Item.Text) {
			freq[tok]++
		}
		if len(c.Item.Value) > 0 {
			if title := gjson.GetBytes(c.Item.Value, "title"); title.Exists() {
				freq[strings.ToLower(title.String())]++
			}
			for _, kw := range gjson.GetBytes(c.Item.Value, "keywords").Array() {
				freq[strings.ToLower(kw.String())]++
			}
		}
	}
	ranked := rankByFrequency(freq)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

func rankByFrequency(freq map[string]int) []string {
	type kv struct {
		term  string
		count int
	}
	kvs := make([]kv, 0, len(freq))
	for term, count := range freq {
		if term == "" {
			continue
		}
		kvs = append(kvs, kv{term, count})
	}
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && kvs[j].count > kvs[j-1].count; j-- {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
		}
	}
	out := make([]string, len(kvs))
	for i, k := range kvs {
		out[i] = k.term
	}
	return out
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	var intersection int
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
