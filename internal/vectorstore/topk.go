package vectorstore

import (
	"context"
	"math"
	"sort"
)

// fetchFunc returns up to n candidates nearest first, and whether the
// backend has no further candidates beyond them.
type fetchFunc func(ctx context.Context, n int) (results []Result, exhausted bool, err error)

// collectTopK widens the candidate fetch until the k-th kept result is
// strictly closer than anything not yet fetched. Backends order equal
// distances arbitrarily, so stopping earlier could return a different tie
// on each call.
func collectTopK(ctx context.Context, k int, keep func(Document) bool, fetch fetchFunc) ([]Result, error) {
	n := k
	if keep != nil {
		n = k * 2
	}
	for {
		candidates, exhausted, err := fetch(ctx, n)
		if err != nil {
			return nil, err
		}

		boundary := math.Inf(-1)
		for _, r := range candidates {
			boundary = math.Max(boundary, r.Distance)
		}

		kept := candidates[:0:0]
		for _, r := range candidates {
			if keep == nil || keep(r.Document) {
				kept = append(kept, r)
			}
		}
		sortResults(kept)

		if exhausted {
			return truncate(kept, k), nil
		}
		if len(kept) >= k && kept[k-1].Distance < boundary {
			return kept[:k], nil
		}
		n *= 2
	}
}

func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Distance != rs[j].Distance {
			return rs[i].Distance < rs[j].Distance
		}
		return rs[i].ID < rs[j].ID
	})
}

func truncate(rs []Result, k int) []Result {
	if len(rs) > k {
		return rs[:k]
	}
	return rs
}

// distance converts a cosine similarity between unit vectors to the
// metric's distance.
func distance(m Metric, similarity float64) float64 {
	if m == MetricL2 {
		return math.Sqrt(math.Max(0, 2-2*similarity))
	}
	return 1 - similarity
}
