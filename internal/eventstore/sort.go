package eventstore

import "sort"

// sortScoredGists orders by score descending, breaking ties by created_at
// descending per SPEC_FULL.md 4.3.
func sortScoredGists(scored []ScoredGist) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
}
