package query

import "sort"

// sortResults orders by descending score, ties broken by ascending rank
// so result order is deterministic.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Rank < results[j].Rank
	})
}
