package orchestrator

import "math/rand"

// buildItems assembles the item list for one iteration.
//
// When nExtra is smaller than the number of remaining tests, nExtra of them
// are sampled without replacement and the full selection is appended after
// them. Otherwise every remaining test runs, followed by the selection.
// Shuffle then permutes the whole list.
func buildItems(rng *rand.Rand, selected, remaining []string, nExtra int, shuffle bool) []string {
	var items []string

	if nExtra < len(remaining) {
		items = make([]string, 0, nExtra+len(selected))
		for _, i := range rng.Perm(len(remaining))[:max(nExtra, 0)] {
			items = append(items, remaining[i])
		}
	} else {
		items = make([]string, 0, len(remaining)+len(selected))
		items = append(items, remaining...)
	}
	items = append(items, selected...)

	if shuffle {
		rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}
	return items
}
