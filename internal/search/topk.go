package search

import "sort"

// topK maintains a size-bounded result list sorted by score descending.
// Each candidate is placed by binary search for the first element scoring
// strictly less, so equal scores keep first-seen order; inserts past the
// bound drop the tail. O(n log k) against sorting the full candidate set.
type topK struct {
	k       int
	results []Result
}

func newTopK(k int) *topK {
	return &topK{k: k, results: make([]Result, 0, k)}
}

func (t *topK) Insert(r Result) {
	idx := sort.Search(len(t.results), func(i int) bool {
		return t.results[i].Score < r.Score
	})
	t.results = append(t.results, Result{})
	copy(t.results[idx+1:], t.results[idx:])
	t.results[idx] = r
	if len(t.results) > t.k {
		t.results = t.results[:t.k]
	}
}

func (t *topK) Results() []Result {
	return t.results
}
