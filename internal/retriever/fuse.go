package retriever

import "sort"

// RRFConstant dampens the contribution of lower ranks in reciprocal-rank
// fusion. 60 is the value from the original RRF paper and works well without
// tuning.
const RRFConstant = 60

// Fuse combines a dense-ranked and a lexical-ranked candidate list with
// reciprocal-rank fusion: each candidate scores 1/(c+rank) per list it
// appears in, ranks counted from 1. Candidates present in only one list
// still participate. Ties break by id lexicographic order so the result is
// deterministic. The fused list is truncated to k (k <= 0 means no cap).
func Fuse(dense, lexical []Document, k int) []Document {
	type fused struct {
		doc   Document
		score float64
	}
	byID := make(map[string]*fused, len(dense)+len(lexical))

	merge := func(list []Document) {
		for rank, doc := range list {
			f, ok := byID[doc.ID]
			if !ok {
				f = &fused{doc: doc}
				byID[doc.ID] = f
			}
			f.score += 1.0 / float64(RRFConstant+rank+1)
		}
	}
	merge(dense)
	merge(lexical)

	out := make([]Document, 0, len(byID))
	for _, f := range byID {
		f.doc.Score = f.score
		out = append(out, f.doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
