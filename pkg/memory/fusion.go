package memory

import "sort"

type fusionKey struct {
	path  string
	start int
	end   int
}

// Fuse merges vector and keyword hits by (path, start line, end line) into
// vw*vector + kw*keyword, where a side that did not return the chunk
// contributes 0. The vector hit's snippet wins when both sides match. The
// result is sorted by fused score, descending; equal scores keep first-seen
// order with vector hits ahead of keyword-only hits.
func Fuse(vector, keyword []SearchResult, vectorWeight, keywordWeight float64) []SearchResult {
	type entry struct {
		result  SearchResult
		vector  float64
		keyword float64
	}

	entries := make(map[fusionKey]*entry, len(vector)+len(keyword))
	order := make([]fusionKey, 0, len(vector)+len(keyword))

	for _, r := range vector {
		k := fusionKey{r.Path, r.StartLine, r.EndLine}
		if e, ok := entries[k]; ok {
			if r.Score > e.vector {
				e.vector = r.Score
			}
			continue
		}
		entries[k] = &entry{result: r, vector: r.Score}
		order = append(order, k)
	}

	for _, r := range keyword {
		k := fusionKey{r.Path, r.StartLine, r.EndLine}
		if e, ok := entries[k]; ok {
			if r.Score > e.keyword {
				e.keyword = r.Score
			}
			continue
		}
		entries[k] = &entry{result: r, keyword: r.Score}
		order = append(order, k)
	}

	merged := make([]SearchResult, 0, len(order))
	for _, k := range order {
		e := entries[k]
		r := e.result
		r.Score = vectorWeight*e.vector + keywordWeight*e.keyword
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	return merged
}

// filterResults drops results under minScore and keeps at most limit.
func filterResults(results []SearchResult, minScore float64, limit int) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
