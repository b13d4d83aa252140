package analysis

import (
	"sort"
	"strings"
)

// CooccurMatrix counts how often pairs of columns appear together within a
// single query. The matrix is symmetric; the self-count of a column is its
// total number of appearances.
type CooccurMatrix struct {
	counts map[string]int
}

// NewCooccurMatrix creates an empty matrix.
func NewCooccurMatrix() *CooccurMatrix {
	return &CooccurMatrix{counts: make(map[string]int)}
}

// pairKey builds the canonical (sorted) key for a column pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Add records one query's column set. Duplicates in cols are collapsed
// first; maxCols caps the per-query contribution (sets larger than the cap
// are truncated deterministically in sorted order).
func (m *CooccurMatrix) Add(cols []string, maxCols int) {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	uniq := make([]string, 0, len(set))
	for c := range set {
		uniq = append(uniq, c)
	}
	sort.Strings(uniq)
	if maxCols > 0 && len(uniq) > maxCols {
		uniq = uniq[:maxCols]
	}

	for i, a := range uniq {
		m.counts[pairKey(a, a)]++
		for _, b := range uniq[i+1:] {
			m.counts[pairKey(a, b)]++
		}
	}
}

// Strength returns the raw co-occurrence count for a pair. Symmetric.
func (m *CooccurMatrix) Strength(a, b string) int {
	return m.counts[pairKey(a, b)]
}

// Appearances returns the total number of queries a column appeared in.
func (m *CooccurMatrix) Appearances(col string) int {
	return m.counts[pairKey(col, col)]
}

// Jaccard returns the normalized co-occurrence strength
// |A∩B| / |A∪B| in (0,1] when the pair co-occurred, else 0.
func (m *CooccurMatrix) Jaccard(a, b string) float64 {
	inter := m.Strength(a, b)
	if inter == 0 {
		return 0
	}
	union := m.Appearances(a) + m.Appearances(b) - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Partner is one co-occurrence neighbor of a column.
type Partner struct {
	Column   string
	Strength int
}

// TopPartners returns the k strongest co-occurrence partners of col,
// ordered by strength descending then column ascending.
func (m *CooccurMatrix) TopPartners(col string, k int) []Partner {
	var partners []Partner
	for key, cnt := range m.counts {
		idx := strings.IndexByte(key, '|')
		a, b := key[:idx], key[idx+1:]
		if a == b {
			continue
		}
		switch col {
		case a:
			partners = append(partners, Partner{Column: b, Strength: cnt})
		case b:
			partners = append(partners, Partner{Column: a, Strength: cnt})
		}
	}
	sort.Slice(partners, func(i, j int) bool {
		if partners[i].Strength != partners[j].Strength {
			return partners[i].Strength > partners[j].Strength
		}
		return partners[i].Column < partners[j].Column
	})
	if k > 0 && len(partners) > k {
		partners = partners[:k]
	}
	return partners
}

// Prune drops pair counts below minCount. Self-counts are retained so
// Jaccard normalization stays meaningful after pruning.
func (m *CooccurMatrix) Prune(minCount int) {
	for key, cnt := range m.counts {
		idx := strings.IndexByte(key, '|')
		if key[:idx] == key[idx+1:] {
			continue
		}
		if cnt < minCount {
			delete(m.counts, key)
		}
	}
}

// Len returns the number of stored pair entries (self-counts included).
func (m *CooccurMatrix) Len() int {
	return len(m.counts)
}
