// Package changeset computes index-level differences between two ordered
// lists of row keys, and composes consecutive differences.
//
// A ChangeSet describes how to turn an old list P into a new list N:
// remove the entries of P at Deletions, then insert the entries of N at
// Insertions. Entries that survive in place but whose row content changed
// are listed in Modifications, by their index in N.
package changeset

import (
	"slices"
	"sort"

	"github.com/zoravur/livequery/internal/store"
)

type ChangeSet struct {
	Deletions     []int `json:"deletions"`     // indexes into the old list, descending
	Insertions    []int `json:"insertions"`    // indexes into the new list, ascending
	Modifications []int `json:"modifications"` // indexes into the new list, ascending
}

// Empty reports whether the change set describes no change at all.
func (c ChangeSet) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Modifications) == 0
}

// Initial is the change set for a first result of n rows.
func Initial(n int) ChangeSet {
	c := ChangeSet{Insertions: make([]int, n)}
	for i := range c.Insertions {
		c.Insertions[i] = i
	}
	return c
}

// Calculate diffs prev against next. modified reports whether the row with a
// given key changed between the two versions; it is consulted only for keys
// present in both lists and may be nil.
//
// Keys kept in both lists but whose relative order changed are reported as a
// deletion plus an insertion. The survivors left in place form a longest
// increasing subsequence of their old positions, so the number of such moves
// is minimal.
func Calculate(prev, next []store.RowKey, modified func(store.RowKey) bool) ChangeSet {
	oldPos := make(map[store.RowKey]int, len(prev))
	for i, k := range prev {
		oldPos[k] = i
	}
	inNext := make(map[store.RowKey]struct{}, len(next))
	for _, k := range next {
		inNext[k] = struct{}{}
	}

	var c ChangeSet
	for i, k := range prev {
		if _, ok := inNext[k]; !ok {
			c.Deletions = append(c.Deletions, i)
		}
	}

	// survivors in new order, as (old index, new index)
	var olds, news []int
	for j, k := range next {
		i, ok := oldPos[k]
		if !ok {
			c.Insertions = append(c.Insertions, j)
			continue
		}
		olds = append(olds, i)
		news = append(news, j)
	}

	keep := lis(olds)
	for s := range olds {
		if !keep[s] {
			c.Deletions = append(c.Deletions, olds[s])
			c.Insertions = append(c.Insertions, news[s])
			continue
		}
		if modified != nil && modified(next[news[s]]) {
			c.Modifications = append(c.Modifications, news[s])
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(c.Deletions)))
	sort.Ints(c.Insertions)
	return c
}

// lis marks the members of one longest strictly increasing subsequence of xs.
func lis(xs []int) []bool {
	keep := make([]bool, len(xs))
	if len(xs) == 0 {
		return keep
	}
	// tails[l] is the index in xs of the smallest tail of an increasing
	// subsequence of length l+1
	tails := make([]int, 0, len(xs))
	parent := make([]int, len(xs))
	for i, x := range xs {
		l := sort.Search(len(tails), func(j int) bool { return xs[tails[j]] >= x })
		if l > 0 {
			parent[i] = tails[l-1]
		} else {
			parent[i] = -1
		}
		if l == len(tails) {
			tails = append(tails, i)
		} else {
			tails[l] = i
		}
	}
	for i := tails[len(tails)-1]; i >= 0; i = parent[i] {
		keep[i] = true
	}
	return keep
}

// Merge returns the change set equivalent to applying c and then next, where
// next was computed against the list c produced.
func (c ChangeSet) Merge(next ChangeSet) ChangeSet {
	if c.Empty() {
		return next.clone()
	}
	if next.Empty() {
		return c.clone()
	}

	del1 := sortedAsc(c.Deletions)
	ins1 := sortedAsc(c.Insertions)
	del2 := sortedAsc(next.Deletions)
	ins2 := sortedAsc(next.Insertions)

	var out ChangeSet
	out.Deletions = append(out.Deletions, del1...)
	for _, j := range del2 {
		if contains(ins1, j) {
			// inserted by c, deleted by next: never visible
			continue
		}
		out.Deletions = append(out.Deletions, nthAbsent(del1, j-countBelow(ins1, j)))
	}

	out.Insertions = append(out.Insertions, ins2...)
	for _, j := range ins1 {
		if contains(del2, j) {
			continue
		}
		out.Insertions = append(out.Insertions, nthAbsent(ins2, j-countBelow(del2, j)))
	}

	for _, k := range next.Modifications {
		j := nthAbsent(del2, k-countBelow(ins2, k))
		if contains(ins1, j) {
			continue
		}
		out.Modifications = append(out.Modifications, k)
	}
	for _, j := range c.Modifications {
		if contains(del2, j) || contains(ins1, j) {
			continue
		}
		out.Modifications = append(out.Modifications, nthAbsent(ins2, j-countBelow(del2, j)))
	}

	sort.Sort(sort.Reverse(sort.IntSlice(out.Deletions)))
	sort.Ints(out.Insertions)
	sort.Ints(out.Modifications)
	out.Modifications = slices.Compact(out.Modifications)
	return out
}

func (c ChangeSet) clone() ChangeSet {
	return ChangeSet{
		Deletions:     slices.Clone(c.Deletions),
		Insertions:    slices.Clone(c.Insertions),
		Modifications: slices.Clone(c.Modifications),
	}
}

func sortedAsc(xs []int) []int {
	out := slices.Clone(xs)
	sort.Ints(out)
	return out
}

func contains(sorted []int, x int) bool {
	_, ok := slices.BinarySearch(sorted, x)
	return ok
}

// countBelow counts the members of sorted that are less than x.
func countBelow(sorted []int, x int) int {
	i, _ := slices.BinarySearch(sorted, x)
	return i
}

// nthAbsent returns the r-th (zero-based) non-negative integer that is not a
// member of sorted.
func nthAbsent(sorted []int, r int) int {
	idx := r
	for _, s := range sorted {
		if s > idx {
			break
		}
		idx++
	}
	return idx
}
