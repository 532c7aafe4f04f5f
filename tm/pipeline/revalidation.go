package pipeline

import (
	"math"

	"github.com/google/btree"
)

type revalItem struct {
	conflictor int
	reval      int
}

func (a revalItem) Less(than btree.Item) bool {
	b := than.(revalItem)
	if a.conflictor != b.conflictor {
		return a.conflictor < b.conflictor
	}
	return a.reval < b.reval
}

// revalidationTable maps a conflicting writer to the entries that must
// revalidate once it retires.
type revalidationTable struct {
	tree *btree.BTree
}

func newRevalidationTable() *revalidationTable {
	return &revalidationTable{tree: btree.New(8)}
}

func (t *revalidationTable) insert(conflictor, reval int) {
	t.tree.ReplaceOrInsert(revalItem{conflictor: conflictor, reval: reval})
}

func (t *revalidationTable) remove(conflictor, reval int) {
	t.tree.Delete(revalItem{conflictor: conflictor, reval: reval})
}

// take removes and returns, in order, every entry waiting on conflictor.
func (t *revalidationTable) take(conflictor int) []int {
	var revals []int
	t.tree.AscendRange(revalItem{conflictor: conflictor, reval: math.MinInt32},
		revalItem{conflictor: conflictor + 1, reval: math.MinInt32},
		func(i btree.Item) bool {
			revals = append(revals, i.(revalItem).reval)
			return true
		})
	for _, r := range revals {
		t.remove(conflictor, r)
	}
	return revals
}

func (t *revalidationTable) len() int { return t.tree.Len() }
