package core

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// btreeDegree is an arbitrary B-tree branching factor; the index is small
// enough in practice that this has no measurable effect, ordering is what
// matters here, not tuning.
const btreeDegree = 32

type indexItem struct {
	key []byte
	loc RecordIndex
}

func lessIndexItem(a, b indexItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// index is the in-memory ordered key -> RecordIndex map. Ordering is not
// observable through Database's public surface; an ordered container is
// used so rebuild is deterministic and so ordered iteration remains
// possible if a future feature needs it.
type index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[indexItem]
}

func newIndex() *index {
	return &index{tree: btree.NewG(btreeDegree, lessIndexItem)}
}

func (ix *index) get(key []byte) (RecordIndex, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	item, ok := ix.tree.Get(indexItem{key: key})
	if !ok {
		return RecordIndex{}, false
	}
	return item.loc, true
}

func (ix *index) set(loc RecordIndex) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.tree.ReplaceOrInsert(indexItem{key: loc.Key, loc: loc})
}

func (ix *index) delete(key []byte) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.tree.Delete(indexItem{key: key})
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// ascend calls fn for every entry in ascending key order, stopping early
// if fn returns false. Used only by tests and by merge's transient map,
// which reuses this type rather than reinventing an ordered map.
func (ix *index) ascend(fn func(RecordIndex) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ix.tree.Ascend(func(item indexItem) bool {
		return fn(item.loc)
	})
}
