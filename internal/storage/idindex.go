package storage

import (
	"bytes"

	"github.com/google/btree"

	"github.com/podcopic-labs/vecdb/internal/vector"
)

// idIndexItem maps a vector id to the slot (entry position) holding its
// current (id, offset, length) tuple in the mmap'd index file. The
// in-memory acceleration structure is a google/btree.BTree exactly like
// internal/index/BTreeIndex.go's key→position btree — rebuilt from the
// mmap'd file on open instead of persisted separately, since the index
// file itself is already the durable source of truth.
type idIndexItem struct {
	id   vector.ID
	slot int
}

func (i idIndexItem) Less(other btree.Item) bool {
	o := other.(idIndexItem)
	return bytes.Compare(i.id[:], o.id[:]) < 0
}

// idIndex is the in-memory ordered id→slot map.
type idIndex struct {
	tree *btree.BTree
}

func newIDIndex() *idIndex {
	return &idIndex{tree: btree.New(2)}
}

func (x *idIndex) set(id vector.ID, slot int) {
	x.tree.ReplaceOrInsert(idIndexItem{id: id, slot: slot})
}

func (x *idIndex) get(id vector.ID) (int, bool) {
	item := x.tree.Get(idIndexItem{id: id})
	if item == nil {
		return 0, false
	}
	return item.(idIndexItem).slot, true
}

func (x *idIndex) delete(id vector.ID) {
	x.tree.Delete(idIndexItem{id: id})
}

func (x *idIndex) len() int { return x.tree.Len() }
