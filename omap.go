package derecho

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic ordered map over a red-black tree.
// Unlike Go's builtin map it range-iterates in key order, which
// the engine needs for walking pending messages by sequence
// number, and which keeps test runs reproducible. get/set/delete
// are O(log n). Like the built-in map, omap does no internal
// locking; the engine's msg-state mutex covers it.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

// set is an upsert: insert if absent (newlyAdded true), else
// update the value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		prev := it.Item().(*okv[K, V])
		prev.val = val
		return
	}
	newlyAdded = true
	s.tree.InsertGetIt(query)
	return
}

func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if !found {
		return
	}
	return it.Item().(*okv[K, V]).val, true
}

func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// min returns the smallest key and its value.
func (s *omap[K, V]) min() (key K, val V, ok bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	kv := it.Item().(*okv[K, V])
	return kv.key, kv.val, true
}

// all iterates in ascending key order. Deleting the yielded key
// during iteration is allowed; we pre-advance the iterator.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	i := 0
	for k, v := range s.all() {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("%v:%v", k, v)
		i++
	}
	return r + "}"
}
