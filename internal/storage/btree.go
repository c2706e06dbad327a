// Package storage implements the database layer of SawitDB: the self-hosted
// catalog, table page chains, in-memory secondary indexes, schema coercion,
// and the system-table managers (views, schemas, triggers, procedures).
package storage

import (
	"sort"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// BTree — in-memory ordered index over one (table, field) pair
// ───────────────────────────────────────────────────────────────────────────
//
// Keys are JSON-comparable scalars ordered null < bool < number < string.
// Values are page ids: the index answers "which pages hold rows whose field
// equals k", and the executor re-checks equality on the fetched rows. Leaves
// are sorted arrays probed by binary search; internal nodes split at a fixed
// fan-out.

// btreeFanout is the maximum number of entries in a leaf and children in an
// internal node before a split.
const btreeFanout = 32

// CompareKeys orders two index keys. Numbers compare numerically; mixed
// kinds order null < bool < number < string; false sorts before true.
func CompareKeys(a, b any) int {
	ra, rb := keyRank(a), keyRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0: // both null
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	default:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

func keyRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, int, int64, uint64, float32:
		return 2
	default:
		return 3
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

// btreeEntry holds one distinct key and the multiset of pages referencing it.
type btreeEntry struct {
	key   any
	pages []pager.PageID
}

type btreeNode struct {
	leaf     bool
	entries  []btreeEntry  // leaf only, sorted by key
	keys     []any         // internal only: separator keys, len = len(children)-1
	children []*btreeNode  // internal only
}

// BTree is an in-memory ordered index.
type BTree struct {
	root  *btreeNode
	size  int // number of (key, page) pairs
	depth int
}

// NewBTree returns an empty index.
func NewBTree() *BTree {
	return &BTree{root: &btreeNode{leaf: true}, depth: 1}
}

// Len returns the number of (key, page) pairs in the index.
func (t *BTree) Len() int { return t.size }

// BTreeStats summarizes index shape for SHOW INDEXES / stats requests.
type BTreeStats struct {
	Entries int `json:"entries"`
	Keys    int `json:"keys"`
	Depth   int `json:"depth"`
}

// Stats returns the current index shape.
func (t *BTree) Stats() BTreeStats {
	keys := 0
	var walk func(n *btreeNode)
	walk = func(n *btreeNode) {
		if n.leaf {
			keys += len(n.entries)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return BTreeStats{Entries: t.size, Keys: keys, Depth: t.depth}
}

// findLeaf descends to the leaf that owns key.
func (t *BTree) findLeaf(key any) *btreeNode {
	n := t.root
	for !n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool {
			return CompareKeys(key, n.keys[i]) < 0
		})
		n = n.children[i]
	}
	return n
}

// Insert records that page holds a row whose indexed field equals key.
func (t *BTree) Insert(key any, page pager.PageID) {
	split := t.insertInto(t.root, key, page)
	if split != nil {
		// Root split: grow a level.
		newRoot := &btreeNode{
			keys:     []any{split.key},
			children: []*btreeNode{t.root, split.right},
		}
		t.root = newRoot
		t.depth++
	}
	t.size++
}

// splitResult carries the separator key and right sibling up one level.
type splitResult struct {
	key   any
	right *btreeNode
}

func (t *BTree) insertInto(n *btreeNode, key any, page pager.PageID) *splitResult {
	if n.leaf {
		i := sort.Search(len(n.entries), func(i int) bool {
			return CompareKeys(n.entries[i].key, key) >= 0
		})
		if i < len(n.entries) && CompareKeys(n.entries[i].key, key) == 0 {
			n.entries[i].pages = append(n.entries[i].pages, page)
			return nil
		}
		n.entries = append(n.entries, btreeEntry{})
		copy(n.entries[i+1:], n.entries[i:])
		n.entries[i] = btreeEntry{key: key, pages: []pager.PageID{page}}
		if len(n.entries) <= btreeFanout {
			return nil
		}
		mid := len(n.entries) / 2
		right := &btreeNode{leaf: true, entries: append([]btreeEntry{}, n.entries[mid:]...)}
		n.entries = n.entries[:mid]
		return &splitResult{key: right.entries[0].key, right: right}
	}

	i := sort.Search(len(n.keys), func(i int) bool {
		return CompareKeys(key, n.keys[i]) < 0
	})
	split := t.insertInto(n.children[i], key, page)
	if split == nil {
		return nil
	}
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = split.key
	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = split.right
	if len(n.children) <= btreeFanout {
		return nil
	}
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := &btreeNode{
		keys:     append([]any{}, n.keys[mid+1:]...),
		children: append([]*btreeNode{}, n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return &splitResult{key: sep, right: right}
}

// Delete removes one (key, page) pair. A missing pair is a no-op: index
// maintenance is driven by the row actually removed. Underfull nodes are
// left in place; the tree is rebuilt from scratch on database open.
func (t *BTree) Delete(key any, page pager.PageID) {
	leaf := t.findLeaf(key)
	i := sort.Search(len(leaf.entries), func(i int) bool {
		return CompareKeys(leaf.entries[i].key, key) >= 0
	})
	if i >= len(leaf.entries) || CompareKeys(leaf.entries[i].key, key) != 0 {
		return
	}
	pages := leaf.entries[i].pages
	for j, p := range pages {
		if p == page {
			leaf.entries[i].pages = append(pages[:j], pages[j+1:]...)
			t.size--
			break
		}
	}
	if len(leaf.entries[i].pages) == 0 {
		leaf.entries = append(leaf.entries[:i], leaf.entries[i+1:]...)
	}
}

// Find returns the pages recorded for key, in insertion order.
func (t *BTree) Find(key any) []pager.PageID {
	leaf := t.findLeaf(key)
	i := sort.Search(len(leaf.entries), func(i int) bool {
		return CompareKeys(leaf.entries[i].key, key) >= 0
	})
	if i >= len(leaf.entries) || CompareKeys(leaf.entries[i].key, key) != 0 {
		return nil
	}
	return append([]pager.PageID{}, leaf.entries[i].pages...)
}

// AscendRange walks keys in [lo, hi] in order, invoking fn for every
// (key, page) pair until fn returns false. A nil bound is open.
func (t *BTree) AscendRange(lo, hi any, fn func(key any, page pager.PageID) bool) {
	t.ascend(t.root, lo, hi, fn)
}

func (t *BTree) ascend(n *btreeNode, lo, hi any, fn func(any, pager.PageID) bool) bool {
	if n.leaf {
		start := 0
		if lo != nil {
			start = sort.Search(len(n.entries), func(i int) bool {
				return CompareKeys(n.entries[i].key, lo) >= 0
			})
		}
		for i := start; i < len(n.entries); i++ {
			e := n.entries[i]
			if hi != nil && CompareKeys(e.key, hi) > 0 {
				return false
			}
			for _, p := range e.pages {
				if !fn(e.key, p) {
					return false
				}
			}
		}
		return true
	}
	start := 0
	if lo != nil {
		start = sort.Search(len(n.keys), func(i int) bool {
			return CompareKeys(lo, n.keys[i]) < 0
		})
	}
	for i := start; i < len(n.children); i++ {
		if i > 0 && hi != nil && CompareKeys(n.keys[i-1], hi) > 0 {
			return false
		}
		if !t.ascend(n.children[i], lo, hi, fn) {
			return false
		}
	}
	return true
}
