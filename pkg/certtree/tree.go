// Package certtree maintains a certified hash tree over asset paths.
//
// The tree is a treap keyed by path whose priorities are derived from the
// path's SHA-256, so its shape, and therefore its root hash, depends only on
// the stored (path, digest) pairs and not on insertion order. Every node
// caches the hash of its subtree; a mutation rehashes only the nodes on the
// search path and those touched by rotations. Witness produces the sibling
// material a client needs to recompute the root for one path.
package certtree

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Hash is a 32-byte SHA-256 value.
type Hash [sha256.Size]byte

// Domain prefixes keep leaf, node and empty hashes from colliding.
const (
	leafDomain  = "assetvault:leaf:v1\x00"
	nodeDomain  = "assetvault:node:v1\x00"
	emptyDomain = "assetvault:empty:v1"
)

// EmptyHash is the hash of an absent subtree and the root of an empty tree.
var EmptyHash = Hash(sha256.Sum256([]byte(emptyDomain)))

// LeafHash binds a path to its value.
func LeafHash(key string, value Hash) Hash {
	h := sha256.New()
	h.Write([]byte(leafDomain))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	h.Write(lenBuf[:n])
	h.Write([]byte(key))
	h.Write(value[:])
	return sum(h)
}

// NodeHash combines a node's leaf hash with its children's subtree hashes.
func NodeHash(left, leaf, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte(nodeDomain))
	h.Write(left[:])
	h.Write(leaf[:])
	h.Write(right[:])
	return sum(h)
}

func sum(h hash.Hash) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

type node struct {
	key      string
	value    Hash
	priority uint64
	left     *node
	right    *node
	leaf     Hash
	subtree  Hash
}

func newNode(key string, value Hash) *node {
	p := sha256.Sum256([]byte(key))
	n := &node{key: key, value: value, priority: binary.BigEndian.Uint64(p[:8])}
	n.update()
	return n
}

func (n *node) update() {
	n.leaf = LeafHash(n.key, n.value)
	n.subtree = NodeHash(subtreeHash(n.left), n.leaf, subtreeHash(n.right))
}

// rehash refreshes only the subtree hash; the leaf is unchanged.
func (n *node) rehash() {
	n.subtree = NodeHash(subtreeHash(n.left), n.leaf, subtreeHash(n.right))
}

func subtreeHash(n *node) Hash {
	if n == nil {
		return EmptyHash
	}
	return n.subtree
}

// above orders nodes by priority, breaking ties on key so the shape stays
// canonical.
func above(a, b *node) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.key < b.key
}

// Tree is the certified map. The zero value is an empty tree. Not safe for
// concurrent use.
type Tree struct {
	root *node
	size int
}

// New returns an empty tree.
func New() *Tree { return &Tree{} }

// Len returns the number of entries.
func (t *Tree) Len() int { return t.size }

// RootHash returns the hash committing to every entry.
func (t *Tree) RootHash() Hash { return subtreeHash(t.root) }

// Get returns the value stored for key.
func (t *Tree) Get(key string) (Hash, bool) {
	n := t.root
	for n != nil {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return n.value, true
		}
	}
	return Hash{}, false
}

// Insert adds or replaces the value for key.
func (t *Tree) Insert(key string, value Hash) {
	var added bool
	t.root = insert(t.root, key, value, &added)
	if added {
		t.size++
	}
}

// Delete removes key and reports whether it was present.
func (t *Tree) Delete(key string) bool {
	var removed bool
	t.root = remove(t.root, key, &removed)
	if removed {
		t.size--
	}
	return removed
}

// Walk visits entries in key order until fn returns false.
func (t *Tree) Walk(fn func(key string, value Hash) bool) {
	walk(t.root, fn)
}

// Witness returns an inclusion proof for key.
func (t *Tree) Witness(key string) (Proof, error) {
	var ancestors []*node
	n := t.root
	for n != nil && n.key != key {
		ancestors = append(ancestors, n)
		if key < n.key {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return Proof{}, xerrors.E(xerrors.KindNotFound, "certtree.Witness", key)
	}
	p := Proof{
		Key:   key,
		Value: n.value,
		Left:  subtreeHash(n.left),
		Right: subtreeHash(n.right),
		Path:  make([]Step, 0, len(ancestors)),
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		step := Step{FromLeft: key < a.key, Leaf: a.leaf}
		if step.FromLeft {
			step.Sibling = subtreeHash(a.right)
		} else {
			step.Sibling = subtreeHash(a.left)
		}
		p.Path = append(p.Path, step)
	}
	return p, nil
}

func walk(n *node, fn func(string, Hash) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, fn) {
		return false
	}
	if !fn(n.key, n.value) {
		return false
	}
	return walk(n.right, fn)
}

func insert(h *node, key string, value Hash, added *bool) *node {
	if h == nil {
		*added = true
		return newNode(key, value)
	}
	switch {
	case key < h.key:
		h.left = insert(h.left, key, value, added)
		if above(h.left, h) {
			return rotateRight(h)
		}
		h.rehash()
	case key > h.key:
		h.right = insert(h.right, key, value, added)
		if above(h.right, h) {
			return rotateLeft(h)
		}
		h.rehash()
	default:
		h.value = value
		h.update()
	}
	return h
}

func remove(h *node, key string, removed *bool) *node {
	if h == nil {
		return nil
	}
	switch {
	case key < h.key:
		h.left = remove(h.left, key, removed)
	case key > h.key:
		h.right = remove(h.right, key, removed)
	default:
		*removed = true
		return join(h.left, h.right)
	}
	h.rehash()
	return h
}

// join merges two treaps where every key in l sorts before every key in r.
func join(l, r *node) *node {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	case above(l, r):
		l.right = join(l.right, r)
		l.rehash()
		return l
	default:
		r.left = join(l, r.left)
		r.rehash()
		return r
	}
}

func rotateLeft(h *node) *node {
	x := h.right
	h.right = x.left
	x.left = h
	h.rehash()
	x.rehash()
	return x
}

func rotateRight(h *node) *node {
	x := h.left
	h.left = x.right
	x.right = h
	h.rehash()
	x.rehash()
	return x
}
