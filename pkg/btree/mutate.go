package btree

import (
	"github.com/jhunt/perobs/pkg/dberr"
	"github.com/jhunt/perobs/pkg/equiblobs"
)

type pathEntry struct {
	node       *node
	childIndex int
}

func (t *BTree) minKeys() int {
	return (t.order + 1) / 2
}

func insertUint64(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeUint64(s []uint64, i int) []uint64 {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}

func (t *BTree) descendToLeaf(key uint64) ([]pathEntry, *node, error) {
	var path []pathEntry
	n, err := t.readNode(t.root)
	if err != nil {
		return nil, nil, err
	}
	for !n.leaf {
		i := search(n.keys, key)
		if i < len(n.keys) && n.keys[i] == key {
			i++
		}
		path = append(path, pathEntry{node: n, childIndex: i})
		n, err = t.readNode(n.values[i])
		if err != nil {
			return nil, nil, err
		}
	}
	return path, n, nil
}

// Insert sets key to value, creating the entry if it doesn't already
// exist or overwriting it in place if it does.
func (t *BTree) Insert(key, value uint64) error {
	path, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}

	i := search(leaf.keys, key)
	if i < len(leaf.keys) && leaf.keys[i] == key {
		leaf.values[i] = value
		return t.writeNode(leaf)
	}

	leaf.keys = insertUint64(leaf.keys, i, key)
	leaf.values = insertUint64(leaf.values, i, value)

	if len(leaf.keys) <= t.order {
		if err := t.writeNode(leaf); err != nil {
			return err
		}
		t.count++
		return t.writeMeta()
	}

	mid := t.minKeys()
	rightKeys := append([]uint64(nil), leaf.keys[mid:]...)
	rightValues := append([]uint64(nil), leaf.values[mid:]...)
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]

	sibling, err := t.newNode(true)
	if err != nil {
		return err
	}
	sibling.keys = rightKeys
	sibling.values = rightValues
	sibling.parent = leaf.parent
	sibling.next = leaf.next
	sibling.prev = leaf.addr
	leaf.next = sibling.addr

	if sibling.next != 0 {
		nextLeaf, err := t.readNode(sibling.next)
		if err != nil {
			return err
		}
		nextLeaf.prev = sibling.addr
		if err := t.writeNode(nextLeaf); err != nil {
			return err
		}
	}
	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.writeNode(sibling); err != nil {
		return err
	}

	if err := t.propagateSplit(path, leaf.addr, sibling.keys[0], sibling.addr); err != nil {
		return err
	}
	t.count++
	return t.writeMeta()
}

// propagateSplit inserts (sepKey, rightAddr) as a new separator/child pair
// into the parent of the node that just split (leftAddr is that node's
// address), cascading further splits up to a new root if necessary.
func (t *BTree) propagateSplit(path []pathEntry, leftAddr equiblobs.Address, sepKey uint64, rightAddr equiblobs.Address) error {
	curAddr := leftAddr

	for level := len(path) - 1; level >= 0; level-- {
		parent := path[level].node
		idx := path[level].childIndex

		parent.keys = insertUint64(parent.keys, idx, sepKey)
		parent.values = insertUint64(parent.values, idx+1, rightAddr)

		if len(parent.keys) <= t.order {
			return t.writeNode(parent)
		}

		mid := t.minKeys()
		promoted := parent.keys[mid]
		rightKeys := append([]uint64(nil), parent.keys[mid+1:]...)
		rightChildren := append([]uint64(nil), parent.values[mid+1:]...)
		parent.keys = parent.keys[:mid]
		parent.values = parent.values[:mid+1]

		newInternal, err := t.newNode(false)
		if err != nil {
			return err
		}
		newInternal.keys = rightKeys
		newInternal.values = rightChildren
		newInternal.parent = parent.parent

		for _, childAddr := range rightChildren {
			child, err := t.readNode(childAddr)
			if err != nil {
				return err
			}
			child.parent = newInternal.addr
			if err := t.writeNode(child); err != nil {
				return err
			}
		}

		if err := t.writeNode(parent); err != nil {
			return err
		}
		if err := t.writeNode(newInternal); err != nil {
			return err
		}

		curAddr = parent.addr
		sepKey = promoted
		rightAddr = newInternal.addr
	}

	// Ran off the top: curAddr (the former root) and rightAddr both need a
	// new parent.
	newRoot, err := t.newNode(false)
	if err != nil {
		return err
	}
	newRoot.keys = []uint64{sepKey}
	newRoot.values = []uint64{curAddr, rightAddr}

	left, err := t.readNode(curAddr)
	if err != nil {
		return err
	}
	left.parent = newRoot.addr
	if err := t.writeNode(left); err != nil {
		return err
	}
	right, err := t.readNode(rightAddr)
	if err != nil {
		return err
	}
	right.parent = newRoot.addr
	if err := t.writeNode(right); err != nil {
		return err
	}

	t.root = newRoot.addr
	return t.writeNode(newRoot)
}

// Remove deletes key. Returns dberr.NotFound (wrapped) if key is absent,
// with no side effects.
func (t *BTree) Remove(key uint64) error {
	path, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}

	i := search(leaf.keys, key)
	if i >= len(leaf.keys) || leaf.keys[i] != key {
		return dberr.Wrap(dberr.NotFound, "btree.Remove", nil)
	}

	leaf.keys = removeUint64(leaf.keys, i)
	leaf.values = removeUint64(leaf.values, i)

	if leaf.addr == t.root {
		if err := t.writeNode(leaf); err != nil {
			return err
		}
		t.count--
		return t.writeMeta()
	}

	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.rebalance(path, leaf); err != nil {
		return err
	}
	t.count--
	return t.writeMeta()
}

// rebalance fixes underflow starting at n (whose parent/childIndex is
// path[len(path)-1]), cascading upward.
func (t *BTree) rebalance(path []pathEntry, n *node) error {
	if len(n.keys) >= t.minKeys() || len(path) == 0 {
		return nil
	}

	level := len(path) - 1
	parent := path[level].node
	idx := path[level].childIndex

	var leftSib, rightSib *node
	var err error
	if idx > 0 {
		leftSib, err = t.readNode(parent.values[idx-1])
		if err != nil {
			return err
		}
	}
	if idx < len(parent.values)-1 {
		rightSib, err = t.readNode(parent.values[idx+1])
		if err != nil {
			return err
		}
	}

	canBorrowLeft := leftSib != nil && len(leftSib.keys) > t.minKeys()
	canBorrowRight := rightSib != nil && len(rightSib.keys) > t.minKeys()

	switch {
	case canBorrowLeft && canBorrowRight:
		if len(leftSib.keys) >= len(rightSib.keys) {
			return t.borrowFromLeft(parent, idx, n, leftSib)
		}
		return t.borrowFromRight(parent, idx, n, rightSib)
	case canBorrowLeft:
		return t.borrowFromLeft(parent, idx, n, leftSib)
	case canBorrowRight:
		return t.borrowFromRight(parent, idx, n, rightSib)
	case leftSib != nil:
		return t.mergeWithLeft(path[:level], parent, idx, n, leftSib)
	default:
		return t.mergeWithRight(path[:level], parent, idx, n, rightSib)
	}
}

func (t *BTree) borrowFromLeft(parent *node, idx int, n, left *node) error {
	if n.leaf {
		k := left.keys[len(left.keys)-1]
		v := left.values[len(left.values)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.values = left.values[:len(left.values)-1]
		n.keys = insertUint64(n.keys, 0, k)
		n.values = insertUint64(n.values, 0, v)
		parent.keys[idx-1] = n.keys[0]
	} else {
		sep := parent.keys[idx-1]
		childAddr := left.values[len(left.values)-1]
		promoted := left.keys[len(left.keys)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.values = left.values[:len(left.values)-1]

		n.keys = insertUint64(n.keys, 0, sep)
		n.values = insertUint64(n.values, 0, childAddr)
		parent.keys[idx-1] = promoted

		child, err := t.readNode(childAddr)
		if err != nil {
			return err
		}
		child.parent = n.addr
		if err := t.writeNode(child); err != nil {
			return err
		}
	}
	if err := t.writeNode(left); err != nil {
		return err
	}
	if err := t.writeNode(n); err != nil {
		return err
	}
	return t.writeNode(parent)
}

func (t *BTree) borrowFromRight(parent *node, idx int, n, right *node) error {
	if n.leaf {
		k := right.keys[0]
		v := right.values[0]
		right.keys = removeUint64(right.keys, 0)
		right.values = removeUint64(right.values, 0)
		n.keys = append(n.keys, k)
		n.values = append(n.values, v)
		parent.keys[idx] = right.keys[0]
	} else {
		sep := parent.keys[idx]
		childAddr := right.values[0]
		promoted := right.keys[0]
		right.keys = removeUint64(right.keys, 0)
		right.values = removeUint64(right.values, 0)

		n.keys = append(n.keys, sep)
		n.values = append(n.values, childAddr)
		parent.keys[idx] = promoted

		child, err := t.readNode(childAddr)
		if err != nil {
			return err
		}
		child.parent = n.addr
		if err := t.writeNode(child); err != nil {
			return err
		}
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	if err := t.writeNode(n); err != nil {
		return err
	}
	return t.writeNode(parent)
}

func (t *BTree) mergeWithLeft(path []pathEntry, parent *node, idx int, n, left *node) error {
	if n.leaf {
		left.keys = append(left.keys, n.keys...)
		left.values = append(left.values, n.values...)
		left.next = n.next
		if n.next != 0 {
			nn, err := t.readNode(n.next)
			if err != nil {
				return err
			}
			nn.prev = left.addr
			if err := t.writeNode(nn); err != nil {
				return err
			}
		}
	} else {
		left.keys = append(left.keys, parent.keys[idx-1])
		left.keys = append(left.keys, n.keys...)
		for _, childAddr := range n.values {
			child, err := t.readNode(childAddr)
			if err != nil {
				return err
			}
			child.parent = left.addr
			if err := t.writeNode(child); err != nil {
				return err
			}
		}
		left.values = append(left.values, n.values...)
	}
	if err := t.freeNode(n); err != nil {
		return err
	}
	if err := t.writeNode(left); err != nil {
		return err
	}

	parent.keys = removeUint64(parent.keys, idx-1)
	parent.values = removeUint64(parent.values, idx)

	return t.fixParent(path, parent)
}

func (t *BTree) mergeWithRight(path []pathEntry, parent *node, idx int, n, right *node) error {
	if n.leaf {
		n.keys = append(n.keys, right.keys...)
		n.values = append(n.values, right.values...)
		n.next = right.next
		if right.next != 0 {
			rn, err := t.readNode(right.next)
			if err != nil {
				return err
			}
			rn.prev = n.addr
			if err := t.writeNode(rn); err != nil {
				return err
			}
		}
	} else {
		n.keys = append(n.keys, parent.keys[idx])
		n.keys = append(n.keys, right.keys...)
		for _, childAddr := range right.values {
			child, err := t.readNode(childAddr)
			if err != nil {
				return err
			}
			child.parent = n.addr
			if err := t.writeNode(child); err != nil {
				return err
			}
		}
		n.values = append(n.values, right.values...)
	}
	if err := t.freeNode(right); err != nil {
		return err
	}
	if err := t.writeNode(n); err != nil {
		return err
	}

	parent.keys = removeUint64(parent.keys, idx)
	parent.values = removeUint64(parent.values, idx+1)

	return t.fixParent(path, parent)
}

// fixParent writes parent and, if it underflowed (or collapses as root),
// cascades further.
func (t *BTree) fixParent(path []pathEntry, parent *node) error {
	if parent.addr == t.root {
		if len(parent.keys) == 0 {
			// Root collapsed to a single child.
			onlyChild := parent.values[0]
			child, err := t.readNode(onlyChild)
			if err != nil {
				return err
			}
			child.parent = 0
			if err := t.writeNode(child); err != nil {
				return err
			}
			if err := t.freeNode(parent); err != nil {
				return err
			}
			t.root = onlyChild
			return nil
		}
		return t.writeNode(parent)
	}

	if err := t.writeNode(parent); err != nil {
		return err
	}
	return t.rebalance(path, parent)
}
