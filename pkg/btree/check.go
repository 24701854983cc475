package btree

import "fmt"

// Check recursively verifies key ordering, node key-count bounds, child
// consistency, and leaf-chain continuity, reporting each problem found via
// report. Returns the number of problems found.
func (t *BTree) Check(report func(msg string)) (int, error) {
	errs := 0
	var lastLeafKey *uint64
	var visit func(addr uint64, isRoot bool) (minKey, maxKey uint64, has bool, err error)

	visit = func(addr uint64, isRoot bool) (uint64, uint64, bool, error) {
		n, err := t.readNode(addr)
		if err != nil {
			return 0, 0, false, err
		}

		if !isRoot {
			if n.keyCount() < t.minKeys() || n.keyCount() > t.order {
				errs++
				report(fmt.Sprintf("node %d key count %d out of range [%d,%d]", addr, n.keyCount(), t.minKeys(), t.order))
			}
		} else if n.keyCount() > t.order {
			errs++
			report(fmt.Sprintf("root node %d key count %d exceeds order %d", addr, n.keyCount(), t.order))
		}

		for i := 1; i < len(n.keys); i++ {
			if n.keys[i-1] >= n.keys[i] {
				errs++
				report(fmt.Sprintf("node %d keys not strictly ascending at index %d", addr, i))
			}
		}

		if n.leaf {
			if lastLeafKey != nil && len(n.keys) > 0 && n.keys[0] < *lastLeafKey {
				errs++
				report(fmt.Sprintf("leaf %d out of order relative to previous leaf", addr))
			}
			if len(n.keys) > 0 {
				last := n.keys[len(n.keys)-1]
				lastLeafKey = &last
			}
			if len(n.keys) == 0 {
				return 0, 0, false, nil
			}
			return n.keys[0], n.keys[len(n.keys)-1], true, nil
		}

		if len(n.values) != len(n.keys)+1 {
			errs++
			report(fmt.Sprintf("internal node %d has %d children for %d keys", addr, len(n.values), len(n.keys)))
		}

		var min, max uint64
		var anyHas bool
		for i, childAddr := range n.values {
			childMin, childMax, has, err := visit(childAddr, false)
			if err != nil {
				return 0, 0, false, err
			}
			if !has {
				continue
			}
			if i < len(n.keys) {
				if childMax >= n.keys[i] {
					errs++
					report(fmt.Sprintf("node %d child %d has key %d >= separator %d", addr, i, childMax, n.keys[i]))
				}
			} else {
				if childMin < n.keys[len(n.keys)-1] {
					errs++
					report(fmt.Sprintf("node %d rightmost child has key %d < last separator %d", addr, childMin, n.keys[len(n.keys)-1]))
				}
			}
			if !anyHas {
				min = childMin
				anyHas = true
			}
			max = childMax
		}
		return min, max, anyHas, nil
	}

	if _, _, _, err := visit(t.root, true); err != nil {
		return errs, err
	}

	var counted uint64
	if err := t.Each(func(_, _ uint64) bool { counted++; return true }); err != nil {
		return errs, err
	}
	if counted != t.count {
		errs++
		report(fmt.Sprintf("tree metadata count %d does not match leaf-chain count %d", t.count, counted))
	}

	first, err := t.firstLeaf()
	if err != nil {
		return errs, err
	}
	n := first
	seen := map[uint64]bool{}
	for n != nil {
		if seen[n.addr] {
			errs++
			report("leaf chain is cyclic")
			break
		}
		seen[n.addr] = true
		if n.next == 0 {
			break
		}
		n, err = t.readNode(n.next)
		if err != nil {
			return errs, err
		}
	}

	return errs, nil
}
