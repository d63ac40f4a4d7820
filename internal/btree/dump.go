package btree

import (
	"fmt"
	"strings"

	"github.com/oxidb/oxidb/internal/storage"
)

// DumpTree renders a human-readable, indented dump of the tree rooted at
// root, for internal/inspect and for debugging test failures.
func DumpTree(pager *storage.Pager, root storage.PageID) (string, error) {
	var sb strings.Builder
	var dump func(pid storage.PageID, depth int) error

	dump = func(pid storage.PageID, depth int) error {
		pg, err := pager.Fetch(pid)
		if err != nil {
			return err
		}
		pg.RLock()
		kind := storage.PageKindOf(pg.Bytes())
		indent := strings.Repeat("  ", depth)

		if kind == storage.KindBTreeLeaf {
			next, entries := decodeLeaf(pg.Bytes())
			pg.RUnlock()
			pager.Unpin(pid, false)
			fmt.Fprintf(&sb, "%sLeaf[%d] keys=%d next=%d\n", indent, pid, len(entries), next)
			for _, e := range entries {
				fmt.Fprintf(&sb, "%s  key=%q vals=%v\n", indent, e.key, e.vals)
			}
			return nil
		}

		keys, children := decodeInternal(pg.Bytes())
		pg.RUnlock()
		pager.Unpin(pid, false)
		fmt.Fprintf(&sb, "%sInternal[%d] keys=%d\n", indent, pid, len(keys))
		for i, child := range children {
			if i > 0 {
				fmt.Fprintf(&sb, "%s  sep=%q\n", indent, keys[i-1])
			}
			if err := dump(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := dump(root, 0); err != nil {
		return "", err
	}
	return sb.String(), nil
}
