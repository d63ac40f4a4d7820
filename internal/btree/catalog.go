package btree

import (
	"github.com/oxidb/oxidb/internal/storage"
)

// Catalog maps index names to their root PageID. It is itself an ordinary
// BTree whose keys are index names and whose single value per key is the
// target index's root page, widened to a storage.ValueID. It lives in this
// package, not internal/storage, because expressing it as a BTree requires
// importing BTree — and internal/storage must not import internal/btree,
// since btree already imports storage for Pager/Page (see DESIGN.md).
type Catalog struct {
	tree *BTree
}

// CreateCatalog allocates a fresh, empty catalog and records its root in
// the pager's superblock.
func CreateCatalog(pager *storage.Pager, tx storage.TxID) (*Catalog, error) {
	t, err := Create(pager, tx)
	if err != nil {
		return nil, err
	}
	pager.SetCatalogRoot(t.Root())
	return &Catalog{tree: t}, nil
}

// OpenCatalog returns a Catalog handle over the pager's existing catalog
// root, or (nil, false) if no catalog has been created yet.
func OpenCatalog(pager *storage.Pager) (*Catalog, bool) {
	root := pager.CatalogRoot()
	if root == storage.InvalidPageID {
		return nil, false
	}
	return &Catalog{tree: Open(pager, root)}, true
}

// Root exposes the catalog tree's own root page, so callers can persist it
// across reopen (the superblock already does this via SetCatalogRoot, but
// callers that split/merge the catalog root directly need the fresh value).
func (c *Catalog) Root() storage.PageID { return c.tree.Root() }

// Lookup returns the root page of the named index, or storage.ErrNotFound.
func (c *Catalog) Lookup(name string) (storage.PageID, error) {
	vals, err := c.tree.Search([]byte(name))
	if err != nil {
		return storage.InvalidPageID, err
	}
	return storage.PageID(vals[0]), nil
}

// Register creates a fresh empty index tree named name and records its root
// in the catalog. Returns storage.ErrKind KindTxStateErr-shaped errors
// unchanged from the underlying tree operations.
func (c *Catalog) Register(pager *storage.Pager, tx storage.TxID, name string) (*BTree, error) {
	idx, err := Create(pager, tx)
	if err != nil {
		return nil, err
	}
	if err := c.tree.Insert(tx, []byte(name), storage.ValueID(idx.Root())); err != nil {
		return nil, err
	}
	pager.SetCatalogRoot(c.tree.Root())
	return idx, nil
}

// Drop removes name's catalog entry. It does not free the index's own
// pages; callers that want that must walk and free them before calling
// Drop, since the catalog only tracks the root pointer.
func (c *Catalog) Drop(pager *storage.Pager, tx storage.TxID, name string) (bool, error) {
	ok, err := c.tree.Delete(tx, []byte(name), nil)
	if err != nil {
		return false, err
	}
	pager.SetCatalogRoot(c.tree.Root())
	return ok, nil
}

// UpdateRoot replaces name's catalog entry with newRoot. Callers must
// invoke this whenever an already-registered index's own root page moves
// — on split (btree.go's createNewRoot), merge, or root collapse
// (delete.go's removeFromParent) — exactly mirroring the SetCatalogRoot
// discipline the catalog keeps for its own tree above.
func (c *Catalog) UpdateRoot(pager *storage.Pager, tx storage.TxID, name string, newRoot storage.PageID) error {
	if _, err := c.tree.Delete(tx, []byte(name), nil); err != nil {
		return err
	}
	if err := c.tree.Insert(tx, []byte(name), storage.ValueID(newRoot)); err != nil {
		return err
	}
	pager.SetCatalogRoot(c.tree.Root())
	return nil
}

// Names returns every registered index name in lexicographic order.
func (c *Catalog) Names() ([]string, error) {
	cur, err := c.tree.Range(nil, nil, true, true)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := make(map[string]bool)
	for {
		k, _, ok := cur.Next()
		if !ok {
			break
		}
		name := string(k)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, cur.Err()
}
