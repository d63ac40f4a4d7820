// Package inspect is a library of read-only diagnostic functions over an
// already-open *storage.Pager (an engine's is reachable through
// Engine.Pager) — not a CLI, since the engine is assumed
// already open and this package ships no end-user-facing tool. Operates
// through the public Pager API instead of reading the data file directly.
package inspect

import (
	"fmt"

	"github.com/oxidb/oxidb/internal/btree"
	"github.com/oxidb/oxidb/internal/storage"
)

// PageInfo summarizes one page's header for display.
type PageInfo struct {
	ID       storage.PageID
	Kind     storage.PageKind
	KindStr  string
	LSN      storage.LSN
	CRCValid bool
}

// InspectPage fetches id through the pager and reports its header fields.
func InspectPage(pager *storage.Pager, id storage.PageID) (*PageInfo, error) {
	pg, err := pager.Fetch(id)
	if err != nil {
		return nil, err
	}
	defer pager.Unpin(id, false)
	pg.RLock()
	defer pg.RUnlock()

	buf := pg.Bytes()
	kind := storage.PageKindOf(buf)
	return &PageInfo{
		ID:       id,
		Kind:     kind,
		KindStr:  kind.String(),
		LSN:      storage.PageLSNOf(buf),
		CRCValid: storage.VerifyPageCRC(buf) == nil,
	}, nil
}

// CatalogInfo reports every registered index and its current key count.
type CatalogInfo struct {
	Indexes map[string]int
}

// InspectCatalog walks the engine's index catalog, opening and counting
// every registered index. Intended for offline diagnostics on small to
// medium databases; Count() walks the full leaf chain.
func InspectCatalog(pager *storage.Pager) (*CatalogInfo, error) {
	cat, ok := btree.OpenCatalog(pager)
	if !ok {
		return &CatalogInfo{Indexes: map[string]int{}}, nil
	}
	names, err := cat.Names()
	if err != nil {
		return nil, err
	}
	info := &CatalogInfo{Indexes: make(map[string]int, len(names))}
	for _, name := range names {
		root, err := cat.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("inspect: lookup %q: %w", name, err)
		}
		count, err := btree.Open(pager, root).Count()
		if err != nil {
			return nil, fmt.Errorf("inspect: count %q: %w", name, err)
		}
		info.Indexes[name] = count
	}
	return info, nil
}

// DumpIndex renders index name's tree shape via btree.DumpTree.
func DumpIndex(pager *storage.Pager, name string) (string, error) {
	cat, ok := btree.OpenCatalog(pager)
	if !ok {
		return "", storage.ErrNotFound([]byte(name))
	}
	root, err := cat.Lookup(name)
	if err != nil {
		return "", err
	}
	return btree.DumpTree(pager, root)
}
