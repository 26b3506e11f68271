package fleet

import (
	"context"
	"fmt"

	"socks-fleet/pkg/model"
	"socks-fleet/pkg/store"
)

// Selector picks exit nodes from the catalog.
type Selector struct {
	catalog store.CatalogStore
}

func NewSelector(catalog store.CatalogStore) *Selector {
	return &Selector{catalog: catalog}
}

// Select returns one node of the category chosen uniformly at random. An unknown
// category, or one with no rows (for example mid-refresh), yields ErrNoNodesAvailable.
func (s *Selector) Select(ctx context.Context, geo string) (model.NodeRecord, error) {
	cat, ok := model.ParseGeoCategory(geo)
	if !ok {
		return model.NodeRecord{}, fmt.Errorf("%w: unknown category %q", ErrNoNodesAvailable, geo)
	}
	node, found, err := s.catalog.RandomNode(ctx, cat)
	if err != nil {
		return model.NodeRecord{}, fmt.Errorf("select exit node: %w", err)
	}
	if !found {
		return model.NodeRecord{}, fmt.Errorf("%w: no %s exit nodes found", ErrNoNodesAvailable, cat)
	}
	return node, nil
}
