package secrets

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// DeleteDFSP removes every secret scoped to dfspID in every DFSP category.
// The per-key deletes run concurrently and are joined before returning.
// Keys that vanish between listing and deleting are ignored.
func DeleteDFSP(ctx context.Context, s Store, dfspID string) error {
	if err := (Key{Category: CategoryDFSPCA, DFSPID: dfspID}).Validate(); err != nil {
		return err
	}

	var keys []Key
	for _, cat := range DFSPCategories {
		keys = append(keys, Key{Category: cat, DFSPID: dfspID})
		ids, err := s.List(ctx, cat, dfspID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			keys = append(keys, Key{Category: cat, DFSPID: dfspID, ID: id})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			if err := s.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
