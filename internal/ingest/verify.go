package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// SweepLatestInvariant checks every series for exactly-one-latest and
// latest-is-max-revision, fanning out across workers. Violations come back
// sorted by series then time so repeated sweeps diff cleanly.
func SweepLatestInvariant(ctx context.Context, store Store, workers int) ([]InvariantViolation, error) {
	if workers <= 0 {
		workers = 4
	}

	seriesIDs, err := store.ListSeriesIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "invariant sweep: list series")
	}

	var mu sync.Mutex
	var all []InvariantViolation

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range seriesIDs {
		g.Go(func() error {
			violations, err := store.CheckLatestInvariant(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "invariant sweep: series %d", id)
			}
			if len(violations) == 0 {
				return nil
			}
			mu.Lock()
			all = append(all, violations...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].SeriesID != all[j].SeriesID {
			return all[i].SeriesID < all[j].SeriesID
		}
		return all[i].ObsTime.Before(all[j].ObsTime)
	})
	return all, nil
}
