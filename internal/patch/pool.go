package patch

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/registry"
)

// computeUnits runs Compute for every unit on at most workers goroutines.
// It never stops early: each failing unit is collected and the rest keep
// going. A unit still waiting for a worker when ctx is done fails with the
// context error.
func computeUnits(ctx context.Context, a registry.Artifact, scope models.Scope, units []string, workers int) []models.Failure {
	var (
		mu       sync.Mutex
		failures []models.Failure
	)
	g := new(errgroup.Group)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, unit := range units {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = a.Compute(ctx, scope, unit)
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, models.Failure{SubUnit: unit, Message: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].SubUnit < failures[j].SubUnit })
	return failures
}
