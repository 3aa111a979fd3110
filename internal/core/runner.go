package core

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"PredictCore/internal/event"
	"PredictCore/internal/intake"
)

// RunReady releases every ready batch from q and executes them, one
// goroutine per market. Results are returned in market order; a failed
// market does not stop the others. ctx is only checked before release:
// a released batch has left the queue and always runs to a result.
func (o *Orchestrator) RunReady(ctx context.Context, q *intake.Queue, now time.Time) ([]*event.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batches := q.ReleaseReady(now)
	if len(batches) == 0 {
		return nil, nil
	}

	p := pool.NewWithResults[*event.BatchResult]().
		WithErrors().
		WithMaxGoroutines(o.parallelism)
	for _, b := range batches {
		b := b
		p.Go(func() (*event.BatchResult, error) {
			return o.ExecuteBatch(b, now)
		})
	}
	results, err := p.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, err
}
