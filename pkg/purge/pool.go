package purge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

// Outcome partitions a set of requested keys into those that are gone and
// those the backend refused to delete.
//
// Succeeded and Failed are disjoint and keep the order of first occurrence in
// the request. Errors holds the backend error for each failed key.
type Outcome struct {
	Succeeded []string
	Failed    []string
	Errors    map[string]error
}

// DeleteWithConcurrency deletes keys with at most concurrency deletes in flight.
//
// Keys are de-duplicated and split into consecutive groups of size
// concurrency. The deletes of one group run concurrently; the next group
// starts only after the slowest member of the current one returns. A failing
// key never stops or reverts the others.
//
// Deleting an absent key succeeds, so re-running the same call is safe.
// A concurrency below 1 is treated as 1.
//
// Parameters:
//   - ctx: Context for cancellation; keys not attempted before it ends are failed
//   - store: Store to delete from
//   - keys: Keys to delete, duplicates allowed
//   - concurrency: Maximum number of simultaneous deletes
//
// Returns:
//   - *Outcome: Per-key partition, never nil
func DeleteWithConcurrency(ctx context.Context, store kv.Store, keys []string, concurrency int) *Outcome {
	if concurrency < 1 {
		concurrency = 1
	}

	unique := dedupe(keys)
	results := make([]error, len(unique))

	for start := 0; start < len(unique); start += concurrency {
		end := min(start+concurrency, len(unique))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					results[i] = err
					return nil
				}
				results[i] = store.Delete(ctx, unique[i])
				return nil
			})
		}
		// Workers record their own errors, so Wait has nothing to report.
		_ = g.Wait()
	}

	outcome := &Outcome{
		Succeeded: make([]string, 0, len(unique)),
		Failed:    []string{},
		Errors:    map[string]error{},
	}
	for i, key := range unique {
		if results[i] != nil {
			outcome.Failed = append(outcome.Failed, key)
			outcome.Errors[key] = results[i]
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, key)
	}
	return outcome
}

// forEachConcurrently runs fn over items in sequential groups of size
// concurrency, the same shape as DeleteWithConcurrency.
func forEachConcurrently(items []string, concurrency int, fn func(i int, item string)) {
	if concurrency < 1 {
		concurrency = 1
	}
	for start := 0; start < len(items); start += concurrency {
		end := min(start+concurrency, len(items))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(i, items[i])
			}()
		}
		wg.Wait()
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
