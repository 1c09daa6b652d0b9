package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWarmConcurrency bounds parallel boots during Warm.
const DefaultWarmConcurrency = 4

// WarmResult reports the outcome of booting every registered entity.
type WarmResult struct {
	Booted []string
	Errors map[string]error
}

// Err returns an error naming the entities that failed to boot, or nil.
func (r *WarmResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("cache: %d entities failed to boot, first %s: %w", len(names), names[0], r.Errors[names[0]])
}

// Warm boots every registered entity with at most concurrency boots in flight.
// Entities already booted are skipped by DB itself.
func (m *Manager) Warm(ctx context.Context, concurrency int) *WarmResult {
	if concurrency <= 0 {
		concurrency = DefaultWarmConcurrency
	}
	result := &WarmResult{Errors: make(map[string]error)}
	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, e := range m.Entities() {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[e.Name] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer sem.Release(1)
			defer wg.Done()

			_, err := m.Connection(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[name] = err
				return
			}
			result.Booted = append(result.Booted, name)
		}(e.Name)
	}

	wg.Wait()
	sort.Strings(result.Booted)
	return result
}
