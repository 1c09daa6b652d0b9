// Package observability tracks per-entity cache activity: how each entity was
// booted, how often its table is read and when it fell back to the transient store.
package observability

import (
	"sort"
	"sync"
	"time"
)

// CacheStats aggregates activity for every entity the process has touched.
type CacheStats struct {
	mu       sync.RWMutex
	entities map[string]*EntityStats
	window   time.Duration
}

// EntityStats holds the counters of one entity.
type EntityStats struct {
	Entity           string
	Boots            int64
	Actions          map[string]int64 // freshness action → count (e.g., "reuse" → 3)
	Materializations int64
	RowsInserted     int64
	Fallbacks        int64
	Queries          int64
	Writes           int64
	LastAction       string
	LastBootDuration time.Duration
	LastSeen         time.Time
}

// NewCacheStats creates a tracker.
// window: entities idle longer than this are dropped by Prune
func NewCacheStats(window time.Duration) *CacheStats {
	return &CacheStats{
		entities: make(map[string]*EntityStats),
		window:   window,
	}
}

// entry returns the stats of entity, creating them. Must be called with lock held.
func (c *CacheStats) entry(entity string) *EntityStats {
	s, ok := c.entities[entity]
	if !ok {
		s = &EntityStats{Entity: entity, Actions: make(map[string]int64)}
		c.entities[entity] = s
	}
	s.LastSeen = time.Now()
	return s
}

// RecordBoot records a first-access boot of entity.
// action: the freshness action taken ("reuse", "rebuild", "transient")
// rows: rows inserted, when the boot materialized
func (c *CacheStats) RecordBoot(entity, action string, materialized bool, rows int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.entry(entity)
	s.Boots++
	s.Actions[action]++
	s.LastAction = action
	s.LastBootDuration = d
	if materialized {
		s.Materializations++
		s.RowsInserted += int64(rows)
	}
}

// RecordFallback records a degradation to the transient store.
func (c *CacheStats) RecordFallback(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(entity).Fallbacks++
}

// RecordQuery records a read served from the entity's table.
func (c *CacheStats) RecordQuery(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(entity).Queries++
}

// RecordWrite records a create/update/delete on the entity's table.
func (c *CacheStats) RecordWrite(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(entity).Writes++
}

// Get returns a copy of entity's stats.
func (c *CacheStats) Get(entity string) (EntityStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entities[entity]
	if !ok {
		return EntityStats{}, false
	}
	return copyStats(s), true
}

// Snapshot returns copies of all entity stats, most queried first.
func (c *CacheStats) Snapshot() []EntityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]EntityStats, 0, len(c.entities))
	for _, s := range c.entities {
		stats = append(stats, copyStats(s))
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Queries != stats[j].Queries {
			return stats[i].Queries > stats[j].Queries
		}
		return stats[i].Entity < stats[j].Entity
	})
	return stats
}

// Prune removes entities not seen within the window. A zero window keeps everything.
func (c *CacheStats) Prune() {
	if c.window <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := time.Now().Add(-c.window)
	for name, s := range c.entities {
		if s.LastSeen.Before(threshold) {
			delete(c.entities, name)
		}
	}
}

// Reset clears all counters.
func (c *CacheStats) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[string]*EntityStats)
}

func copyStats(s *EntityStats) EntityStats {
	out := *s
	out.Actions = make(map[string]int64, len(s.Actions))
	for k, v := range s.Actions {
		out.Actions[k] = v
	}
	return out
}
