// Package cache holds computed KPIs and task heartbeats in memory.
package cache

import (
	"maps"
	"sync"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// TaskRun is the outcome of the most recent unit of work of a task.
type TaskRun struct {
	At    time.Time
	Error string
}

type kpiEntry struct {
	kpi model.KPI
	at  time.Time
}

// Cache is a thread-safe in-memory holder for computed KPIs and task
// heartbeats.
type Cache struct {
	mu sync.RWMutex

	kpis    map[string]kpiEntry
	lastRun map[string]TaskRun
	now     func() time.Time
}

// CacheSnapshot is a read-only deep copy of the cache state.
type CacheSnapshot struct {
	KPIs    map[string]model.KPI
	LastRun map[string]TaskRun
}

// New returns an initialized Cache.
func New() *Cache {
	return &Cache{
		kpis:    make(map[string]kpiEntry),
		lastRun: make(map[string]TaskRun),
		now:     time.Now,
	}
}

// Snapshot returns a copy of the cache contents.
func (c *Cache) Snapshot() CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := CacheSnapshot{
		KPIs:    make(map[string]model.KPI, len(c.kpis)),
		LastRun: make(map[string]TaskRun, len(c.lastRun)),
	}
	for boxID, e := range c.kpis {
		snap.KPIs[boxID] = e.kpi
	}
	maps.Copy(snap.LastRun, c.lastRun)
	return snap
}

// KPI returns the cached KPIs of a box if they are younger than maxAge.
// A maxAge of zero accepts any age.
func (c *Cache) KPI(boxID string, maxAge time.Duration) (model.KPI, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.kpis[boxID]
	if !ok {
		return model.KPI{}, false
	}
	if maxAge > 0 && c.now().Sub(e.at) > maxAge {
		return model.KPI{}, false
	}
	return e.kpi, true
}

// SetKPI stores freshly computed KPIs of a box.
func (c *Cache) SetKPI(boxID string, k model.KPI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kpis[boxID] = kpiEntry{kpi: k, at: c.now()}
}

// InvalidateKPI drops the cached KPIs of a box, e.g. after new aggregates
// arrived.
func (c *Cache) InvalidateKPI(boxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kpis, boxID)
}

// SetLastRun records the last completed unit of work of a task.
func (c *Cache) SetLastRun(task string, at time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := TaskRun{At: at}
	if err != nil {
		run.Error = err.Error()
	}
	c.lastRun[task] = run
}
