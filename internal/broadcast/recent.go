package broadcast

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultRecentMax = 200
	defaultRecentTTL = 24 * time.Hour
)

// recentOutcomes keeps finished outcomes for the ops endpoint. Memory stays
// bounded by count and age.
type recentOutcomes struct {
	mu  sync.RWMutex
	max int
	ttl time.Duration
	m   map[string]Outcome
}

func newRecent() *recentOutcomes {
	return &recentOutcomes{max: defaultRecentMax, ttl: defaultRecentTTL, m: map[string]Outcome{}}
}

func (r *recentOutcomes) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[o.ID] = o
	r.pruneLocked(o.FinishedAt)
}

func (r *recentOutcomes) pruneLocked(now time.Time) {
	for id, o := range r.m {
		if now.Sub(o.FinishedAt) > r.ttl {
			delete(r.m, id)
		}
	}
	excess := len(r.m) - r.max
	if excess <= 0 {
		return
	}
	items := r.sortedLocked()
	for i := 0; i < excess; i++ {
		delete(r.m, items[i].ID)
	}
}

func (r *recentOutcomes) sortedLocked() []Outcome {
	items := make([]Outcome, 0, len(r.m))
	for _, o := range r.m {
		items = append(items, o)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FinishedAt.Before(items[j].FinishedAt) })
	return items
}

// list returns outcomes newest first.
func (r *recentOutcomes) list() []Outcome {
	r.mu.RLock()
	items := r.sortedLocked()
	r.mu.RUnlock()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

func (r *recentOutcomes) get(id string) (Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.m[id]
	return o, ok
}
