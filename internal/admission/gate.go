// Package admission decides whether an inbound button press may proceed.
//
// Two independent TTL caches are kept: one suppresses redelivered events
// (duplicate check), the other rate-limits expensive actions per user
// (cooldown). Entries are evicted lazily on access.
package admission

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultDuplicateTTL = 300 * time.Second
	DefaultCooldown     = 60 * time.Second
)

type Config struct {
	DuplicateTTL time.Duration
	Cooldown     time.Duration
}

// Fingerprint identifies one delivery of a button press. Platforms may
// redeliver the same event; all five fields are equal in that case.
type Fingerprint struct {
	MessageTS  string
	UserID     string
	ActionID   string
	Value      string
	ActionTime string
}

type cooldownKey struct {
	user   string
	action string
}

type Gate struct {
	clock clockwork.Clock

	dupMu  sync.Mutex
	dupTTL time.Duration
	seen   map[Fingerprint]time.Time

	coolMu  sync.Mutex
	coolTTL time.Duration
	last    map[cooldownKey]time.Time
}

// New returns a gate using clock; a nil clock means the real clock.
func New(cfg Config, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	g := &Gate{
		clock: clock,
		seen:  map[Fingerprint]time.Time{},
		last:  map[cooldownKey]time.Time{},
	}
	g.Apply(cfg)
	return g
}

// Apply swaps TTLs. Existing entries are judged against the new TTLs.
func (g *Gate) Apply(cfg Config) {
	dup := cfg.DuplicateTTL
	if dup <= 0 {
		dup = DefaultDuplicateTTL
	}
	cool := cfg.Cooldown
	if cool <= 0 {
		cool = DefaultCooldown
	}
	g.dupMu.Lock()
	g.dupTTL = dup
	g.dupMu.Unlock()
	g.coolMu.Lock()
	g.coolTTL = cool
	g.coolMu.Unlock()
}

// CheckDuplicate reports whether key was already seen within the duplicate
// TTL. A first sighting is recorded and reported as false.
func (g *Gate) CheckDuplicate(key Fingerprint) bool {
	now := g.clock.Now()

	g.dupMu.Lock()
	defer g.dupMu.Unlock()

	for k, at := range g.seen {
		if now.Sub(at) > g.dupTTL {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return true
	}
	g.seen[key] = now
	return false
}

// CheckCooldown reports whether user triggered action within the cooldown
// window and, if so, how many whole seconds remain (always >= 1). When not on
// cooldown the call stamps the current time.
func (g *Gate) CheckCooldown(user, action string) (bool, int) {
	now := g.clock.Now()
	key := cooldownKey{user: user, action: action}

	g.coolMu.Lock()
	defer g.coolMu.Unlock()

	for k, at := range g.last {
		if now.Sub(at) > g.coolTTL {
			delete(g.last, k)
		}
	}
	if at, ok := g.last[key]; ok {
		elapsed := now.Sub(at)
		if elapsed < g.coolTTL {
			remaining := int(math.Ceil((g.coolTTL - elapsed).Seconds()))
			if remaining < 1 {
				remaining = 1
			}
			return true, remaining
		}
	}
	g.last[key] = now
	return false, 0
}

// Len returns the number of live entries in each cache.
func (g *Gate) Len() (duplicates, cooldowns int) {
	g.dupMu.Lock()
	duplicates = len(g.seen)
	g.dupMu.Unlock()
	g.coolMu.Lock()
	cooldowns = len(g.last)
	g.coolMu.Unlock()
	return duplicates, cooldowns
}

// UserKey scopes a user id to its tenant for cooldown tracking.
func UserKey(tenant, user string) string { return tenant + "/" + user }
