// Package failure counts consecutive upstream failures per key and turns
// them into fallback and circuit-breaking decisions.
package failure

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultBlockThreshold    = 5
	DefaultFallbackThreshold = 3
)

// Key scopes a failure counter. Scope is the upstream source for playlists
// and the segment path prefix for segments and keys.
type Key struct {
	MatchID string
	Scope   string
}

func (k Key) String() string {
	return k.MatchID + ":" + k.Scope
}

// State is the position of a key in the failure state machine.
type State int

const (
	Healthy State = iota
	Degraded
	FallbackEligible
	Blocked
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case FallbackEligible:
		return "fallback-eligible"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Record is a snapshot of one key's counter.
type Record struct {
	Count       int
	LastUpdated time.Time
}

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	BlockThreshold    int
	FallbackThreshold int

	// Cooldown lets one probe through a blocked key after this much time
	// without a new failure. Zero keeps the key blocked until a success or
	// until the record is swept.
	Cooldown time.Duration

	// TTL is how long an idle record survives a Sweep.
	TTL time.Duration

	Now func() time.Time
}

// Tracker is safe for concurrent use; all updates to a single key are atomic.
type Tracker struct {
	records *xsync.MapOf[string, Record]
	opts    Options
}

func NewTracker(opts Options) *Tracker {
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = DefaultBlockThreshold
	}
	if opts.FallbackThreshold <= 0 {
		opts.FallbackThreshold = DefaultFallbackThreshold
	}
	if opts.FallbackThreshold > opts.BlockThreshold {
		opts.FallbackThreshold = opts.BlockThreshold
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		records: xsync.NewMapOf[string, Record](),
		opts:    opts,
	}
}

// RecordFailure increments the counter for key and returns the new count.
func (t *Tracker) RecordFailure(key Key) int {
	now := t.opts.Now()
	rec, _ := t.records.Compute(key.String(), func(old Record, _ bool) (Record, bool) {
		return Record{Count: old.Count + 1, LastUpdated: now}, false
	})
	return rec.Count
}

// RecordSuccess resets key to Healthy.
func (t *Tracker) RecordSuccess(key Key) {
	t.records.Delete(key.String())
}

// Count returns the current failure count for key.
func (t *Tracker) Count(key Key) int {
	rec, _ := t.records.Load(key.String())
	return rec.Count
}

// State classifies key by its count alone.
func (t *Tracker) State(key Key) State {
	count := t.Count(key)
	switch {
	case count == 0:
		return Healthy
	case count >= t.opts.BlockThreshold:
		return Blocked
	case count >= t.opts.FallbackThreshold:
		return FallbackEligible
	default:
		return Degraded
	}
}

// IsBlocked reports whether requests for key must be short-circuited. Once
// the cooldown has passed, exactly one caller is admitted as a probe and the
// cooldown restarts for everyone else.
func (t *Tracker) IsBlocked(key Key) bool {
	rec, ok := t.records.Load(key.String())
	if !ok || rec.Count < t.opts.BlockThreshold {
		return false
	}
	if t.opts.Cooldown <= 0 {
		return true
	}
	now := t.opts.Now()
	if now.Sub(rec.LastUpdated) < t.opts.Cooldown {
		return true
	}

	blocked := true
	t.records.Compute(key.String(), func(old Record, loaded bool) (Record, bool) {
		switch {
		case !loaded || old.Count < t.opts.BlockThreshold:
			blocked = false
		case now.Sub(old.LastUpdated) >= t.opts.Cooldown:
			old.LastUpdated = now
			blocked = false
		}
		return old, !loaded
	})
	return blocked
}

// ShouldFallback reports whether the caller should try its fallback source.
func (t *Tracker) ShouldFallback(key Key) bool {
	return t.Count(key) >= t.opts.FallbackThreshold
}

// Len returns the number of keys with a non-zero count.
func (t *Tracker) Len() int {
	return t.records.Size()
}

// Sweep drops records not updated within the TTL and returns how many went.
func (t *Tracker) Sweep(now time.Time) int {
	removed := 0
	t.records.Range(func(key string, rec Record) bool {
		if now.Sub(rec.LastUpdated) <= t.opts.TTL {
			return true
		}
		// Recheck under the key's lock; a concurrent failure may have refreshed it.
		t.records.Compute(key, func(cur Record, loaded bool) (Record, bool) {
			if loaded && now.Sub(cur.LastUpdated) > t.opts.TTL {
				removed++
				return cur, true
			}
			return cur, !loaded
		})
		return true
	})
	return removed
}
