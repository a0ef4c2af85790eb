// Package cache holds the per-session state the relay needs between a
// playlist request and the segment and key requests that follow it.
package cache

import (
	"sync"
	"time"
)

const DefaultTTL = time.Hour

type sessionEntry struct {
	segments  map[string]string
	expiresAt time.Time
}

// SegmentMap maps, per session, the short names written into a rewritten
// playlist back to the upstream URLs they stand for.
type SegmentMap struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewSegmentMap returns an empty map whose sessions live for ttl after their
// last write. now may be nil.
func NewSegmentMap(ttl time.Duration, now func() time.Time) *SegmentMap {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SegmentMap{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
		now:      now,
	}
}

// Put records one name for a session and refreshes the session's TTL.
func (m *SegmentMap) Put(sessionID, name, upstreamURL string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok || now.After(entry.expiresAt) {
		entry = &sessionEntry{segments: make(map[string]string)}
		m.sessions[sessionID] = entry
	}
	entry.segments[name] = upstreamURL
	entry.expiresAt = now.Add(m.ttl)
}

// Replace installs the table produced by a fresh playlist rewrite, dropping
// names that are no longer in the live window.
func (m *SegmentMap) Replace(sessionID string, segments map[string]string) {
	table := make(map[string]string, len(segments))
	for k, v := range segments {
		table[k] = v
	}
	now := m.now()

	m.mu.Lock()
	m.sessions[sessionID] = &sessionEntry{segments: table, expiresAt: now.Add(m.ttl)}
	m.mu.Unlock()
}

// Get returns the upstream URL for name. Expired sessions are misses even if
// they have not been swept yet.
func (m *SegmentMap) Get(sessionID, name string) (string, bool) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[sessionID]
	if !ok || now.After(entry.expiresAt) {
		return "", false
	}
	u, ok := entry.segments[name]
	return u, ok
}

// Len returns the number of sessions held, expired or not.
func (m *SegmentMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes every session whose TTL has elapsed at now.
func (m *SegmentMap) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.sessions {
		if now.After(entry.expiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
